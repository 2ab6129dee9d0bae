// Package request turns the loosely typed "input" object of an invocation
// into typed transcription parameters.
package request

import (
	"strconv"
	"strings"

	"github.com/fmueller/transcribepod/internal/source"
	"github.com/fmueller/transcribepod/internal/transcript"
	"github.com/spf13/cast"
)

const (
	DefaultTemperature = 0.0
	DefaultBeamSize    = 5
)

var urlKeys = []string{"audio_url", "audio", "audioUrl"}

// Request is a normalized transcription request. Source is nil when the
// input carries no audio.
type Request struct {
	Source          source.Source
	Format          transcript.Format
	IncludeSegments bool
	Language        string
	VADFilter       bool
	WordTimestamps  bool
	Temperature     float64
	BeamSize        int
	BestOf          *int
	Patience        *float64
	LengthPenalty   *float64
}

// Parse extracts a Request from input. Malformed values never fail the parse;
// they fall back to their defaults.
func Parse(input map[string]any) Request {
	return Request{
		Source:          parseSource(input),
		Format:          transcript.ParseFormat(stringValue(input, "transcription")),
		IncludeSegments: boolValue(input, "include_segments"),
		Language:        parseLanguage(input),
		VADFilter:       boolValue(input, "enable_vad") || boolValue(input, "vad_filter"),
		WordTimestamps:  boolValue(input, "word_timestamps"),
		Temperature:     floatOr(input, "temperature", DefaultTemperature),
		BeamSize:        intOr(input, "beam_size", DefaultBeamSize),
		BestOf:          optionalInt(input, "best_of"),
		Patience:        optionalFloat(input, "patience"),
		LengthPenalty:   optionalFloat(input, "length_penalty"),
	}
}

func parseSource(input map[string]any) source.Source {
	for _, key := range urlKeys {
		if url := stringValue(input, key); url != "" {
			return source.RemoteSource{URL: url}
		}
	}

	if data := stringValue(input, "audio_base64"); data != "" {
		return source.InlineSource{Data: data}
	}

	return nil
}

// parseLanguage maps the auto-detect sentinels to "".
func parseLanguage(input map[string]any) string {
	lang := stringValue(input, "language")
	switch strings.ToLower(lang) {
	case "", "auto", "null":
		return ""
	default:
		return lang
	}
}

func lookup(input map[string]any, key string) (any, bool) {
	value, ok := input[key]
	if !ok || value == nil {
		return nil, false
	}
	if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return value, true
}

func stringValue(input map[string]any, key string) string {
	value, ok := lookup(input, key)
	if !ok {
		return ""
	}
	s, err := cast.ToStringE(value)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func boolValue(input map[string]any, key string) bool {
	value, ok := lookup(input, key)
	if !ok {
		return false
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return false
	}
	return b
}

func floatOr(input map[string]any, key string, fallback float64) float64 {
	if v := optionalFloat(input, key); v != nil {
		return *v
	}
	return fallback
}

func intOr(input map[string]any, key string, fallback int) int {
	if v := optionalInt(input, key); v != nil {
		return *v
	}
	return fallback
}

func optionalFloat(input map[string]any, key string) *float64 {
	value, ok := lookup(input, key)
	if !ok {
		return nil
	}
	if s, isString := value.(string); isString {
		value = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return nil
	}
	return &f
}

func optionalInt(input map[string]any, key string) *int {
	value, ok := lookup(input, key)
	if !ok {
		return nil
	}
	if s, isString := value.(string); isString {
		// Decimal only: "08" is 8 and "0x10" is not a number.
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 0)
		if err != nil {
			return nil
		}
		i := int(n)
		return &i
	}
	i, err := cast.ToIntE(value)
	if err != nil {
		return nil
	}
	return &i
}
