package request

import (
	"testing"

	"github.com/fmueller/transcribepod/internal/source"
	"github.com/fmueller/transcribepod/internal/transcript"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	req := Parse(map[string]any{})
	require.Nil(t, req.Source)
	require.Equal(t, transcript.FormatPlainText, req.Format)
	require.False(t, req.IncludeSegments)
	require.False(t, req.VADFilter)
	require.False(t, req.WordTimestamps)
	require.Equal(t, "", req.Language)
	require.Equal(t, 0.0, req.Temperature)
	require.Equal(t, 5, req.BeamSize)
	require.Nil(t, req.BestOf)
	require.Nil(t, req.Patience)
	require.Nil(t, req.LengthPenalty)
}

func TestParseSourcePrefersFirstNonEmptyURLAlias(t *testing.T) {
	t.Parallel()

	req := Parse(map[string]any{
		"audio_url":    "",
		"audio":        "https://example.com/a.wav",
		"audioUrl":     "https://example.com/b.wav",
		"audio_base64": "aGVsbG8=",
	})
	require.Equal(t, source.RemoteSource{URL: "https://example.com/a.wav"}, req.Source)

	req = Parse(map[string]any{"audioUrl": "https://example.com/b.wav"})
	require.Equal(t, source.RemoteSource{URL: "https://example.com/b.wav"}, req.Source)
}

func TestParseSourceFallsBackToInline(t *testing.T) {
	t.Parallel()

	req := Parse(map[string]any{"audio_url": nil, "audio_base64": "aGVsbG8="})
	require.Equal(t, source.InlineSource{Data: "aGVsbG8="}, req.Source)
}

func TestParseLanguageAutoSentinels(t *testing.T) {
	t.Parallel()

	for _, value := range []any{"", "auto", "AUTO", "null", nil} {
		req := Parse(map[string]any{"language": value})
		require.Equalf(t, "", req.Language, "language %v", value)
	}

	require.Equal(t, "", Parse(map[string]any{}).Language)
	require.Equal(t, "de", Parse(map[string]any{"language": "de"}).Language)
}

func TestParseNumbersLeniently(t *testing.T) {
	t.Parallel()

	req := Parse(map[string]any{
		"temperature":    "not-a-number",
		"beam_size":      "wide",
		"best_of":        "3",
		"patience":       1.5,
		"length_penalty": "0.8",
	})
	require.Equal(t, 0.0, req.Temperature)
	require.Equal(t, 5, req.BeamSize)
	require.NotNil(t, req.BestOf)
	require.Equal(t, 3, *req.BestOf)
	require.NotNil(t, req.Patience)
	require.Equal(t, 1.5, *req.Patience)
	require.NotNil(t, req.LengthPenalty)
	require.Equal(t, 0.8, *req.LengthPenalty)
}

func TestParseIntegersAreDecimal(t *testing.T) {
	t.Parallel()

	require.Equal(t, 8, Parse(map[string]any{"beam_size": "08"}).BeamSize)
	require.Equal(t, 5, Parse(map[string]any{"beam_size": "0x10"}).BeamSize)
	require.Equal(t, 12, Parse(map[string]any{"beam_size": " +12 "}).BeamSize)
	require.Equal(t, 5, Parse(map[string]any{"beam_size": "5.5"}).BeamSize)

	req := Parse(map[string]any{"best_of": "010"})
	require.NotNil(t, req.BestOf)
	require.Equal(t, 10, *req.BestOf)
	require.Nil(t, Parse(map[string]any{"best_of": "0b11"}).BestOf)
}

func TestParseNumbersFromJSON(t *testing.T) {
	t.Parallel()

	req := Parse(map[string]any{"temperature": 0.2, "beam_size": float64(8)})
	require.Equal(t, 0.2, req.Temperature)
	require.Equal(t, 8, req.BeamSize)
}

func TestParseInvalidOptionalNumberIsUnset(t *testing.T) {
	t.Parallel()

	req := Parse(map[string]any{"best_of": "many", "patience": ""})
	require.Nil(t, req.BestOf)
	require.Nil(t, req.Patience)
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	req := Parse(map[string]any{
		"include_segments": true,
		"vad_filter":       "true",
		"word_timestamps":  1,
		"transcription":    "srt",
	})
	require.True(t, req.IncludeSegments)
	require.True(t, req.VADFilter)
	require.True(t, req.WordTimestamps)
	require.Equal(t, transcript.FormatSRT, req.Format)

	req = Parse(map[string]any{"enable_vad": true, "vad_filter": false})
	require.True(t, req.VADFilter)

	req = Parse(map[string]any{"include_segments": "maybe"})
	require.False(t, req.IncludeSegments)
}
