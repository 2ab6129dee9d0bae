package handler

import (
	"encoding/json"

	"github.com/fmueller/transcribepod/internal/transcript"
)

// MissingAudioInput is returned to callers whose input names no audio.
const MissingAudioInput = "Missing audio input"

// Output is the result of one invocation. An Output with Error set marshals
// as {"error": ...} and nothing else.
type Output struct {
	Error    string
	Text     string
	Language string
	// Duration is nil when neither the model nor the audio reported one.
	Duration *float64
	// Segments is nil unless the caller asked for them.
	Segments []transcript.Segment
	// Formatted is nil when the plain text format was requested.
	Formatted *string
}

type outputWire struct {
	Text          string                `json:"text"`
	Transcription string                `json:"transcription"`
	Language      string                `json:"language"`
	Duration      *float64              `json:"duration"`
	Segments      *[]transcript.Segment `json:"segments,omitempty"`
	Formatted     *string               `json:"formatted_transcription,omitempty"`
}

func (o Output) MarshalJSON() ([]byte, error) {
	if o.Error != "" {
		return json.Marshal(map[string]string{"error": o.Error})
	}

	wire := outputWire{
		Text:          o.Text,
		Transcription: o.Text,
		Language:      o.Language,
		Duration:      o.Duration,
		Formatted:     o.Formatted,
	}
	if o.Segments != nil {
		wire.Segments = &o.Segments
	}
	return json.Marshal(wire)
}
