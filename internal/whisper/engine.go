package whisper

import (
	"context"

	"github.com/fmueller/transcribepod/internal/transcript"
)

// TranscriptionRequest carries everything one model invocation needs. Nil
// pointers leave the decision to the model.
type TranscriptionRequest struct {
	AudioPath      string
	Language       string
	VADFilter      bool
	WordTimestamps bool
	Temperature    float64
	BeamSize       int
	BestOf         *int
	Patience       *float64
	LengthPenalty  *float64
}

// Result is the fully materialized model output.
type Result struct {
	Segments []transcript.Segment
	Info     transcript.Info
}

type Engine interface {
	Name() string
	Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error)
}
