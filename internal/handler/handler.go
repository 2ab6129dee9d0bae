// Package handler runs one transcription invocation end to end: normalize
// the input, materialize the audio, call the model and assemble the output.
package handler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fmueller/transcribepod/internal/audio"
	"github.com/fmueller/transcribepod/internal/metrics"
	"github.com/fmueller/transcribepod/internal/request"
	"github.com/fmueller/transcribepod/internal/transcript"
	"github.com/fmueller/transcribepod/internal/whisper"
	"go.uber.org/zap"
)

const unknownLanguage = "unknown"

// Event is a single invocation as delivered by the serverless runtime.
type Event struct {
	ID    string         `json:"id,omitempty"`
	Input map[string]any `json:"input"`
}

type Options struct {
	// TempDir holds downloaded and decoded audio; empty means os.TempDir.
	TempDir string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Handler is safe to share between invocations; it holds no per-request
// state.
type Handler struct {
	engine  whisper.Engine
	tempDir string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(engine whisper.Engine, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:  engine,
		tempDir: opts.TempDir,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Handle processes ev. Missing audio yields an error Output and a nil error;
// failures to fetch audio or run the model are returned as errors.
func (h *Handler) Handle(ctx context.Context, ev Event) (Output, error) {
	started := time.Now()
	log := h.logger.With(zap.String("job_id", ev.ID))

	req := request.Parse(ev.Input)
	if req.Source == nil {
		log.Warn("request has no audio input")
		h.metrics.ObserveRequest(metrics.StatusInvalidInput, "", time.Since(started))
		return Output{Error: MissingAudioInput}, nil
	}

	kind := req.Source.Kind()
	out, err := h.transcribe(ctx, log, req)
	if err != nil {
		log.Warn("transcription failed", zap.String("source", kind), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		h.metrics.ObserveRequest(metrics.StatusFailed, kind, time.Since(started))
		return Output{}, err
	}

	if out.Duration != nil {
		h.metrics.AddAudio(*out.Duration)
	}
	h.metrics.ObserveRequest(metrics.StatusCompleted, kind, time.Since(started))
	log.Info("transcription finished",
		zap.String("source", kind),
		zap.String("language", out.Language),
		zap.String("format", string(req.Format)),
		zap.Duration("elapsed", time.Since(started)),
	)

	return out, nil
}

func (h *Handler) transcribe(ctx context.Context, log *zap.Logger, req request.Request) (Output, error) {
	audioPath, err := req.Source.Acquire(ctx, h.tempDir, log)
	if err != nil {
		return Output{}, fmt.Errorf("acquire audio: %w", err)
	}
	defer func() {
		_ = os.Remove(audioPath)
	}()

	log.Debug("audio acquired", zap.String("path", audioPath), zap.String("engine", h.engine.Name()))
	result, err := h.engine.Transcribe(ctx, whisper.TranscriptionRequest{
		AudioPath:      audioPath,
		Language:       req.Language,
		VADFilter:      req.VADFilter,
		WordTimestamps: req.WordTimestamps,
		Temperature:    req.Temperature,
		BeamSize:       req.BeamSize,
		BestOf:         req.BestOf,
		Patience:       req.Patience,
		LengthPenalty:  req.LengthPenalty,
	})
	if err != nil {
		return Output{}, err
	}

	segments := transcript.Materialize(result.Segments)

	language := result.Info.Language
	if language == "" {
		language = unknownLanguage
	}

	out := Output{
		Text:     transcript.PlainText(segments),
		Language: language,
		Duration: resolveDuration(result.Info.Duration, audioPath, segments),
	}
	if req.IncludeSegments {
		out.Segments = segments
	}
	if req.Format != transcript.FormatPlainText {
		formatted := transcript.Render(segments, req.Format)
		out.Formatted = &formatted
	}

	return out, nil
}

// resolveDuration prefers the model's figure, then the WAV header, then the
// end of the last segment.
func resolveDuration(reported float64, audioPath string, segments []transcript.Segment) *float64 {
	if reported > 0 {
		return &reported
	}
	if seconds, ok := audio.Duration(audioPath); ok {
		return &seconds
	}
	if len(segments) > 0 {
		end := segments[len(segments)-1].End
		return &end
	}
	return nil
}
