package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/transcribepod/internal/transcript"
	"go.uber.org/zap"
)

const (
	EngineSidecar = "sidecar"

	defaultSidecarURL     = "http://localhost:8387"
	defaultSidecarTimeout = 30 * time.Minute
)

type SidecarOptions struct {
	URL         string
	Model       string
	Device      string
	ComputeType string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// SidecarEngine delegates to a faster-whisper HTTP sidecar running in the
// same pod.
type SidecarEngine struct {
	URL         string
	Model       string
	Device      string
	ComputeType string
	Client      *http.Client
	Logger      *zap.Logger
}

func NewSidecarEngine(logger *zap.Logger, opts SidecarOptions) *SidecarEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = defaultSidecarURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSidecarTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &SidecarEngine{
		URL:         strings.TrimRight(opts.URL, "/"),
		Model:       opts.Model,
		Device:      opts.Device,
		ComputeType: opts.ComputeType,
		Client:      client,
		Logger:      logger,
	}
}

func (s *SidecarEngine) Name() string { return EngineSidecar }

// Ping reports whether the sidecar answers its health endpoint.
func (s *SidecarEngine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("whisper sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whisper sidecar health status %d", resp.StatusCode)
	}
	return nil
}

func (s *SidecarEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Result{}, errors.New("audio path is required")
	}

	body, contentType, err := s.buildForm(req)
	if err != nil {
		return Result{}, err
	}
	defer body.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+"/transcribe", body)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	s.Logger.Debug("calling whisper sidecar", zap.String("url", s.URL), zap.String("model", s.Model))
	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("whisper sidecar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("whisper sidecar error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("decode whisper sidecar response: %w", err)
	}

	return Result{
		Segments: decoded.Segments,
		Info: transcript.Info{
			Language: decoded.Language,
			Duration: decoded.Duration,
		},
	}, nil
}

// buildForm streams the multipart body so long recordings are never held in
// memory. The caller must close the returned reader.
func (s *SidecarEngine) buildForm(req TranscriptionRequest) (io.ReadCloser, string, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio file: %w", err)
	}

	fields := s.formFields(req)
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		pw.CloseWithError(writeForm(writer, fields, f, filepath.Base(req.AudioPath)))
	}()

	return pr, writer.FormDataContentType(), nil
}

func (s *SidecarEngine) formFields(req TranscriptionRequest) map[string]string {
	fields := map[string]string{
		"model":           s.Model,
		"device":          s.Device,
		"compute_type":    s.ComputeType,
		"language":        req.Language,
		"vad_filter":      strconv.FormatBool(req.VADFilter),
		"word_timestamps": strconv.FormatBool(req.WordTimestamps),
		"temperature":     strconv.FormatFloat(req.Temperature, 'f', -1, 64),
		"beam_size":       strconv.Itoa(req.BeamSize),
	}
	if req.BestOf != nil {
		fields["best_of"] = strconv.Itoa(*req.BestOf)
	}
	if req.Patience != nil {
		fields["patience"] = strconv.FormatFloat(*req.Patience, 'f', -1, 64)
	}
	if req.LengthPenalty != nil {
		fields["length_penalty"] = strconv.FormatFloat(*req.LengthPenalty, 'f', -1, 64)
	}
	return fields
}

// writeForm writes the fields first and the audio last.
func writeForm(writer *multipart.Writer, fields map[string]string, audio io.Reader, fileName string) error {
	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(key, value); err != nil {
			return fmt.Errorf("write form field %s: %w", key, err)
		}
	}

	part, err := writer.CreateFormFile("audio", fileName)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("write audio data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}
	return nil
}

type sidecarResponse struct {
	Text     string               `json:"text"`
	Language string               `json:"language"`
	Duration float64              `json:"duration"`
	Segments []transcript.Segment `json:"segments"`
}
