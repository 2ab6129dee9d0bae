// Package worker pulls jobs from the serverless platform's job queue, runs
// them through the handler one at a time and reports each result back.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fmueller/transcribepod/internal/handler"
	"go.uber.org/zap"
)

const (
	defaultIdleWait   = time.Second
	defaultErrorWait  = 5 * time.Second
	defaultJobTimeout = 90 * time.Second
)

// Handler is the invocation entry point a worker drives.
type Handler interface {
	Handle(ctx context.Context, ev handler.Event) (handler.Output, error)
}

type Options struct {
	// JobURL is polled for work; "$ID" and "$RUNPOD_POD_ID" are replaced
	// with the worker id.
	JobURL string
	// ResultURL receives results; "$RUNPOD_POD_ID" is replaced with the
	// worker id and "$ID" with the job id.
	ResultURL  string
	APIKey     string
	WorkerID   string
	IdleWait   time.Duration
	ErrorWait  time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Worker struct {
	handler Handler
	opts    Options
	client  *http.Client
	logger  *zap.Logger
}

type job struct {
	ID    string         `json:"id"`
	Input map[string]any `json:"input"`
}

type jobResult struct {
	Output *handler.Output `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func New(h Handler, opts Options) (*Worker, error) {
	if strings.TrimSpace(opts.JobURL) == "" {
		return nil, errors.New("job URL is required")
	}
	if strings.TrimSpace(opts.ResultURL) == "" {
		return nil, errors.New("result URL is required")
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = defaultIdleWait
	}
	if opts.ErrorWait <= 0 {
		opts.ErrorWait = defaultErrorWait
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultJobTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{handler: h, opts: opts, client: client, logger: logger}, nil
}

// Run processes jobs until ctx is cancelled. Transport errors are logged and
// retried after ErrorWait; they never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.String("worker_id", w.opts.WorkerID))

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		processed, err := w.RunOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Warn("job loop error", zap.Error(err))
			wait = w.opts.ErrorWait
		case !processed:
			wait = w.opts.IdleWait
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}
}

// RunOnce takes at most one job. It reports whether a job was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	j, err := w.takeJob(ctx)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	log := w.logger.With(zap.String("job_id", j.ID))
	log.Info("job received")

	var result jobResult
	out, err := w.handler.Handle(ctx, handler.Event{ID: j.ID, Input: j.Input})
	switch {
	case err != nil:
		result.Error = err.Error()
	case out.Error != "":
		// The platform marks a job FAILED only for a top-level error.
		result.Error = out.Error
	default:
		result.Output = &out
	}

	// A finished job is still reported when shutdown starts mid-job.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultJobTimeout)
	defer cancel()
	if err := w.postResult(reportCtx, j.ID, result); err != nil {
		return true, fmt.Errorf("report job %s: %w", j.ID, err)
	}

	log.Info("job reported", zap.Bool("failed", result.Error != ""))
	return true, nil
}

func (w *Worker) takeJob(ctx context.Context) (*job, error) {
	jobURL := strings.NewReplacer("$RUNPOD_POD_ID", w.opts.WorkerID, "$ID", w.opts.WorkerID).Replace(w.opts.JobURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create job request: %w", err)
	}
	w.authorize(req)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("take job: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("take job: unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var j job
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.ID == "" {
		return nil, errors.New("decode job: missing id")
	}
	return &j, nil
}

func (w *Worker) postResult(ctx context.Context, jobID string, result jobResult) error {
	resultURL, err := w.resultURL(jobID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resultURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	w.authorize(req)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post result: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post result: unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (w *Worker) resultURL(jobID string) (string, error) {
	raw := strings.ReplaceAll(w.opts.ResultURL, "$RUNPOD_POD_ID", w.opts.WorkerID)
	hasJobPlaceholder := strings.Contains(raw, "$ID")
	raw = strings.ReplaceAll(raw, "$ID", url.PathEscape(jobID))

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse result URL: %w", err)
	}

	q := u.Query()
	if !hasJobPlaceholder {
		q.Set("id", jobID)
	}
	q.Set("isStream", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *Worker) authorize(req *http.Request) {
	if w.opts.APIKey != "" {
		req.Header.Set("Authorization", w.opts.APIKey)
	}
}
