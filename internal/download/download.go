// Package download fetches model artifacts into the model directory. Pods
// may share that directory over a network volume, so every download writes
// to its own temp file and is renamed into place only after the checksum
// matched.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	userAgent = "transcribepod/1"

	defaultRetries          = 3
	defaultBackoff          = 300 * time.Millisecond
	defaultProgressInterval = 10 * time.Second
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

// StatusError is returned for a non-200 response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

type Options struct {
	URL            string
	Destination    string
	ExpectedSHA256 string
	ChecksumURL    string
	Retries        int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	// NoProgress disables both the terminal bar and progress log lines.
	NoProgress bool
	// ProgressInterval spaces progress log lines when stderr is not a
	// terminal.
	ProgressInterval time.Duration
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

func DownloadFile(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		return errors.New("download URL is required")
	}
	if opts.Destination == "" {
		return errors.New("destination path is required")
	}
	opts = withDefaults(opts)
	log := opts.Logger.With(zap.String("artifact", filepath.Base(opts.Destination)))

	expected := normalizeChecksum(opts.ExpectedSHA256)
	if expected == "" && opts.ChecksumURL != "" {
		resolved, err := ResolveExpectedChecksum(ctx, opts.ChecksumURL, filepath.Base(opts.Destination), opts.HTTPClient)
		if err != nil {
			return fmt.Errorf("fetch checksum: %w", err)
		}
		expected = resolved
	}

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			log.Warn("retrying download", zap.Int("attempt", attempt), zap.Int("max", opts.Retries), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * opts.Backoff):
			}
		}

		// Another pod on the same volume may have finished meanwhile.
		if present(opts.Destination, expected) {
			log.Info("artifact already present", zap.String("destination", opts.Destination))
			return nil
		}

		started := time.Now()
		lastErr = downloadOnce(ctx, opts, expected, log)
		if lastErr == nil {
			log.Info("download complete", zap.String("destination", opts.Destination), zap.Duration("elapsed", time.Since(started)))
			return nil
		}
		if !retryable(lastErr) {
			break
		}
	}

	return lastErr
}

func withDefaults(opts Options) Options {
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// present reports whether destination already holds the expected artifact.
// Without a checksum nothing can be trusted, so it is fetched again.
func present(destination, expected string) bool {
	if expected == "" {
		return false
	}
	if _, err := os.Stat(destination); err != nil {
		return false
	}
	return VerifyFileChecksum(destination, expected) == nil
}

// retryable is false for cancellation and client errors other than 408/429.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == http.StatusRequestTimeout || status.Code == http.StatusTooManyRequests || status.Code >= 500
	}
	return true
}

func downloadOnce(ctx context.Context, opts Options, expectedChecksum string, log *zap.Logger) error {
	outFile, err := os.CreateTemp(filepath.Dir(opts.Destination), filepath.Base(opts.Destination)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := outFile.Name()

	success := false
	defer func() {
		_ = outFile.Close()
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}

	hash := sha256.New()
	writers := []io.Writer{outFile, hash}

	var bar *progressbar.ProgressBar
	switch {
	case opts.NoProgress:
	case shouldRenderBar(resp.ContentLength):
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription("downloading "+filepath.Base(opts.Destination)),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		writers = append(writers, bar)
	default:
		writers = append(writers, newProgressLog(log, resp.ContentLength, opts.ProgressInterval))
	}

	if _, err := io.Copy(io.MultiWriter(writers...), resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := compareChecksum(expectedChecksum, hex.EncodeToString(hash.Sum(nil))); err != nil {
		return err
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, opts.Destination); err != nil {
		return fmt.Errorf("move temp file into destination: %w", err)
	}

	success = true
	return nil
}

func shouldRenderBar(contentLength int64) bool {
	if contentLength <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
