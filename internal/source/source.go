// Package source materializes request audio as a local temporary file.
package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	FetchTimeout = 60 * time.Second
	fileSuffix   = ".wav"
	filePattern  = "transcribepod-*" + fileSuffix
)

var ErrUnexpectedStatus = errors.New("unexpected status code")

// Source produces a local audio file. The caller owns the returned path and
// must remove it. A nil logger discards logs.
type Source interface {
	Acquire(ctx context.Context, dir string, logger *zap.Logger) (string, error)
	Kind() string
}

// RemoteSource downloads audio over HTTP.
type RemoteSource struct {
	URL string
	// HTTPClient overrides the default client with FetchTimeout.
	HTTPClient *http.Client
}

func (r RemoteSource) Kind() string { return "url" }

func (r RemoteSource) Acquire(ctx context.Context, dir string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: FetchTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create audio request: %w", err)
	}
	req.Header.Set("User-Agent", "transcribepod/1")

	started := time.Now()
	logger.Debug("fetching audio", zap.String("host", req.URL.Host))
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("audio fetch rejected", zap.String("host", req.URL.Host), zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("fetch audio %s: %w: %d", r.URL, ErrUnexpectedStatus, resp.StatusCode)
	}

	path, written, err := writeTemp(dir, resp.Body)
	if err != nil {
		return "", err
	}
	logger.Debug("audio fetched",
		zap.String("path", path),
		zap.Int64("bytes", written),
		zap.Duration("elapsed", time.Since(started)),
	)
	return path, nil
}

// InlineSource decodes base64 audio carried in the request itself.
type InlineSource struct {
	Data string
}

func (i InlineSource) Kind() string { return "base64" }

func (i InlineSource) Acquire(_ context.Context, dir string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	payload, err := DecodeBase64(i.Data)
	if err != nil {
		return "", err
	}

	path, written, err := writeTemp(dir, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	logger.Debug("audio decoded", zap.String("path", path), zap.Int64("bytes", written))
	return path, nil
}

// DecodeBase64 accepts standard, unpadded and URL-safe encodings, with or
// without a data URI prefix.
func DecodeBase64(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		if idx := strings.Index(data, ","); idx != -1 {
			data = data[idx+1:]
		}
	}

	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		payload, err := enc.DecodeString(data)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("decode base64 audio: %w", lastErr)
}

func writeTemp(dir string, r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(dir, filePattern)
	if err != nil {
		return "", 0, fmt.Errorf("create temp audio file: %w", err)
	}

	success := false
	defer func() {
		_ = f.Close()
		if !success {
			_ = os.Remove(f.Name())
		}
	}()

	written, err := io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("write temp audio file: %w", err)
	}

	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp audio file: %w", err)
	}

	success = true
	return f.Name(), written, nil
}
