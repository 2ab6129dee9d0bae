package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/term"
)

func TestParseChecksumByFilename(t *testing.T) {
	t.Parallel()

	content := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa  foo.tar.gz\n" +
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb  checksums.txt\n")

	parsed, err := ParseChecksum(content, "foo.tar.gz")
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", parsed)
}

func TestVerifyFileChecksum(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := []byte("transcribepod")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	sum := sha256.Sum256(payload)
	require.NoError(t, VerifyFileChecksum(path, hex.EncodeToString(sum[:])))
	require.Error(t, VerifyFileChecksum(path, "deadbeef"))
}

func TestDownloadFileWithChecksumURL(t *testing.T) {
	t.Parallel()

	payload := []byte("hello-world")
	sum := sha256.Sum256(payload)
	sumHex := hex.EncodeToString(sum[:])

	destination := filepath.Join(t.TempDir(), "artifact.tar.gz")
	checksumBody := fmt.Sprintf("%s  %s\n", sumHex, filepath.Base(destination))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/artifact":
			_, _ = w.Write(payload)
		case "/checksums.txt":
			_, _ = w.Write([]byte(checksumBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	err := DownloadFile(context.Background(), Options{
		URL:         server.URL + "/artifact",
		Destination: destination,
		ChecksumURL: server.URL + "/checksums.txt",
		NoProgress:  true,
		Retries:     1,
	})
	require.NoError(t, err)

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
}

func TestResolveExpectedChecksum(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa  model.bin\n"))
	}))
	defer server.Close()

	checksum, err := ResolveExpectedChecksum(context.Background(), server.URL, "model.bin", nil)
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", checksum)
}

func TestDownloadFileRetriesAndFailsOnBadStatus(t *testing.T) {
	t.Parallel()

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "model.bin")
	err := DownloadFile(context.Background(), Options{
		URL:         server.URL,
		Destination: destination,
		Retries:     2,
		Backoff:     time.Millisecond,
		NoProgress:  true,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
	require.Equal(t, 2, calls)

	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusBadGateway, status.Code)
	requireEmptyDir(t, filepath.Dir(destination))
}

func TestDownloadFileDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "model.bin")
	err := DownloadFile(context.Background(), Options{
		URL:         server.URL,
		Destination: destination,
		Retries:     3,
		Backoff:     time.Millisecond,
		NoProgress:  true,
	})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
	requireEmptyDir(t, filepath.Dir(destination))
}

func TestDownloadFileRetriesRateLimit(t *testing.T) {
	t.Parallel()

	payload := []byte("model-bytes")
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "model.bin")
	err := DownloadFile(context.Background(), Options{
		URL:         server.URL,
		Destination: destination,
		Retries:     2,
		Backoff:     time.Millisecond,
		NoProgress:  true,
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
}

func TestDownloadFileSkipsVerifiedArtifact(t *testing.T) {
	t.Parallel()

	payload := []byte("already-here")
	sum := sha256.Sum256(payload)

	destination := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(destination, payload, 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("verified artifact must not be fetched again")
	}))
	defer server.Close()

	err := DownloadFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    destination,
		ExpectedSHA256: hex.EncodeToString(sum[:]),
		NoProgress:     true,
	})
	require.NoError(t, err)
}

func TestDownloadFileStopsRetryingWhenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := DownloadFile(ctx, Options{
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "model.bin"),
		Retries:     5,
		Backoff:     time.Hour,
		NoProgress:  true,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDownloadFileLogsProgressWithoutTerminal(t *testing.T) {
	t.Parallel()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		t.Skip("stderr is a terminal; the progress bar is used instead")
	}

	payload := []byte("0123456789")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	err := DownloadFile(context.Background(), Options{
		URL:              server.URL,
		Destination:      filepath.Join(t.TempDir(), "model.bin"),
		ProgressInterval: time.Nanosecond,
		Logger:           zap.New(core),
	})
	require.NoError(t, err)

	progress := logs.FilterMessage("download progress").All()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1].ContextMap()
	require.Equal(t, int64(10), last["bytes"])
	require.Equal(t, "model.bin", last["artifact"])
	require.Len(t, logs.FilterMessage("download complete").All(), 1)
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDownloadFileChecksumMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "model.bin")
	err := DownloadFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    destination,
		ExpectedSHA256: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Retries:        1,
		NoProgress:     true,
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)
	requireEmptyDir(t, filepath.Dir(destination))
}
