package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/transcribepod/internal/handler"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, ev handler.Event) (handler.Output, error)

func (f handlerFunc) Handle(ctx context.Context, ev handler.Event) (handler.Output, error) {
	return f(ctx, ev)
}

type platform struct {
	mu      sync.Mutex
	jobs    []string
	posts   []postedResult
	auth    []string
	jobPath []string
}

type postedResult struct {
	Path  string
	Query map[string]string
	Body  map[string]any
}

func (p *platform) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/job-take/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.auth = append(p.auth, r.Header.Get("Authorization"))
		p.jobPath = append(p.jobPath, r.URL.Path)
		if len(p.jobs) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next := p.jobs[0]
		p.jobs = p.jobs[1:]
		_, _ = w.Write([]byte(next))
	})
	mux.HandleFunc("/job-done/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		_ = json.Unmarshal(body, &decoded)

		query := map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}

		p.mu.Lock()
		p.posts = append(p.posts, postedResult{Path: r.URL.Path, Query: query, Body: decoded})
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestWorker(t *testing.T, serverURL string, h Handler) *Worker {
	t.Helper()

	w, err := New(h, Options{
		JobURL:    serverURL + "/job-take/$ID",
		ResultURL: serverURL + "/job-done/$RUNPOD_POD_ID",
		APIKey:    "secret",
		WorkerID:  "pod-1",
		IdleWait:  time.Millisecond,
		ErrorWait: time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func TestRunOnceReportsOutput(t *testing.T) {
	t.Parallel()

	p := &platform{jobs: []string{`{"id":"job-1","input":{"audio_url":"https://example.com/a.wav"}}`}}
	server := p.server(t)

	var seen handler.Event
	w := newTestWorker(t, server.URL, handlerFunc(func(_ context.Context, ev handler.Event) (handler.Output, error) {
		seen = ev
		return handler.Output{Text: "Hello world", Language: "en"}, nil
	}))

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, "job-1", seen.ID)
	require.Equal(t, "https://example.com/a.wav", seen.Input["audio_url"])

	require.Len(t, p.posts, 1)
	post := p.posts[0]
	require.Equal(t, "/job-done/pod-1", post.Path)
	require.Equal(t, "job-1", post.Query["id"])
	require.Equal(t, "false", post.Query["isStream"])
	require.Equal(t, "Hello world", post.Body["output"].(map[string]any)["text"])
	require.Equal(t, []string{"/job-take/pod-1"}, p.jobPath)
	require.Equal(t, []string{"secret"}, p.auth)
}

func TestRunOnceReportsHandlerError(t *testing.T) {
	t.Parallel()

	p := &platform{jobs: []string{`{"id":"job-2","input":{}}`}}
	server := p.server(t)

	w := newTestWorker(t, server.URL, handlerFunc(func(_ context.Context, _ handler.Event) (handler.Output, error) {
		return handler.Output{}, errors.New("fetch audio: unexpected status code: 500")
	}))

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, p.posts, 1)
	require.Equal(t, "fetch audio: unexpected status code: 500", p.posts[0].Body["error"])
	require.NotContains(t, p.posts[0].Body, "output")
}

func TestRunOnceMissingInputIsReportedAsError(t *testing.T) {
	t.Parallel()

	p := &platform{jobs: []string{`{"id":"job-3","input":{}}`}}
	server := p.server(t)

	w := newTestWorker(t, server.URL, handlerFunc(func(_ context.Context, _ handler.Event) (handler.Output, error) {
		return handler.Output{Error: handler.MissingAudioInput}, nil
	}))

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]any{"error": "Missing audio input"}, p.posts[0].Body)
	require.NotContains(t, p.posts[0].Body, "output")
}

func TestRunOnceNoJob(t *testing.T) {
	t.Parallel()

	p := &platform{}
	server := p.server(t)

	w := newTestWorker(t, server.URL, handlerFunc(func(_ context.Context, _ handler.Event) (handler.Output, error) {
		t.Fatal("handler must not be called")
		return handler.Output{}, nil
	}))

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
	require.Empty(t, p.posts)
}

func TestRunOnceJobEndpointError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	w := newTestWorker(t, server.URL, handlerFunc(func(_ context.Context, _ handler.Event) (handler.Output, error) {
		return handler.Output{}, nil
	}))

	_, err := w.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestRunProcessesJobsUntilCancelled(t *testing.T) {
	t.Parallel()

	p := &platform{jobs: []string{`{"id":"a","input":{}}`, `{"id":"b","input":{}}`}}
	server := p.server(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		ids []string
	)
	w := newTestWorker(t, server.URL, handlerFunc(func(_ context.Context, ev handler.Event) (handler.Output, error) {
		mu.Lock()
		ids = append(ids, ev.ID)
		if len(ids) == 2 {
			cancel()
		}
		mu.Unlock()
		return handler.Output{Text: ev.ID}, nil
	}))

	require.NoError(t, w.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestResultURLWithJobPlaceholder(t *testing.T) {
	t.Parallel()

	w, err := New(nil, Options{JobURL: "http://x/take", ResultURL: "http://x/done/$RUNPOD_POD_ID/$ID", WorkerID: "pod-2"})
	require.NoError(t, err)

	u, err := w.resultURL("job 7")
	require.NoError(t, err)
	require.Equal(t, "http://x/done/pod-2/job%207?isStream=false", u)
}

func TestNewRequiresURLs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{ResultURL: "http://x"})
	require.Error(t, err)
	_, err = New(nil, Options{JobURL: "http://x"})
	require.Error(t, err)
}
