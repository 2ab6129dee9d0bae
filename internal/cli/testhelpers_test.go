package cli

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/fmueller/transcribepod/internal/transcript"
	"github.com/fmueller/transcribepod/internal/whisper"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runAppCommand(t, newAppState(), args, nil)
}

func runAppCommand(t *testing.T, app *appState, args []string, stdin io.Reader) (stdout string, stderr string, err error) {
	t.Helper()
	return runAppCommandContext(context.Background(), t, app, args, stdin)
}

func runAppCommandContext(ctx context.Context, t *testing.T, app *appState, args []string, stdin io.Reader) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(ctx)
	return outBuf.String(), errBuf.String(), err
}

type fakeEngine struct {
	mu     sync.Mutex
	result whisper.Result
	err    error
	calls  []whisper.TranscriptionRequest
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Transcribe(_ context.Context, req whisper.TranscriptionRequest) (whisper.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func appWithEngine(engine whisper.Engine) *appState {
	app := newAppState()
	app.engineFn = func(context.Context) (whisper.Engine, error) {
		return engine, nil
	}
	return app
}

func helloWorldEngine() *fakeEngine {
	return &fakeEngine{result: whisper.Result{
		Segments: []transcript.Segment{
			{Start: 0, End: 1.5, Text: " Hello"},
			{Start: 1.5, End: 3.0, Text: " world "},
		},
		Info: transcript.Info{Language: "en", Duration: 3.0},
	}}
}
