package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fmueller/transcribepod/internal/config"
	"github.com/fmueller/transcribepod/internal/download"
	"github.com/fmueller/transcribepod/internal/handler"
	"github.com/fmueller/transcribepod/internal/logging"
	"github.com/fmueller/transcribepod/internal/metrics"
	"github.com/fmueller/transcribepod/internal/platform"
	"github.com/fmueller/transcribepod/internal/version"
	"github.com/fmueller/transcribepod/internal/whisper"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

const sidecarPingTimeout = 5 * time.Second

type appState struct {
	configFile string
	envFile    string

	cfg    config.Config
	logger *zap.Logger

	// engineFn builds the speech-to-text engine once per process.
	engineFn func(ctx context.Context) (whisper.Engine, error)
}

func newAppState() *appState {
	app := &appState{}
	app.engineFn = app.buildEngine
	return app
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribepod",
		Short: "Serverless speech-to-text worker backed by whisper",
		Long: "transcribepod accepts audio by URL or base64, transcribes it with a whisper model " +
			"and returns plain text, SRT or VTT. Without a subcommand it pulls jobs from the " +
			"serverless platform when RUNPOD_WEBHOOK_GET_JOB is set and serves the local API otherwise.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.cfg.JobURL != "" {
				return app.work(cmd.Context())
			}
			return app.serve(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindConfigFlags(cmd, app)
	bindLoggingFlags(cmd)
	bindModelFlags(cmd)
	bindEngineFlags(cmd)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newWorkerCmd(app))
	cmd.AddCommand(newInvokeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindConfigFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().StringVar(&app.configFile, "config", "", "Config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&app.envFile, "env-file", "", "Load environment from this file instead of ./.env")
}

func bindLoggingFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Bool("verbose", false, "Enable verbose logs")
	cmd.PersistentFlags().Bool("json-logs", false, "Enable JSON logging")
	cmd.PersistentFlags().Bool("no-progress", false, "Disable progress indicators")
}

func bindModelFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("model", whisper.DefaultModel, "Model name or model file path")
	cmd.PersistentFlags().String("model-dir", "", "Directory where models are stored")
	cmd.PersistentFlags().Bool("auto-download", true, "Automatically download missing models")
	cmd.PersistentFlags().String("temp-dir", "", "Directory for fetched audio; defaults to the system temp dir")
}

func bindEngineFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("engine", config.EngineBundled, "Speech engine: bundled|sidecar")
	cmd.PersistentFlags().String("device", "auto", "Inference device: auto|cpu|cuda")
	cmd.PersistentFlags().String("compute-type", "default", "Compute type passed to the sidecar engine")
	cmd.PersistentFlags().String("whisper-path", "", "Path to whisper-cli; defaults to the bundled binary")
	cmd.PersistentFlags().String("vad-model", "", "Silero VAD model used when a request enables VAD")
	cmd.PersistentFlags().String("sidecar-url", "http://localhost:8387", "Base URL of the whisper sidecar")
}

func (a *appState) init(cmd *cobra.Command) error {
	var opts []config.Option
	if a.configFile != "" {
		opts = append(opts, config.WithConfigFile(a.configFile))
	}
	if a.envFile != "" {
		opts = append(opts, config.WithEnvFile(a.envFile))
	}

	cfg, err := config.Load(cmd.Flags(), opts...)
	if err != nil {
		return err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	a.cfg = cfg

	logger, err := logging.New(logging.Options{Verbose: cfg.Verbose, JSON: cfg.JSONLogs, WorkerID: cfg.WorkerID})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

func (a *appState) buildHandler(ctx context.Context, m *metrics.Metrics) (*handler.Handler, error) {
	engineFn := a.engineFn
	if engineFn == nil {
		engineFn = a.buildEngine
	}

	engine, err := engineFn(ctx)
	if err != nil {
		return nil, err
	}
	a.log().Info("speech engine ready", zap.String("engine", engine.Name()), zap.String("model", a.cfg.Model))

	return handler.New(engine, handler.Options{
		TempDir: a.cfg.TempDir,
		Logger:  a.log(),
		Metrics: m,
	}), nil
}

func (a *appState) buildEngine(ctx context.Context) (whisper.Engine, error) {
	if a.cfg.Engine == config.EngineSidecar {
		model, err := whisper.SidecarModel(a.cfg.Model)
		if err != nil {
			return nil, err
		}
		engine := whisper.NewSidecarEngine(a.log(), whisper.SidecarOptions{
			URL:         a.cfg.SidecarURL,
			Model:       model,
			Device:      a.cfg.Device,
			ComputeType: a.cfg.ComputeType,
		})

		pingCtx, cancel := context.WithTimeout(ctx, sidecarPingTimeout)
		defer cancel()
		if err := engine.Ping(pingCtx); err != nil {
			a.log().Warn("whisper sidecar not ready yet", zap.String("url", engine.URL), zap.Error(err))
		}
		return engine, nil
	}

	model, err := a.ensureModelAvailable(ctx)
	if err != nil {
		return nil, err
	}

	return whisper.NewBundledEngine(a.log(), whisper.BundledOptions{
		Executable: a.cfg.WhisperPath,
		ModelPath:  model.Path,
		Device:     a.cfg.Device,
		VADModel:   a.cfg.VADModel,
		TempDir:    a.cfg.TempDir,
	})
}

func (a *appState) ensureModelAvailable(ctx context.Context) (whisper.ResolvedModel, error) {
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(a.cfg.Model, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !a.cfg.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `transcribepod setup --model %s` or set TRANSCRIBEPOD_AUTO_DOWNLOAD=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		NoProgress:     a.cfg.NoProgress,
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.cfg.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.cfg.NoProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		if stdin == nil {
			return nil, errors.New("no input provided")
		}
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
