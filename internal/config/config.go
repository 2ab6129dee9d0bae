// Package config loads the process-wide settings: which model to load, on
// which device, and how the worker talks to the serverless platform.
//
// Values come from, in order of precedence, command-line flags, environment
// variables (TRANSCRIBEPOD_*, plus the WHISPER_* aliases for model settings),
// an optional config file, and built-in defaults. A .env file in the working
// directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "TRANSCRIBEPOD"

const (
	EngineBundled = "bundled"
	EngineSidecar = "sidecar"
)

type Config struct {
	Model        string `mapstructure:"model"`
	ModelDir     string `mapstructure:"model_dir"`
	Device       string `mapstructure:"device"`
	ComputeType  string `mapstructure:"compute_type"`
	Engine       string `mapstructure:"engine"`
	WhisperPath  string `mapstructure:"whisper_path"`
	VADModel     string `mapstructure:"vad_model"`
	SidecarURL   string `mapstructure:"sidecar_url"`
	AutoDownload bool   `mapstructure:"auto_download"`
	TempDir      string `mapstructure:"temp_dir"`
	Listen       string `mapstructure:"listen"`
	Verbose      bool   `mapstructure:"verbose"`
	JSONLogs     bool   `mapstructure:"json_logs"`
	NoProgress   bool   `mapstructure:"no_progress"`

	JobURL    string `mapstructure:"job_url"`
	ResultURL string `mapstructure:"result_url"`
	APIKey    string `mapstructure:"api_key"`
	WorkerID  string `mapstructure:"worker_id"`
}

var defaults = map[string]any{
	"model":         "small",
	"model_dir":     "",
	"device":        "auto",
	"compute_type":  "default",
	"engine":        EngineBundled,
	"whisper_path":  "",
	"vad_model":     "",
	"sidecar_url":   "http://localhost:8387",
	"auto_download": true,
	"temp_dir":      "",
	"listen":        ":8000",
	"verbose":       false,
	"json_logs":     false,
	"no_progress":   false,
	"job_url":       "",
	"result_url":    "",
	"api_key":       "",
	"worker_id":     "",
}

var envAliases = map[string][]string{
	"model":        {"WHISPER_MODEL", "MODEL_NAME"},
	"device":       {"WHISPER_DEVICE", "DEVICE"},
	"compute_type": {"WHISPER_COMPUTE_TYPE", "COMPUTE_TYPE"},
	"job_url":      {"RUNPOD_WEBHOOK_GET_JOB"},
	"result_url":   {"RUNPOD_WEBHOOK_POST_OUTPUT"},
	"api_key":      {"RUNPOD_AI_API_KEY"},
	"worker_id":    {"RUNPOD_POD_ID"},
}

type loaderOptions struct {
	configFile string
	envFile    string
}

type Option func(*loaderOptions)

// WithConfigFile reads a YAML/JSON/TOML file in addition to env and flags.
func WithConfigFile(path string) Option {
	return func(o *loaderOptions) { o.configFile = path }
}

// WithEnvFile loads a specific .env file instead of ./.env.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// Load resolves the configuration. flags may be nil; when set, each flag is
// bound to the key named like the flag with dashes turned into underscores.
func Load(flags *pflag.FlagSet, opts ...Option) (Config, error) {
	var lo loaderOptions
	for _, opt := range opts {
		opt(&lo)
	}

	if err := loadEnvFile(lo.envFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(key)}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if lo.configFile != "" {
		v.SetConfigFile(lo.configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", lo.configFile, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := defaults[key]; !known {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Engine = strings.ToLower(strings.TrimSpace(c.Engine))
	c.Device = strings.ToLower(strings.TrimSpace(c.Device))
	c.ComputeType = strings.ToLower(strings.TrimSpace(c.ComputeType))
	c.Model = strings.TrimSpace(c.Model)
}

func (c Config) Validate() error {
	switch c.Engine {
	case EngineBundled, EngineSidecar:
	default:
		return fmt.Errorf("engine must be one of [%s, %s] (got: %s)", EngineBundled, EngineSidecar, c.Engine)
	}

	switch c.Device {
	case "auto", "cpu", "cuda", "gpu":
	default:
		return fmt.Errorf("device must be one of [auto, cpu, cuda, gpu] (got: %s)", c.Device)
	}

	if c.Engine == EngineSidecar && strings.TrimSpace(c.SidecarURL) == "" {
		return errors.New("sidecar_url is required for the sidecar engine")
	}
	return nil
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}
