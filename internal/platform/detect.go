package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// VolumeDir is where serverless platforms mount a persistent network volume.
// Models stored there survive cold starts.
const VolumeDir = "/runpod-volume"

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

// DefaultModelDirFor picks the model cache directory. volumeDir is preferred
// when non-empty.
func DefaultModelDirFor(goos, homeDir, xdgDataHome, volumeDir string) (string, error) {
	if volumeDir != "" {
		return filepath.Join(volumeDir, "transcribepod", "models"), nil
	}

	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "models"), nil
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	volume := ""
	if info, err := os.Stat(VolumeDir); err == nil && info.IsDir() {
		volume = VolumeDir
	}

	homeDir, err := os.UserHomeDir()
	if err != nil && volume == "" {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultModelDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"), volume)
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, "transcribepod"), nil
		}
		return filepath.Join(homeDir, ".local", "share", "transcribepod"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "transcribepod"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
