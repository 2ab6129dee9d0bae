package version

import (
	"os/exec"
	"strings"
)

// Set at build time with -ldflags "-X github.com/fmueller/transcribepod/internal/version.Commit=...".
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Resolve returns the full version string, appending a git-derived suffix
// when the binary is run from inside a git repository whose HEAD is not on
// a release tag.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

// Fields describes the build for health and status endpoints.
func Fields() map[string]string {
	return buildFields(Resolve(), Commit, Date)
}

func buildFields(resolved, commit, date string) map[string]string {
	fields := map[string]string{"version": resolved}
	if commit != "" && commit != "unknown" {
		fields["commit"] = commit
	}
	if date != "" && date != "unknown" {
		fields["build_date"] = date
	}
	return fields
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	if base == "" {
		base = "0.0.0"
	}

	suffix := computeGitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func computeGitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}

	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}

	prefix := "v" + base + "-"
	if strings.HasPrefix(desc, prefix) {
		return strings.TrimPrefix(desc, prefix)
	}

	return desc
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
