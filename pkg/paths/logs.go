package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvLogDir   = "RELEASENOTES_LOG_DIR"
	EnvReposDir = "RELEASENOTES_REPOS_DIR"
)

// LogsBaseDir is where log files and the network journal are written.
func LogsBaseDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return filepath.Join(".releasenotes", "logs")
}

// ReposBaseDir is the root of the hash-keyed working copy cache.
func ReposBaseDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvReposDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return "repos"
}

// ExpandHome resolves a leading "~" against the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}

// AnchorTo joins a relative path onto workdir; absolute paths are returned as is.
func AnchorTo(workdir, path string) string {
	if filepath.IsAbs(path) || strings.TrimSpace(workdir) == "" {
		return path
	}
	return filepath.Join(workdir, path)
}
