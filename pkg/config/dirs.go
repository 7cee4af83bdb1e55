package config

import (
	"path/filepath"
	"strings"

	"github.com/odvcencio/releasenotes/pkg/paths"
)

// ResolveReposDir returns the absolute working copy cache root. Relative
// paths are anchored to workdir, or to the process working directory when
// workdir is empty.
func ResolveReposDir(cfg *Config, workdir string) string {
	dir := paths.ReposBaseDir()
	if cfg != nil && strings.TrimSpace(cfg.Repos.Dir) != "" {
		dir = paths.ExpandHome(cfg.Repos.Dir)
	}
	dir = paths.AnchorTo(workdir, dir)
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// NetworkLogDir is where the upstream traffic journal goes, or "" when
// journaling is off.
func NetworkLogDir(cfg *Config) string {
	if cfg == nil || !cfg.Generation.NetworkLogs {
		return ""
	}
	return paths.LogsBaseDir()
}
