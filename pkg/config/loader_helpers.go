package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// parseError marks a file that was read but is not valid YAML for Config.
type parseError struct {
	err error
}

func (e *parseError) Error() string { return "parsing YAML: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return &parseError{err: err}
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &parseError{err: err}
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values in override only win
// when the key was present in the file, so false and 0 can be set explicitly.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if boolFieldSet(raw, "server", "allowed_origins") {
		base.Server.AllowedOrigins = append([]string{}, override.Server.AllowedOrigins...)
	}
	if boolFieldSet(raw, "server", "max_sessions") {
		base.Server.MaxSessions = override.Server.MaxSessions
	}
	if boolFieldSet(raw, "server", "public_metrics") {
		base.Server.PublicMetrics = override.Server.PublicMetrics
	}
	if override.Server.WriteTimeout != 0 {
		base.Server.WriteTimeout = override.Server.WriteTimeout
	}

	if override.Repos.Dir != "" {
		base.Repos.Dir = override.Repos.Dir
	}
	if override.Repos.MaxWalk != 0 {
		base.Repos.MaxWalk = override.Repos.MaxWalk
	}
	if override.Repos.FetchTimeout != 0 {
		base.Repos.FetchTimeout = override.Repos.FetchTimeout
	}
	if boolFieldSet(raw, "repos", "git_clone", "allowed_schemes") {
		base.Repos.GitClone.AllowedSchemes = append([]string{}, override.Repos.GitClone.AllowedSchemes...)
	}
	if boolFieldSet(raw, "repos", "git_clone", "allowed_hosts") {
		base.Repos.GitClone.AllowedHosts = append([]string{}, override.Repos.GitClone.AllowedHosts...)
	}
	if boolFieldSet(raw, "repos", "git_clone", "denied_hosts") {
		base.Repos.GitClone.DeniedHosts = append([]string{}, override.Repos.GitClone.DeniedHosts...)
	}
	if boolFieldSet(raw, "repos", "git_clone", "deny_private_networks") {
		base.Repos.GitClone.DenyPrivateNetworks = override.Repos.GitClone.DenyPrivateNetworks
	}
	if boolFieldSet(raw, "repos", "git_clone", "resolve_dns") {
		base.Repos.GitClone.ResolveDNS = override.Repos.GitClone.ResolveDNS
	}
	if boolFieldSet(raw, "repos", "git_clone", "dns_resolve_timeout_seconds") {
		base.Repos.GitClone.DNSResolveTimeoutSec = override.Repos.GitClone.DNSResolveTimeoutSec
	}

	if override.Generation.BaseURL != "" {
		base.Generation.BaseURL = override.Generation.BaseURL
	}
	if override.Generation.Model != "" {
		base.Generation.Model = override.Generation.Model
	}
	if override.Generation.MaxTokens != 0 {
		base.Generation.MaxTokens = override.Generation.MaxTokens
	}
	if boolFieldSet(raw, "generation", "temperature") {
		base.Generation.Temperature = override.Generation.Temperature
	}
	if boolFieldSet(raw, "generation", "job_timeout") {
		base.Generation.JobTimeout = override.Generation.JobTimeout
	}
	if boolFieldSet(raw, "generation", "requests_per_minute") {
		base.Generation.RequestsPerMinute = override.Generation.RequestsPerMinute
	}
	if boolFieldSet(raw, "generation", "network_logs") {
		base.Generation.NetworkLogs = override.Generation.NetworkLogs
	}
	if override.Generation.TemplateFile != "" {
		base.Generation.TemplateFile = override.Generation.TemplateFile
	}
	if override.Generation.SystemPromptFile != "" {
		base.Generation.SystemPromptFile = override.Generation.SystemPromptFile
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}
	if override.Logging.File != "" {
		base.Logging.File = override.Logging.File
	}
}

func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
