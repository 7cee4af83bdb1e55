package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/giturl"
	"github.com/odvcencio/releasenotes/pkg/logging"
	"github.com/odvcencio/releasenotes/pkg/paths"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind              = "127.0.0.1:8080"
	DefaultMaxSessions       = 64
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxWalk           = 10000
	DefaultFetchTimeout      = 2 * time.Minute
	DefaultBaseURL           = "https://api.openai.com/v1"
	DefaultModel             = "gpt-4-turbo"
	DefaultMaxTokens         = 2048
	DefaultTemperature       = 1.0
	DefaultRequestsPerMinute = 0

	// APIKeyEnv is the only place the upstream credential is read from.
	APIKeyEnv = "OPENAI_API_KEY"

	configDirName = ".releasenotes"
)

// Config represents the complete release notes service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Repos      ReposConfig      `yaml:"repos"`
	Generation GenerationConfig `yaml:"generation"`
	Logging    logging.Config   `yaml:"logging"`
}

// ServerConfig controls the HTTP/websocket listener.
type ServerConfig struct {
	Bind           string        `yaml:"bind"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxSessions    int           `yaml:"max_sessions"` // 0 means unlimited
	PublicMetrics  bool          `yaml:"public_metrics"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// ReposConfig controls the working copy cache and history extraction.
type ReposConfig struct {
	Dir          string             `yaml:"dir"`
	MaxWalk      int                `yaml:"max_walk"`
	FetchTimeout time.Duration      `yaml:"fetch_timeout"`
	GitClone     giturl.ClonePolicy `yaml:"git_clone"`
}

// GenerationConfig controls the upstream completion backend.
type GenerationConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	JobTimeout        time.Duration `yaml:"job_timeout"` // 0 means no timeout
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	NetworkLogs       bool          `yaml:"network_logs"`
	TemplateFile      string        `yaml:"template_file"`
	SystemPromptFile  string        `yaml:"system_prompt_file"`

	// APIKey comes from the environment only, never from YAML.
	APIKey string `yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:           DefaultBind,
			AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
			MaxSessions:    DefaultMaxSessions,
			WriteTimeout:   DefaultWriteTimeout,
		},
		Repos: ReposConfig{
			Dir:          paths.ReposBaseDir(),
			MaxWalk:      DefaultMaxWalk,
			FetchTimeout: DefaultFetchTimeout,
			GitClone:     giturl.DefaultClonePolicy(),
		},
		Generation: GenerationConfig{
			BaseURL:           DefaultBaseURL,
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			RequestsPerMinute: DefaultRequestsPerMinute,
		},
		Logging: logging.Config{
			Level:  string(logging.LevelInfo),
			Format: "json",
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	// Load user config (~/.releasenotes/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to HOME env var if UserHomeDir fails
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, configDirName, "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, loadError(err, userConfigPath)
		}
	}

	// Load project config (./.releasenotes/config.yaml)
	projectConfigPath := filepath.Join(".", configDirName, "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, loadError(err, projectConfigPath)
	}

	return finish(cfg, configEnv)
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, loadError(err, path)
	}

	return finish(cfg, configEnv)
}

func finish(cfg *Config, configEnv map[string]string) (*Config, error) {
	applyEnvOverrides(cfg, configEnv)

	if err := cfg.Validate(); err != nil {
		return nil, rnerrors.Wrap(err, rnerrors.ErrCodeConfigInvalid, "config validation")
	}
	return cfg, nil
}

func loadError(err error, path string) error {
	code := rnerrors.ErrCodeConfigLoad
	var pe *parseError
	if errors.As(err, &pe) {
		code = rnerrors.ErrCodeConfigParse
	}
	return rnerrors.Wrap(err, code, "loading config").WithContext("path", path)
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_BIND")); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("RELEASENOTES_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}
	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_MAX_SESSIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.MaxSessions = n
		}
	}
	if v, ok := envBool("RELEASENOTES_PUBLIC_METRICS"); ok {
		cfg.Server.PublicMetrics = v
	}

	if v := strings.TrimSpace(os.Getenv(paths.EnvReposDir)); v != "" {
		cfg.Repos.Dir = paths.ExpandHome(v)
	}
	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_MAX_WALK")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Repos.MaxWalk = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_MODEL")); v != "" {
		cfg.Generation.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_BASE_URL")); v != "" {
		cfg.Generation.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_JOB_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Generation.JobTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_REQUESTS_PER_MINUTE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Generation.RequestsPerMinute = n
		}
	}
	if v, ok := envBool("RELEASENOTES_NETWORK_LOGS"); ok {
		cfg.Generation.NetworkLogs = v
	}

	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("RELEASENOTES_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("RELEASENOTES_GIT_ALLOWED_SCHEMES"); v != "" {
		cfg.Repos.GitClone.AllowedSchemes = splitCommaList(v)
	}
	if v := os.Getenv("RELEASENOTES_GIT_ALLOWED_HOSTS"); v != "" {
		cfg.Repos.GitClone.AllowedHosts = splitCommaList(v)
	}
	if v := os.Getenv("RELEASENOTES_GIT_DENIED_HOSTS"); v != "" {
		cfg.Repos.GitClone.DeniedHosts = splitCommaList(v)
	}
	if v, ok := envBool("RELEASENOTES_GIT_DENY_PRIVATE_NETWORKS"); ok {
		cfg.Repos.GitClone.DenyPrivateNetworks = v
	}
	if v, ok := envBool("RELEASENOTES_GIT_RESOLVE_DNS"); ok {
		cfg.Repos.GitClone.ResolveDNS = v
	}

	// The credential is read once here and injected into the job.
	if v := strings.TrimSpace(os.Getenv(APIKeyEnv)); v != "" {
		cfg.Generation.APIKey = v
	} else if v := strings.TrimSpace(configEnv[APIKeyEnv]); v != "" {
		cfg.Generation.APIKey = v
	}
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server.bind is required")
	}
	if c.Server.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions must be >= 0, got %d", c.Server.MaxSessions)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}

	if strings.TrimSpace(c.Repos.Dir) == "" {
		return fmt.Errorf("repos.dir is required")
	}
	if c.Repos.MaxWalk <= 0 {
		return fmt.Errorf("repos.max_walk must be > 0, got %d", c.Repos.MaxWalk)
	}
	if c.Repos.FetchTimeout < 0 {
		return fmt.Errorf("repos.fetch_timeout must be >= 0")
	}
	if len(c.Repos.GitClone.AllowedSchemes) == 0 {
		return fmt.Errorf("repos.git_clone.allowed_schemes must not be empty")
	}

	base, err := url.Parse(strings.TrimSpace(c.Generation.BaseURL))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return fmt.Errorf("generation.base_url must be an http(s) URL, got %q", c.Generation.BaseURL)
	}
	if strings.TrimSpace(c.Generation.Model) == "" {
		return fmt.Errorf("generation.model is required")
	}
	if c.Generation.MaxTokens <= 0 {
		return fmt.Errorf("generation.max_tokens must be > 0, got %d", c.Generation.MaxTokens)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("generation.temperature must be between 0 and 2, got %v", c.Generation.Temperature)
	}
	if c.Generation.JobTimeout < 0 {
		return fmt.Errorf("generation.job_timeout must be >= 0")
	}
	if c.Generation.RequestsPerMinute < 0 {
		return fmt.Errorf("generation.requests_per_minute must be >= 0, got %d", c.Generation.RequestsPerMinute)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// ValidationWarnings returns non-fatal configuration issues worth logging at startup.
func (c *Config) ValidationWarnings() []string {
	var warnings []string
	if strings.TrimSpace(c.Generation.APIKey) == "" {
		warnings = append(warnings, fmt.Sprintf("%s is not set; every generation job will fail", APIKeyEnv))
	}
	if c.Server.PublicMetrics {
		warnings = append(warnings, "server.public_metrics exposes /metrics to every client")
	}
	if !c.Repos.GitClone.DenyPrivateNetworks {
		warnings = append(warnings, "repos.git_clone.deny_private_networks is off; clients can make the server clone from internal hosts")
	}
	return warnings
}

// loadConfigEnvVars reads KEY=value lines from ~/.releasenotes/config.env.
func loadConfigEnvVars() map[string]string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}

	path := filepath.Join(home, configDirName, "config.env")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		vars[key] = value
	}
	return vars
}
