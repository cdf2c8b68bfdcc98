package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Environment variables that override file values after loading.
const (
	EnvConfigPath    = "SWITCHYARD_CONFIG"
	EnvWebhookSecret = "GITHUB_WEBHOOK_SECRET"
	EnvAPIKey        = "SWITCHYARD_API_KEY"
	EnvLogLevel      = "LOG_LEVEL"
)

// Load reads, merges, defaults and validates the configuration at
// configPath. A directory resolves to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg.SourceHashes = make(map[string]string, len(visited))
	for path := range visited {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, err
		}
		cfg.SourceHashes[path] = hash
	}
	if err := verifyChecksums(filepath.Dir(absPath), cfg.SourceHashes); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FileLoader reloads configuration from a fixed path.
type FileLoader struct {
	Path string
}

// Load implements the orchestrator's reload source.
func (l FileLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Load(l.Path)
}

// Discover finds the configuration file by checking standard locations:
// $SWITCHYARD_CONFIG, ~/.config/switchyard/config.yaml,
// /etc/switchyard/config.yaml, ./config.yaml.
func Discover() (string, error) {
	var candidates []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "switchyard", "config.yaml"))
	}
	candidates = append(candidates, "/etc/switchyard/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/switchyard/config.yaml, /etc/switchyard/config.yaml, ./config.yaml)", EnvConfigPath)
}

// Files returns the absolute paths of the root config and every file it
// includes, sorted.
func Files(configPath string) ([]string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}
	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadIncludes loads and merges included files depth-first.
// visited holds every file already loaded so cycles are rejected.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(includePath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, absPath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst. Scalars from src override when non-zero;
// servers, rules, schedules and webhook endpoints are appended.
func mergeConfig(dst, src *Config) {
	svc := &dst.Service
	if src.Service.Name != "" {
		svc.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		svc.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		svc.LogFormat = src.Service.LogFormat
	}
	if src.Service.RequestTimeout != 0 {
		svc.RequestTimeout = src.Service.RequestTimeout
	}
	if src.Service.MaxConcurrentRequests != 0 {
		svc.MaxConcurrentRequests = src.Service.MaxConcurrentRequests
	}
	if src.Service.RouteCacheTTL != 0 {
		svc.RouteCacheTTL = src.Service.RouteCacheTTL
	}
	if src.Service.BackoffUnit != 0 {
		svc.BackoffUnit = src.Service.BackoffUnit
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.State.HistoryMaxAge != 0 {
		dst.State.HistoryMaxAge = src.State.HistoryMaxAge
	}

	if src.API.Enabled || src.API.Listen != "" {
		dst.API.Enabled = src.API.Enabled
		if src.API.Listen != "" {
			dst.API.Listen = src.API.Listen
		}
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}

	if src.Webhooks != nil {
		if dst.Webhooks == nil {
			dst.Webhooks = &WebhooksConfig{}
		}
		if src.Webhooks.Listen != "" {
			dst.Webhooks.Listen = src.Webhooks.Listen
		}
		dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, src.Webhooks.Endpoints...)
	}

	dst.Servers = append(dst.Servers, src.Servers...)
	dst.Rules = append(dst.Rules, src.Rules...)
	dst.Schedules = append(dst.Schedules, src.Schedules...)
}

// applyDefaults fills zero values from Defaults and the per-entry defaults.
func applyDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Service.RequestTimeout == 0 {
		cfg.Service.RequestTimeout = d.Service.RequestTimeout
	}
	if cfg.Service.MaxConcurrentRequests == 0 {
		cfg.Service.MaxConcurrentRequests = d.Service.MaxConcurrentRequests
	}
	if cfg.Service.RouteCacheTTL == 0 {
		cfg.Service.RouteCacheTTL = d.Service.RouteCacheTTL
	}
	if cfg.Service.BackoffUnit == 0 {
		cfg.Service.BackoffUnit = d.Service.BackoffUnit
	}
	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.State.HistoryMaxAge == 0 {
		cfg.State.HistoryMaxAge = d.State.HistoryMaxAge
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}

	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.Priority == 0 {
			s.Priority = DefaultServerPriority
		}
		if s.Timeout == 0 {
			s.Timeout = DefaultServerTimeout
		}
		if s.HealthInterval == 0 {
			s.HealthInterval = DefaultHealthInterval
		}
		if s.Auth != nil && s.Auth.Type == "api_key" && s.Auth.Header == "" {
			s.Auth.Header = "X-API-Key"
		}
	}
	for i := range cfg.Rules {
		if cfg.Rules[i].Priority == 0 {
			cfg.Rules[i].Priority = DefaultRulePriority
		}
	}
	if cfg.Webhooks != nil {
		for i := range cfg.Webhooks.Endpoints {
			ep := &cfg.Webhooks.Endpoints[i]
			if ep.Format == "" {
				ep.Format = "github"
			}
			if ep.SignatureHeader == "" && ep.Format == "github" {
				ep.SignatureHeader = "X-Hub-Signature-256"
			}
			if ep.MaxBodySize == 0 {
				ep.MaxBodySize = DefaultMaxBodySize
			}
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if secret := os.Getenv(EnvWebhookSecret); secret != "" && cfg.Webhooks != nil {
		for i := range cfg.Webhooks.Endpoints {
			ep := &cfg.Webhooks.Endpoints[i]
			if ep.Format == "github" && ep.Secret == "" {
				ep.Secret = secret
			}
		}
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.API.Auth.APIKey = key
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Service.LogLevel = strings.ToLower(level)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// ParseInterval converts schedule interval strings to durations.
// "daily" and "weekly" map to fixed 24h and 168h periods.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "":
		return 0, fmt.Errorf("schedule interval is required")
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("schedule interval must be at least 1m: %q", interval)
	}
	return d, nil
}
