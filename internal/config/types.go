package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete switchyard configuration file.
type Config struct {
	Include   []string         `yaml:"include,omitempty"`
	Service   ServiceConfig    `yaml:"service"`
	State     StateConfig      `yaml:"state"`
	API       APIConfig        `yaml:"api,omitempty"`
	Webhooks  *WebhooksConfig  `yaml:"webhooks,omitempty"`
	Servers   []ServerConf     `yaml:"servers"`
	Rules     []RuleConf       `yaml:"routing_rules"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`

	// SourceHashes maps every loaded file to its BLAKE3 hash. Not serialized.
	SourceHashes map[string]string `yaml:"-"`
}

// ServiceConfig defines core engine settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// RequestTimeout is the global deadline for one dispatch phase.
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	RouteCacheTTL         time.Duration `yaml:"route_cache_ttl"`
	// BackoffUnit is the retry wait for the first retry; it doubles per attempt.
	BackoffUnit time.Duration `yaml:"backoff_unit"`
}

// StateConfig defines orchestration history storage.
type StateConfig struct {
	Path          string        `yaml:"path"`
	HistoryMaxAge time.Duration `yaml:"history_max_age,omitempty"`
}

// APIConfig defines the control API server.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// WebhooksConfig defines the webhook listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Path string `yaml:"path"`
	// Format is "github" (event-typed, X-GitHub-Event) or "generic".
	Format          string `yaml:"format"`
	Secret          string `yaml:"secret,omitempty"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	MaxBodySize     int64  `yaml:"max_body_size,omitempty"`
}

// ScheduleConfig emits a scheduled trigger on a fixed cadence.
type ScheduleConfig struct {
	Name       string        `yaml:"name"`
	Every      string        `yaml:"every"` // e.g. "5m", "hourly", "daily"
	Jitter     time.Duration `yaml:"jitter,omitempty"`
	Source     string        `yaml:"source,omitempty"`
	Content    string        `yaml:"content,omitempty"`
	Repository string        `yaml:"repository,omitempty"`
	Enabled    *bool         `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the schedule is active (default true).
func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ServerConf is the on-disk form of a backend server descriptor.
type ServerConf struct {
	Name           string            `yaml:"name"`
	Endpoint       string            `yaml:"endpoint"`
	Capabilities   []Capability      `yaml:"capabilities"`
	Priority       int               `yaml:"priority,omitempty"`
	Enabled        *bool             `yaml:"enabled,omitempty"`
	Timeout        time.Duration     `yaml:"timeout,omitempty"`
	RetryCount     *int              `yaml:"retry_count,omitempty"`
	HealthInterval time.Duration     `yaml:"health_check_interval,omitempty"`
	Tags           []string          `yaml:"tags,omitempty"`
	Auth           *AuthConfig       `yaml:"auth,omitempty"`
	Environment    map[string]string `yaml:"environment,omitempty"`
}

// AuthConfig holds per-server request authentication.
type AuthConfig struct {
	Type   string `yaml:"type"` // bearer | api_key
	Token  string `yaml:"token,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	Header string `yaml:"header,omitempty"`
}

// RuleConf is the on-disk form of a routing rule.
type RuleConf struct {
	Name       string         `yaml:"name"`
	Kinds      []string       `yaml:"trigger_types"`
	Conditions ConditionsConf `yaml:"conditions,omitempty"`
	Targets    []string       `yaml:"target_servers"`
	Priority   int            `yaml:"priority,omitempty"`
	Enabled    *bool          `yaml:"enabled,omitempty"`
}

// ConditionsConf lists the optional match conditions of a rule.
type ConditionsConf struct {
	Repository string     `yaml:"repository,omitempty"`
	Keywords   StringList `yaml:"keywords,omitempty"`
	User       string     `yaml:"user,omitempty"`
	Branch     string     `yaml:"branch,omitempty"`
}

// StringList decodes either a single scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// Defaults returns a Config with the service defaults applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:                  "switchyard",
			LogLevel:              "info",
			LogFormat:             "json",
			RequestTimeout:        60 * time.Second,
			MaxConcurrentRequests: 10,
			RouteCacheTTL:         300 * time.Second,
			BackoffUnit:           time.Second,
		},
		State: StateConfig{
			Path:          "./data/switchyard.db",
			HistoryMaxAge: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// Per-server and per-rule defaults.
const (
	DefaultServerPriority = 1
	DefaultServerTimeout  = 30 * time.Second
	DefaultRetryCount     = 3
	DefaultHealthInterval = 60 * time.Second
	DefaultRulePriority   = 1
	DefaultMaxBodySize    = 1 << 20
)
