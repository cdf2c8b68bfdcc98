package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/switchyard/internal/trigger"
)

// ErrInvalid is matched by every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError collects every problem found in one configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

// Validate checks ranges, references and patterns. Defaults must already be
// applied.
func Validate(cfg *Config) error {
	var p problems

	validateService(&p, cfg.Service)

	if cfg.API.Enabled && envVarPattern.MatchString(cfg.API.Auth.APIKey) {
		p.addf("api.auth.api_key: environment variable %s is not set", cfg.API.Auth.APIKey)
	}

	servers := make(map[string]bool, len(cfg.Servers))
	for i, s := range cfg.Servers {
		validateServer(&p, i, s, servers)
	}

	ruleNames := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		validateRule(&p, i, r, servers, ruleNames)
	}

	if cfg.Webhooks != nil {
		for i, ep := range cfg.Webhooks.Endpoints {
			if !strings.HasPrefix(ep.Path, "/") {
				p.addf("webhooks.endpoints[%d].path must start with /", i)
			}
			if ep.Format != "github" && ep.Format != "generic" {
				p.addf("webhooks.endpoints[%d].format must be github or generic (got %q)", i, ep.Format)
			}
		}
	}

	for i, sc := range cfg.Schedules {
		if sc.Name == "" {
			p.addf("schedules[%d].name is required", i)
		}
		if _, err := ParseInterval(sc.Every); err != nil {
			p.addf("schedules[%d] (%s): %v", i, sc.Name, err)
		}
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func validateService(p *problems, svc ServiceConfig) {
	switch strings.ToLower(svc.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		p.addf("service.log_level must be one of: debug, info, warn, error (got %q)", svc.LogLevel)
	}
	if !inRange(svc.RequestTimeout, time.Second, 600*time.Second) {
		p.addf("service.request_timeout must be between 1s and 600s (got %s)", svc.RequestTimeout)
	}
	if svc.MaxConcurrentRequests < 1 || svc.MaxConcurrentRequests > 100 {
		p.addf("service.max_concurrent_requests must be between 1 and 100 (got %d)", svc.MaxConcurrentRequests)
	}
	if svc.RouteCacheTTL <= 0 {
		p.addf("service.route_cache_ttl must be positive")
	}
	if svc.BackoffUnit <= 0 {
		p.addf("service.backoff_unit must be positive")
	}
}

func validateServer(p *problems, i int, s ServerConf, seen map[string]bool) {
	if s.Name == "" {
		p.addf("servers[%d].name is required", i)
	} else if seen[s.Name] {
		p.addf("servers[%d]: duplicate server name %q", i, s.Name)
	}
	seen[s.Name] = true

	if s.Endpoint == "" {
		p.addf("server %q: endpoint is required", s.Name)
	}
	if s.Priority < 1 || s.Priority > 10 {
		p.addf("server %q: priority must be between 1 and 10 (got %d)", s.Name, s.Priority)
	}
	if !inRange(s.Timeout, time.Second, 300*time.Second) {
		p.addf("server %q: timeout must be between 1s and 300s (got %s)", s.Name, s.Timeout)
	}
	if s.RetryCount != nil && (*s.RetryCount < 0 || *s.RetryCount > 10) {
		p.addf("server %q: retry_count must be between 0 and 10 (got %d)", s.Name, *s.RetryCount)
	}
	if !inRange(s.HealthInterval, 10*time.Second, 3600*time.Second) {
		p.addf("server %q: health_check_interval must be between 10s and 3600s (got %s)", s.Name, s.HealthInterval)
	}
	for _, c := range s.Capabilities {
		if _, err := ParseCapability(string(c)); err != nil {
			p.addf("server %q: %v", s.Name, err)
		}
	}
	if s.Auth != nil {
		switch s.Auth.Type {
		case "bearer":
			if s.Auth.Token == "" {
				p.addf("server %q: bearer auth requires token", s.Name)
			}
		case "api_key":
			if s.Auth.APIKey == "" {
				p.addf("server %q: api_key auth requires api_key", s.Name)
			}
		default:
			p.addf("server %q: auth.type must be bearer or api_key (got %q)", s.Name, s.Auth.Type)
		}
	}
}

func validateRule(p *problems, i int, r RuleConf, servers, seen map[string]bool) {
	if r.Name == "" {
		p.addf("routing_rules[%d].name is required", i)
	} else if seen[r.Name] {
		p.addf("routing_rules[%d]: duplicate rule name %q", i, r.Name)
	}
	seen[r.Name] = true

	if len(r.Kinds) == 0 {
		p.addf("rule %q: at least one trigger type is required", r.Name)
	}
	for _, k := range r.Kinds {
		if _, err := trigger.ParseKind(k); err != nil {
			p.addf("rule %q: %v", r.Name, err)
		}
	}
	if len(r.Targets) == 0 {
		p.addf("rule %q: at least one target server is required", r.Name)
	}
	for _, t := range r.Targets {
		if !servers[t] {
			p.addf("rule %q: target server %q is not configured", r.Name, t)
		}
	}
	if r.Priority < 1 || r.Priority > 10 {
		p.addf("rule %q: priority must be between 1 and 10 (got %d)", r.Name, r.Priority)
	}
	for _, c := range [...]struct{ field, expr string }{
		{"repository", r.Conditions.Repository},
		{"user", r.Conditions.User},
		{"branch", r.Conditions.Branch},
	} {
		if c.expr == "" {
			continue
		}
		if _, err := compileAnchored(c.expr); err != nil {
			p.addf("rule %q: invalid %s pattern %q: %v", r.Name, c.field, c.expr, err)
		}
	}
}

func inRange(d, lo, hi time.Duration) bool {
	return d >= lo && d <= hi
}
