// Package doctor looks for switchyard configuration that is valid but
// unlikely to behave the way its author intended.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/switchyard/internal/config"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects one loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Check runs validation plus every advisory check.
func (d *Doctor) Check() *Result {
	r := &Result{}

	d.validate(r)
	d.warnAPIAuth(r)
	d.warnWebhookSecrets(r)
	d.warnUnresolvedEnv(r)
	d.warnServers(r)
	d.warnRules(r)
	d.warnSchedules(r)
	d.warnHistory(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (r *Result) addError(category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (r *Result) addWarning(category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validate(r *Result) {
	err := config.Validate(d.cfg)
	if err == nil {
		return
	}
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		for _, p := range verr.Problems {
			r.addError("config", "", p)
		}
		return
	}
	r.addError("config", "", err.Error())
}

func (d *Doctor) warnAPIAuth(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.Auth.APIKey == "" {
		r.addWarning("api", "api.auth.api_key",
			"API enabled without an api_key; every route except /healthz will answer 401")
	}
}

func (d *Doctor) warnWebhookSecrets(r *Result) {
	if d.cfg.Webhooks == nil {
		return
	}
	for i, ep := range d.cfg.Webhooks.Endpoints {
		if ep.Secret == "" {
			r.addWarning("webhooks", fmt.Sprintf("webhooks.endpoints[%d].secret", i),
				fmt.Sprintf("endpoint %s has no secret; deliveries are accepted unsigned", ep.Path))
		}
	}
}

// warnUnresolvedEnv flags ${VAR} references the loader left in place.
func (d *Doctor) warnUnresolvedEnv(r *Result) {
	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			if _, ok := os.LookupEnv(m[1]); !ok {
				r.addWarning("env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}

	for _, s := range d.cfg.Servers {
		check(fmt.Sprintf("servers.%s.endpoint", s.Name), s.Endpoint)
		if s.Auth != nil {
			check(fmt.Sprintf("servers.%s.auth.token", s.Name), s.Auth.Token)
			check(fmt.Sprintf("servers.%s.auth.api_key", s.Name), s.Auth.APIKey)
		}
	}
	if d.cfg.Webhooks != nil {
		for i, ep := range d.cfg.Webhooks.Endpoints {
			check(fmt.Sprintf("webhooks.endpoints[%d].secret", i), ep.Secret)
		}
	}
}

func (d *Doctor) warnServers(r *Result) {
	enabled := 0
	for _, s := range d.cfg.Servers {
		if s.Enabled != nil && !*s.Enabled {
			continue
		}
		enabled++
		field := fmt.Sprintf("servers.%s.timeout", s.Name)
		if s.Timeout >= d.cfg.Service.RequestTimeout {
			r.addWarning("servers", field, fmt.Sprintf(
				"timeout %s is not below service.request_timeout %s; the global deadline ends the call first",
				s.Timeout, d.cfg.Service.RequestTimeout))
		}
		if s.HealthInterval > 0 && d.cfg.Service.RouteCacheTTL > s.HealthInterval {
			r.addWarning("servers", fmt.Sprintf("servers.%s.health_check_interval", s.Name), fmt.Sprintf(
				"cached routes (%s) outlive health checks (%s); an unhealthy server may still be selected",
				d.cfg.Service.RouteCacheTTL, s.HealthInterval))
		}
	}
	if enabled == 0 {
		r.addWarning("servers", "servers", "no enabled servers; every trigger will report no available servers")
	}
}

// warnRules flags enabled rules that can only point at disabled servers.
func (d *Doctor) warnRules(r *Result) {
	disabled := make(map[string]bool)
	for _, s := range d.cfg.Servers {
		if s.Enabled != nil && !*s.Enabled {
			disabled[s.Name] = true
		}
	}
	for _, rule := range d.cfg.Rules {
		if rule.Enabled != nil && !*rule.Enabled {
			continue
		}
		var off []string
		for _, t := range rule.Targets {
			if disabled[t] {
				off = append(off, t)
			}
		}
		switch {
		case len(off) == 0:
		case len(off) == len(rule.Targets):
			r.addWarning("rules", "routing_rules."+rule.Name,
				"every target server is disabled; the rule never matches")
		default:
			r.addWarning("rules", "routing_rules."+rule.Name,
				fmt.Sprintf("targets disabled servers: %s", strings.Join(off, ", ")))
		}
	}
}

func (d *Doctor) warnSchedules(r *Result) {
	for _, sc := range d.cfg.Schedules {
		if !sc.IsEnabled() {
			continue
		}
		interval, err := config.ParseInterval(sc.Every)
		if err != nil {
			continue
		}
		if sc.Jitter >= interval {
			r.addWarning("schedule", fmt.Sprintf("schedules.%s.jitter", sc.Name),
				fmt.Sprintf("jitter %s is not below the interval %s; runs may be skipped entirely", sc.Jitter, interval))
		}
		if strings.TrimSpace(sc.Content) == "" {
			r.addWarning("schedule", fmt.Sprintf("schedules.%s.content", sc.Name),
				"no content; keyword rules and capability scoring have nothing to match")
		}
	}
}

func (d *Doctor) warnHistory(r *Result) {
	if d.cfg.State.HistoryMaxAge <= 0 {
		r.addWarning("state", "state.history_max_age", "history is never pruned")
	} else if d.cfg.State.HistoryMaxAge < time.Hour {
		r.addWarning("state", "state.history_max_age",
			fmt.Sprintf("%s is shorter than the hourly prune pass", d.cfg.State.HistoryMaxAge))
	}
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	write := func(label string, issues []Issue) {
		for _, i := range issues {
			if i.Field != "" {
				fmt.Fprintf(&b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
			} else {
				fmt.Fprintf(&b, "  %s [%s] %s\n", label, i.Category, i.Message)
			}
		}
	}
	write("ERROR", r.Errors)
	write("WARN ", r.Warnings)
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
