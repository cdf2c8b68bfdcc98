package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/switchyard/internal/trigger"
)

// Server is the compiled, read-only descriptor of a backend.
// Health is tracked by the router and never stored here.
type Server struct {
	Name           string
	Endpoint       string
	Capabilities   []Capability
	Priority       int
	Enabled        bool
	Timeout        time.Duration
	RetryCount     int
	HealthInterval time.Duration
	Tags           []string
	Auth           *AuthConfig
	Environment    map[string]string
}

// HasCapability reports whether the server advertises c.
func (s Server) HasCapability(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ConditionKind discriminates Condition variants.
type ConditionKind int

const (
	CondRepository ConditionKind = iota + 1
	CondKeywords
	CondUser
	CondBranch
)

func (k ConditionKind) String() string {
	switch k {
	case CondRepository:
		return "repository"
	case CondKeywords:
		return "keywords"
	case CondUser:
		return "user"
	case CondBranch:
		return "branch"
	default:
		return "unknown"
	}
}

// Condition is one compiled rule condition. Pattern is set for repository,
// user and branch conditions and is anchored for full-string matching.
// Keywords is set for keyword conditions and holds lowercased terms.
type Condition struct {
	Kind     ConditionKind
	Pattern  *regexp.Regexp
	Keywords []string
}

// Rule is a compiled routing rule.
type Rule struct {
	Name       string
	Kinds      []trigger.Kind
	Conditions []Condition
	Targets    []string
	Priority   int
	Enabled    bool
}

// AppliesTo reports whether the rule lists kind.
func (r *Rule) AppliesTo(kind trigger.Kind) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Targeting reports whether the rule targets the named server.
func (r *Rule) Targeting(server string) bool {
	for _, t := range r.Targets {
		if t == server {
			return true
		}
	}
	return false
}

// Snapshot is one immutable configuration generation.
type Snapshot struct {
	Servers               []Server
	Rules                 []Rule
	RequestTimeout        time.Duration
	RouteCacheTTL         time.Duration
	BackoffUnit           time.Duration
	MaxConcurrentRequests int
	Fingerprint           string
	CompiledAt            time.Time

	index map[string]int
}

// Server looks up a server by name.
func (s *Snapshot) Server(name string) (Server, bool) {
	i, ok := s.index[name]
	if !ok {
		return Server{}, false
	}
	return s.Servers[i], true
}

// EnabledRules counts rules that participate in matching.
func (s *Snapshot) EnabledRules() int {
	n := 0
	for i := range s.Rules {
		if s.Rules[i].Enabled {
			n++
		}
	}
	return n
}

// Compile validates cfg and builds its routing snapshot.
func Compile(cfg *Config) (*Snapshot, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	fp, err := Fingerprint(cfg)
	if err != nil {
		return nil, fmt.Errorf("fingerprint config: %w", err)
	}

	snap := &Snapshot{
		Servers:               make([]Server, 0, len(cfg.Servers)),
		Rules:                 make([]Rule, 0, len(cfg.Rules)),
		RequestTimeout:        cfg.Service.RequestTimeout,
		RouteCacheTTL:         cfg.Service.RouteCacheTTL,
		BackoffUnit:           cfg.Service.BackoffUnit,
		MaxConcurrentRequests: cfg.Service.MaxConcurrentRequests,
		Fingerprint:           fp,
		CompiledAt:            time.Now(),
		index:                 make(map[string]int, len(cfg.Servers)),
	}

	for _, sc := range cfg.Servers {
		snap.index[sc.Name] = len(snap.Servers)
		snap.Servers = append(snap.Servers, compileServer(sc))
	}

	for _, rc := range cfg.Rules {
		rule, err := compileRule(rc)
		if err != nil {
			// Validate already compiled every pattern.
			return nil, &ValidationError{Problems: []string{err.Error()}}
		}
		snap.Rules = append(snap.Rules, rule)
	}

	return snap, nil
}

func compileServer(sc ServerConf) Server {
	s := Server{
		Name:           sc.Name,
		Endpoint:       strings.TrimRight(sc.Endpoint, "/"),
		Capabilities:   append([]Capability(nil), sc.Capabilities...),
		Priority:       sc.Priority,
		Enabled:        boolOr(sc.Enabled, true),
		Timeout:        sc.Timeout,
		RetryCount:     DefaultRetryCount,
		HealthInterval: sc.HealthInterval,
		Tags:           append([]string(nil), sc.Tags...),
		Environment:    sc.Environment,
	}
	if sc.RetryCount != nil {
		s.RetryCount = *sc.RetryCount
	}
	if sc.Auth != nil {
		auth := *sc.Auth
		s.Auth = &auth
	}
	return s
}

func compileRule(rc RuleConf) (Rule, error) {
	r := Rule{
		Name:     rc.Name,
		Targets:  append([]string(nil), rc.Targets...),
		Priority: rc.Priority,
		Enabled:  boolOr(rc.Enabled, true),
	}
	for _, k := range rc.Kinds {
		kind, err := trigger.ParseKind(k)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", rc.Name, err)
		}
		r.Kinds = append(r.Kinds, kind)
	}

	patterns := []struct {
		kind ConditionKind
		expr string
	}{
		{CondRepository, rc.Conditions.Repository},
		{CondUser, rc.Conditions.User},
		{CondBranch, rc.Conditions.Branch},
	}
	for _, p := range patterns {
		if p.expr == "" {
			continue
		}
		re, err := compileAnchored(p.expr)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: %s pattern: %w", rc.Name, p.kind, err)
		}
		r.Conditions = append(r.Conditions, Condition{Kind: p.kind, Pattern: re})
	}

	if len(rc.Conditions.Keywords) > 0 {
		kw := make([]string, 0, len(rc.Conditions.Keywords))
		for _, k := range rc.Conditions.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kw = append(kw, k)
			}
		}
		r.Conditions = append(r.Conditions, Condition{Kind: CondKeywords, Keywords: kw})
	}

	return r, nil
}

// compileAnchored compiles expr so that it must match the whole input.
func compileAnchored(expr string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + expr + `)$`)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
