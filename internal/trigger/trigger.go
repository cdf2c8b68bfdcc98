// Package trigger defines the event envelope that enters the routing pipeline.
//
// A Context is immutable once built. Enrichment or routing code that needs to
// attach metadata calls WithMetadata, which returns an independent copy.
package trigger

import (
	"encoding/hex"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Kind identifies what produced a trigger.
type Kind string

const (
	KindIssue       Kind = "issue"
	KindPullRequest Kind = "pull_request"
	KindPush        Kind = "push"
	KindCommit      Kind = "commit"
	KindWebhook     Kind = "webhook"
	KindScheduled   Kind = "scheduled"
	KindUserPrompt  Kind = "user_prompt"
	KindQuery       Kind = "query"
	KindMetaPrompt  Kind = "meta_prompt"
)

var allKinds = []Kind{
	KindIssue, KindPullRequest, KindPush, KindCommit, KindWebhook,
	KindScheduled, KindUserPrompt, KindQuery, KindMetaPrompt,
}

// Kinds returns every known trigger kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown trigger kind %q", s)
}

func (k Kind) String() string { return string(k) }

// Context carries everything the router and dispatcher know about one trigger.
type Context struct {
	Kind        Kind           `json:"trigger_type"`
	Source      string         `json:"source"`
	Content     string         `json:"content,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Repository  string         `json:"repository,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	CommitSHA   string         `json:"commit_sha,omitempty"`
	IssueNumber int            `json:"issue_number,omitempty"`
	PRNumber    int            `json:"pr_number,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	CreatedAt   time.Time      `json:"timestamp"`
}

// New builds a Context stamped with the current time.
func New(kind Kind, source string) Context {
	return Context{
		Kind:      kind,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the fields every trigger must carry.
func (c Context) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("trigger source is required")
	}
	if c.IssueNumber < 0 || c.PRNumber < 0 {
		return fmt.Errorf("issue and pull request numbers must be non-negative")
	}
	return nil
}

// WithMetadata returns a copy of c with kv merged over its metadata.
// The receiver's metadata map is never written.
func (c Context) WithMetadata(kv map[string]any) Context {
	out := c
	out.Metadata = make(map[string]any, len(c.Metadata)+len(kv))
	maps.Copy(out.Metadata, c.Metadata)
	maps.Copy(out.Metadata, kv)
	return out
}

// Clone returns a deep-enough copy: the metadata map is duplicated.
func (c Context) Clone() Context {
	return c.WithMetadata(nil)
}

// CacheKey hashes the fields that identify an equivalent routing decision.
func (c Context) CacheKey() string {
	h := blake3.New()
	for _, part := range []string{string(c.Kind), c.Source, c.Content, c.Repository} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return "route_" + hex.EncodeToString(h.Sum(nil)[:16])
}
