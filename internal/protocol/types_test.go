package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

func analyzer() config.Server {
	return config.Server{
		Name:         "analyzer",
		Endpoint:     "http://localhost:9001",
		Capabilities: []config.Capability{config.CapCodeAnalysis, config.CapSecurity},
		Priority:     8,
		Enabled:      true,
		Timeout:      5 * time.Second,
		Tags:         []string{"gpu"},
	}
}

func issueTrigger() trigger.Context {
	trig := trigger.New(trigger.KindIssue, "github")
	trig.Content = "Critical bug: crash on large files"
	trig.IssueNumber = 42
	trig.Metadata = map[string]any{"labels": []string{"bug"}}
	return trig
}

func TestNewRequest(t *testing.T) {
	trig := issueTrigger()
	a := NewRequest(trig, analyzer())
	b := NewRequest(trig, analyzer())

	assert.Equal(t, "analyzer", a.ServerName)
	assert.Equal(t, []string{"code_analysis", "security"}, a.Capabilities)
	assert.NotEmpty(t, a.RequestID)
	assert.NotEqual(t, a.RequestID, b.RequestID)

	a.Data.Metadata["extra"] = true
	_, leaked := trig.Metadata["extra"]
	assert.False(t, leaked, "request data must not alias trigger metadata")
}

func TestEndpointPath(t *testing.T) {
	tests := map[trigger.Kind]string{
		trigger.KindIssue:       "/analyze/issue",
		trigger.KindPullRequest: "/analyze/pull_request",
		trigger.KindPush:        "/analyze/push",
		trigger.KindUserPrompt:  "/analyze/prompt",
		trigger.KindWebhook:     "/analyze/generic",
		trigger.KindScheduled:   "/analyze/generic",
	}
	for kind, want := range tests {
		if got := EndpointPath(kind); got != want {
			t.Errorf("EndpointPath(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("connection refused"), true},
		{"502", &StatusError{Code: 502}, true},
		{"429", fmt.Errorf("call: %w", &StatusError{Code: 429}), true},
		{"404", &StatusError{Code: 404, Body: "not found"}, false},
		{"malformed", fmt.Errorf("%w: bad json", ErrMalformed), false},
		{"backend", ErrBackend, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "HTTP 503", (&StatusError{Code: 503}).Error())
	assert.Equal(t, "HTTP 400: bad", (&StatusError{Code: 400, Body: "bad"}).Error())
}
