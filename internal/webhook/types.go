package webhook

import (
	"context"

	"github.com/mattjoyce/switchyard/internal/trigger"
)

// Submitter accepts a trigger for background processing.
type Submitter interface {
	Submit(ctx context.Context, trig trigger.Context) (string, error)
}

// AcceptedResponse answers a delivery that was submitted.
type AcceptedResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Event     string `json:"event,omitempty"`
}

// IgnoredResponse answers a delivery that maps to no trigger.
type IgnoredResponse struct {
	Status string `json:"status"`
	Event  string `json:"event,omitempty"`
	Reason string `json:"reason"`
}

// ErrorResponse is the JSON body of every webhook error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Endpoint formats.
const (
	FormatGitHub  = "github"
	FormatGeneric = "generic"
)
