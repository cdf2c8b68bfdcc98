package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// Request is the JSON envelope POSTed to a backend server.
type Request struct {
	ServerName   string          `json:"server_name"`
	Capabilities []string        `json:"capabilities"`
	RequestID    string          `json:"request_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         trigger.Context `json:"data"`
	Tags         []string        `json:"tags,omitempty"`
}

// Response is the JSON envelope returned by a backend server.
type Response struct {
	Status         string         `json:"status"` // success | error
	Error          string         `json:"error,omitempty"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ProcessingTime float64        `json:"processing_time"`
	ServerVersion  string         `json:"server_version"`
}

// Response status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "error"
)

// NewRequest builds the envelope for one server. Each call gets a fresh
// request id.
func NewRequest(trig trigger.Context, server config.Server) *Request {
	caps := make([]string, len(server.Capabilities))
	for i, c := range server.Capabilities {
		caps[i] = string(c)
	}
	return &Request{
		ServerName:   server.Name,
		Capabilities: caps,
		RequestID:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Data:         trig.Clone(),
		Tags:         server.Tags,
	}
}

// EndpointPath is the analysis route a backend exposes for kind.
func EndpointPath(kind trigger.Kind) string {
	switch kind {
	case trigger.KindIssue:
		return "/analyze/issue"
	case trigger.KindPullRequest:
		return "/analyze/pull_request"
	case trigger.KindPush:
		return "/analyze/push"
	case trigger.KindUserPrompt:
		return "/analyze/prompt"
	default:
		return "/analyze/generic"
	}
}

// HealthPath is the liveness route every backend exposes.
const HealthPath = "/health"

// Payload flattens a response into the map handed to aggregation.
func (r *Response) Payload() map[string]any {
	return map[string]any{
		"status":          r.Status,
		"data":            r.Data,
		"metadata":        r.Metadata,
		"processing_time": r.ProcessingTime,
		"server_version":  r.ServerVersion,
	}
}
