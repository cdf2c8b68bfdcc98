// Package executor talks to backend servers over HTTP.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/protocol"
)

// HealthTimeout bounds a single health probe.
const HealthTimeout = 10 * time.Second

const defaultAPIKeyHeader = "X-API-Key"

// HTTP sends analysis requests and health probes with a shared resty client.
// It never retries on its own; retry policy belongs to the dispatcher.
type HTTP struct {
	client *resty.Client
	logger *slog.Logger
}

// Option configures an HTTP executor.
type Option func(*HTTP)

// WithUserAgent overrides the User-Agent sent on every request.
func WithUserAgent(ua string) Option {
	return func(h *HTTP) { h.client.SetHeader("User-Agent", ua) }
}

// New creates an HTTP executor.
func New(opts ...Option) *HTTP {
	h := &HTTP{
		client: resty.New().
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "switchyard").
			SetRetryCount(0),
		logger: log.WithComponent("executor"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute POSTs req to the server's analysis endpoint for the trigger kind.
// Non-200 replies become *protocol.StatusError; 200 bodies are decoded with
// protocol.ParseResponse.
func (h *HTTP) Execute(ctx context.Context, server config.Server, req *protocol.Request) (*protocol.Response, error) {
	url := server.Endpoint + protocol.EndpointPath(req.Data.Kind)

	r := h.client.R().
		SetContext(ctx).
		SetBody(req)
	authorize(r, server.Auth)

	resp, err := r.Post(url)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", server.Name, err)
	}

	if resp.StatusCode() != http.StatusOK {
		h.logger.Debug("backend returned non-200", "server", server.Name, "status", resp.StatusCode())
		return nil, &protocol.StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	out, err := protocol.ParseResponse(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", server.Name, err)
	}
	return out, nil
}

// Healthy reports whether GET {endpoint}/health answers 200 within
// HealthTimeout.
func (h *HTTP) Healthy(ctx context.Context, server config.Server) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	r := h.client.R().SetContext(ctx)
	authorize(r, server.Auth)

	resp, err := r.Get(server.Endpoint + protocol.HealthPath)
	if err != nil {
		h.logger.Debug("health probe failed", "server", server.Name, "error", err)
		return false
	}
	return resp.StatusCode() == http.StatusOK
}

func authorize(r *resty.Request, auth *config.AuthConfig) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		r.SetAuthToken(auth.Token)
	case "api_key":
		header := auth.Header
		if header == "" {
			header = defaultAPIKeyHeader
		}
		r.SetHeader(header, auth.APIKey)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
