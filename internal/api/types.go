package api

import "time"

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Fingerprint    string `json:"config_fingerprint"`
	ActiveRequests int64  `json:"active_requests"`
}

// AcceptedResponse is returned by POST /process?async=true.
type AcceptedResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// ReloadResponse is returned by a successful POST /reload.
type ReloadResponse struct {
	Fingerprint string    `json:"config_fingerprint"`
	Servers     int       `json:"servers"`
	Rules       int       `json:"rules"`
	CompiledAt  time.Time `json:"compiled_at"`
}
