// Package dispatch fans one trigger out to its selected backend servers.
//
// Every selected server gets its own goroutine; all of them share a single
// global deadline equal to the configured request timeout. Each server task
// is further bounded by the server's own timeout and retries transient
// failures with exponential backoff.
//
// Outcome rules:
//   - Success: the executor returned a well-formed response
//   - Rejected (4xx, malformed, backend error): failed after one attempt
//   - Transient (network, 5xx, 429): retried retry_count times, waiting
//     backoff_unit, 2*backoff_unit, 4*backoff_unit, ...
//   - Server timeout: failed with "request timeout" after roughly the
//     server's timeout, never blocking other servers
//   - Global deadline: every pending server is cancelled and reported as
//     "request timeout" with elapsed equal to the request timeout
//   - Caller cancellation: pending servers are reported as "request cancelled"
//
// Outcomes are always returned in selection order, one per server.
package dispatch
