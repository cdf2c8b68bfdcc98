// Package metrics exposes switchyard's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful dispatches and orchestrations.
	OutcomeSuccess = "success"
	// OutcomeFailure labels anything else.
	OutcomeFailure = "failure"
)

var (
	routesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "routes_total",
			Help:      "Routing decisions, partitioned by cache hit and fallback.",
		},
		[]string{"cache", "fallback"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "dispatch_total",
			Help:      "Per-server dispatch outcomes.",
		},
		[]string{"server", "outcome"},
	)

	dispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "dispatch_attempts_total",
			Help:      "Executor calls made, including retries.",
		},
		[]string{"server"},
	)

	processSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchyard",
			Name:      "process_seconds",
			Help:      "End-to-end orchestration latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "active_requests",
			Help:      "Triggers currently being processed.",
		},
	)

	reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts.",
		},
		[]string{"outcome"},
	)
)

// Register attaches switchyard collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		routesTotal,
		dispatchTotal,
		dispatchAttemptsTotal,
		processSeconds,
		activeRequests,
		reloadsTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRoute counts one routing decision.
func ObserveRoute(cached, fallback bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	routesTotal.WithLabelValues(cache, strconv.FormatBool(fallback)).Inc()
}

// ObserveDispatch counts one per-server outcome and its executor attempts.
func ObserveDispatch(server string, success bool, attempts int) {
	dispatchTotal.WithLabelValues(server, outcome(success)).Inc()
	if attempts > 0 {
		dispatchAttemptsTotal.WithLabelValues(server).Add(float64(attempts))
	}
}

// ObserveProcess records an orchestration's latency.
func ObserveProcess(duration time.Duration, success bool) {
	if duration < 0 {
		duration = 0
	}
	processSeconds.WithLabelValues(outcome(success)).Observe(duration.Seconds())
}

// ObserveReload counts a reload attempt.
func ObserveReload(success bool) {
	reloadsTotal.WithLabelValues(outcome(success)).Inc()
}

// RequestStarted and RequestFinished track in-flight triggers.
func RequestStarted()  { activeRequests.Inc() }
func RequestFinished() { activeRequests.Dec() }

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
