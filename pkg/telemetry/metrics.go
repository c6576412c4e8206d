// Package telemetry exposes the engine's Prometheus metrics. Counters
// here record conditions that must not change user-visible behaviour
// (context drops, persistence divergence, debit failures) so operators
// can alert on them.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts sessions admitted into the engine.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_sessions_started_total",
		Help: "Sessions that passed admission and began composing.",
	})

	// SessionsFinished counts terminated sessions by outcome.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_sessions_finished_total",
		Help: "Terminated sessions by outcome.",
	}, []string{"outcome"})

	// ContextFragmentsDropped counts fragments dropped to fit the
	// bundle size cap.
	ContextFragmentsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_context_fragments_dropped_total",
		Help: "Context fragments dropped during bundle assembly.",
	})

	// PersistenceDivergences counts persistence writes that still failed
	// after bounded retries, and session rows that could not be created.
	PersistenceDivergences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_persistence_divergences_total",
		Help: "Persistence writes that could not be saved.",
	})

	// DebitFailures counts quota debit calls that failed.
	DebitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_quota_debit_failures_total",
		Help: "Quota debit calls that failed.",
	})

	// GatewayRetries counts retried gateway calls by cause.
	GatewayRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_gateway_retries_total",
		Help: "Gateway call retries by cause.",
	}, []string{"cause"})

	// WorkersFinished counts finished workers by stage and finish reason.
	WorkersFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_workers_finished_total",
		Help: "Finished workers by stage and finish reason.",
	}, []string{"stage", "reason"})
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
