// Package metrics exposes Prometheus collectors for the integration core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmib_bridge",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total gateway calls by endpoint and classified outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	gatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmib_bridge",
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Total retry attempts against the gateway.",
		},
		[]string{"endpoint"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "qmib_bridge",
			Subsystem: "gateway",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open).",
		},
		[]string{"endpoint"},
	)

	batchTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmib_bridge",
			Subsystem: "batches",
			Name:      "transitions_total",
			Help:      "Total persisted batch lifecycle transitions by event.",
		},
		[]string{"event"},
	)

	reconcileRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qmib_bridge",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total reconciliation scans executed.",
		},
	)

	reconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmib_bridge",
			Subsystem: "reconcile",
			Name:      "records_total",
			Help:      "Reconciled records by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		gatewayRequests,
		gatewayRetries,
		breakerState,
		batchTransitions,
		reconcileRuns,
		reconcileOutcomes,
	)
}

// ObserveGatewayRequest counts a completed gateway call.
func ObserveGatewayRequest(endpoint, outcome string) {
	gatewayRequests.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveGatewayRetry counts a retry attempt.
func ObserveGatewayRetry(endpoint string) {
	gatewayRetries.WithLabelValues(endpoint).Inc()
}

// SetBreakerState records the breaker state for an endpoint.
func SetBreakerState(endpoint string, state int) {
	breakerState.WithLabelValues(endpoint).Set(float64(state))
}

// ObserveTransition counts a persisted lifecycle transition.
func ObserveTransition(event string) {
	batchTransitions.WithLabelValues(event).Inc()
}

// ObserveReconcileRun counts a reconciliation scan.
func ObserveReconcileRun() {
	reconcileRuns.Inc()
}

// ObserveReconcileOutcome counts a reconciled record by outcome.
func ObserveReconcileOutcome(outcome string) {
	reconcileOutcomes.WithLabelValues(outcome).Inc()
}

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
