package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/loadtest/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the harness.
type PrometheusMetrics struct {
	// Lifecycle transitions by state and scenario
	TxEvents *prometheus.CounterVec

	// Rejections and on-chain failures by reason
	Failures *prometheus.CounterVec

	InFlight  prometheus.Gauge
	RunStatus *prometheus.GaugeVec

	AcceptLatency prometheus.Histogram
	CommitLatency prometheus.Histogram
	VerifyLatency prometheus.Histogram

	NodeRetries   prometheus.Counter
	PoolExhausted prometheus.Counter
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadtest_tx_events_total",
				Help: "Transaction lifecycle events by state",
			},
			[]string{"state"},
		),

		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadtest_tx_failures_total",
				Help: "Failed transactions by reason",
			},
			[]string{"reason"},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loadtest_in_flight_transactions",
				Help: "Transactions submitted but not yet terminal",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loadtest_run_state",
				Help: "Current executor state (1 if active, 0 otherwise)",
			},
			[]string{"state"},
		),

		AcceptLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loadtest_acceptance_latency_seconds",
				Help:    "Time from submission to mempool acceptance",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
		),

		CommitLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loadtest_commitment_latency_seconds",
				Help:    "Time from submission to block inclusion",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		VerifyLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loadtest_verification_latency_seconds",
				Help:    "Time from submission to verification",
				Buckets: []float64{1, 5, 15, 60, 300, 900},
			},
		),

		NodeRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loadtest_node_retries_total",
				Help: "Transient node errors retried by the monitor",
			},
		),

		PoolExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loadtest_pool_exhausted_total",
				Help: "Acquire attempts that found no free account",
			},
		),
	}
}

// RecordEvent counts a lifecycle transition.
func (m *PrometheusMetrics) RecordEvent(state types.TxState) {
	m.TxEvents.WithLabelValues(state.String()).Inc()
}

// RecordFailure counts a failed transaction.
func (m *PrometheusMetrics) RecordFailure(reason string) {
	m.Failures.WithLabelValues(reason).Inc()
}

// SetRunState updates the executor state gauges.
func (m *PrometheusMetrics) SetRunState(state types.RunState) {
	for _, s := range []types.RunState{
		types.StateInitializing, types.StateRunning, types.StateDraining,
		types.StateReporting, types.StateTerminal, types.StateFailed,
	} {
		if s == state {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}
