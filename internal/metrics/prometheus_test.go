package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/loadtest/pkg/types"
)

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordEvent(types.TxSubmitted)
	m.RecordEvent(types.TxSubmitted)
	m.RecordEvent(types.TxAccepted)
	m.RecordFailure("nonce_too_low")

	if got := testutil.ToFloat64(m.TxEvents.WithLabelValues("submitted")); got != 2 {
		t.Errorf("submitted events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Failures.WithLabelValues("nonce_too_low")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}

	m.SetRunState(types.StateRunning)
	if got := testutil.ToFloat64(m.RunStatus.WithLabelValues("running")); got != 1 {
		t.Errorf("running gauge = %v, want 1", got)
	}
	m.SetRunState(types.StateDraining)
	if got := testutil.ToFloat64(m.RunStatus.WithLabelValues("running")); got != 0 {
		t.Errorf("running gauge = %v, want 0", got)
	}
}
