// Package types contains public types for the load test harness.
// Reports are persisted and served as JSON, so field tags must stay stable.
package types

import "time"

// ScenarioKind selects the workload. The set is closed.
type ScenarioKind string

const (
	// ScenarioOutgoing measures submission-acceptance throughput (time to mempool).
	ScenarioOutgoing ScenarioKind = "outgoing"
	// ScenarioExecution measures commitment throughput (time to inclusion).
	ScenarioExecution ScenarioKind = "execution"
)

// Valid reports whether k is a known scenario.
func (k ScenarioKind) Valid() bool {
	return k == ScenarioOutgoing || k == ScenarioExecution
}

// RunState is the executor state machine position.
type RunState string

const (
	StateInitializing RunState = "initializing"
	StateRunning      RunState = "running"
	StateDraining     RunState = "draining"
	StateReporting    RunState = "reporting"
	StateTerminal     RunState = "terminal"
	StateFailed       RunState = "failed"
)

// TxState is a transaction lifecycle state as seen by the journal.
type TxState uint8

const (
	TxUnknown TxState = iota
	TxSubmitted
	TxAccepted
	TxCommitted
	TxVerified
	TxFailed
	TxTimedOut
)

var txStateNames = [...]string{"unknown", "submitted", "accepted", "committed", "verified", "failed", "timed_out"}

func (s TxState) String() string {
	if int(s) < len(txStateNames) {
		return txStateNames[s]
	}
	return "invalid"
}

// MarshalText encodes the state by name.
func (s TxState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name; unknown names decode to TxUnknown.
func (s *TxState) UnmarshalText(b []byte) error {
	*s = TxUnknown
	for i, name := range txStateNames {
		if name == string(b) {
			*s = TxState(i)
			break
		}
	}
	return nil
}

// IsTerminal reports whether no further transition is allowed from s.
// Verified is terminal; Accepted and Committed are terminal only relative to
// a tracking target, which the monitor decides.
func (s TxState) IsTerminal() bool {
	return s == TxVerified || s == TxFailed || s == TxTimedOut
}

// Rank orders the success path. Failure states rank above everything so that
// no event can move an entry out of them.
func (s TxState) Rank() int {
	switch s {
	case TxSubmitted:
		return 1
	case TxAccepted:
		return 2
	case TxCommitted:
		return 3
	case TxVerified:
		return 4
	case TxFailed, TxTimedOut:
		return 5
	}
	return 0
}

// Finality is the tracking target for execution-style runs.
type Finality string

const (
	FinalityAccepted  Finality = "accepted"
	FinalityCommitted Finality = "committed"
	FinalityVerified  Finality = "verified"
)

// State maps the finality target to the lifecycle state that completes tracking.
func (f Finality) State() TxState {
	switch f {
	case FinalityAccepted:
		return TxAccepted
	case FinalityVerified:
		return TxVerified
	default:
		return TxCommitted
	}
}

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// Counts holds per-state transaction counts.
// Submitted == Succeeded + Failed + TimedOut + Pending holds for every snapshot.
type Counts struct {
	Submitted uint64 `json:"submitted"`
	Accepted  uint64 `json:"accepted"` // reached acceptance, including later failures on chain
	Committed uint64 `json:"committed"`
	Verified  uint64 `json:"verified"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timedOut"`
	Pending   uint64 `json:"pending"`   // not terminal at snapshot time
	Succeeded uint64 `json:"succeeded"` // reached the tracking target
}

// Snapshot is a point-in-time view of the journal.
type Snapshot struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	Counts      Counts    `json:"counts"`

	SubmissionRate float64 `json:"submissionRate"` // submitted / s
	AcceptanceRate float64 `json:"acceptanceRate"` // accepted / s
	CommitmentRate float64 `json:"commitmentRate"` // committed / s
	IgnoredEvents  uint64  `json:"ignoredEvents"`  // regressions and duplicate terminals

	AcceptLatency *LatencyStats `json:"acceptLatency,omitempty"`
	CommitLatency *LatencyStats `json:"commitLatency,omitempty"`
	VerifyLatency *LatencyStats `json:"verifyLatency,omitempty"`
}

// Report is the end-of-run summary.
type Report struct {
	RunID     string        `json:"runId"`
	Scenario  ScenarioKind  `json:"scenario"`
	Target    TxState       `json:"target"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Accounts  int           `json:"accounts"`
	Workers   int           `json:"workers"`

	Snapshot

	FailureReasons map[string]uint64 `json:"failureReasons,omitempty"`
	Series         []SeriesPoint     `json:"series,omitempty"`
}

// SeriesPoint is a periodic progress sample taken during the run.
type SeriesPoint struct {
	At        time.Time `json:"at"`
	Submitted uint64    `json:"submitted"`
	Accepted  uint64    `json:"accepted"`
	Committed uint64    `json:"committed"`
	Failed    uint64    `json:"failed"`
	TimedOut  uint64    `json:"timedOut"`
	Pending   uint64    `json:"pending"`
}

// RunSummary is a compact row for listing persisted runs.
type RunSummary struct {
	RunID     string        `json:"runId"`
	Scenario  ScenarioKind  `json:"scenario"`
	Status    RunState      `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Submitted uint64        `json:"submitted"`
	Succeeded uint64        `json:"succeeded"`
	Failed    uint64        `json:"failed"`
	TimedOut  uint64        `json:"timedOut"`
	Error     string        `json:"error,omitempty"`
}
