// Package journal aggregates transaction lifecycle events into counts, rates
// and latency percentiles.
//
// Producers call Record from any goroutine. Events go through a bounded queue
// to a single aggregator, so a full queue blocks producers instead of dropping
// events.
package journal

import (
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/loadtest/internal/metrics"
	"github.com/gateway-fm/loadtest/pkg/types"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("journal closed")

// DefaultQueueSize is used when Config.QueueSize is not set.
const DefaultQueueSize = 4096

// Event is a timestamped lifecycle transition of one transaction.
type Event struct {
	ID     common.Hash
	State  types.TxState
	At     time.Time
	Reason string // failure reason, Failed and TimedOut only
}

// Entry is the journal's record of one transaction.
type Entry struct {
	ID          common.Hash
	State       types.TxState
	SubmittedAt time.Time
	AcceptedAt  time.Time
	CommittedAt time.Time
	VerifiedAt  time.Time
	EndedAt     time.Time
	Reason      string
}

// Config configures a Journal.
type Config struct {
	// Target is the state at which an entry counts as succeeded and stops
	// accepting events. Defaults to TxCommitted.
	Target types.TxState
	// QueueSize bounds the event queue.
	QueueSize int
	// Prometheus mirrors applied transitions when set.
	Prometheus *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

type item struct {
	ev    Event
	flush chan struct{}
}

// Journal is the metrics aggregator.
type Journal struct {
	target types.TxState
	prom   *metrics.PrometheusMetrics
	logger *slog.Logger

	// closeMu orders Record against Close so a send never hits a closed channel.
	closeMu sync.RWMutex
	closed  bool
	queue   chan item
	done    chan struct{}

	mu       sync.RWMutex
	entries  map[common.Hash]*Entry
	failures map[string]uint64

	submitted metrics.UCounter
	accepted  metrics.UCounter
	committed metrics.UCounter
	verified  metrics.UCounter
	failed    metrics.UCounter
	timedOut  metrics.UCounter
	succeeded metrics.UCounter
	ignored   metrics.UCounter

	// unix nanos, written by the aggregator only
	firstAt      int64
	lastSubmitAt int64
	lastAcceptAt int64
	lastCommitAt int64
	lastEventAt  int64

	acceptLatency *metrics.StreamingLatencyStats
	commitLatency *metrics.StreamingLatencyStats
	verifyLatency *metrics.StreamingLatencyStats
}

// New creates a journal and starts its aggregator.
func New(cfg Config) *Journal {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	target := cfg.Target
	switch target {
	case types.TxAccepted, types.TxCommitted, types.TxVerified:
	default:
		target = types.TxCommitted
	}

	j := &Journal{
		target:        target,
		prom:          cfg.Prometheus,
		logger:        logger,
		queue:         make(chan item, size),
		done:          make(chan struct{}),
		entries:       make(map[common.Hash]*Entry),
		failures:      make(map[string]uint64),
		acceptLatency: metrics.NewStreamingLatencyStats(metrics.AcceptanceBuckets...),
		commitLatency: metrics.NewStreamingLatencyStats(metrics.InclusionBuckets...),
		verifyLatency: metrics.NewStreamingLatencyStats(metrics.InclusionBuckets...),
	}
	go j.run()
	return j
}

// Target returns the success state of this journal.
func (j *Journal) Target() types.TxState {
	return j.target
}

// Record enqueues an event. It blocks while the queue is full.
func (j *Journal) Record(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	j.queue <- item{ev: ev}
	return nil
}

// Flush returns once every event recorded before the call has been applied.
func (j *Journal) Flush() {
	j.closeMu.RLock()
	if j.closed {
		j.closeMu.RUnlock()
		<-j.done
		return
	}
	ch := make(chan struct{})
	j.queue <- item{flush: ch}
	j.closeMu.RUnlock()
	<-ch
}

// Close stops accepting events and waits for the queue to drain. It is safe
// to call more than once.
func (j *Journal) Close() {
	j.closeMu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.closeMu.Unlock()
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)
	for it := range j.queue {
		if it.flush != nil {
			close(it.flush)
			continue
		}
		j.apply(it.ev)
	}
}

// apply advances one entry. Only the aggregator goroutine calls it.
func (j *Journal) apply(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[ev.ID]
	if !ok {
		if ev.State != types.TxSubmitted {
			j.ignore(ev, "unknown id")
			return
		}
		j.entries[ev.ID] = &Entry{ID: ev.ID, State: types.TxSubmitted, SubmittedAt: ev.At}
		j.submitted.Inc()
		atomic.CompareAndSwapInt64(&j.firstAt, 0, ev.At.UnixNano())
		metrics.AtomicMax(&j.lastSubmitAt, ev.At.UnixNano())
		j.touch(ev.At)
		j.mirror(ev)
		return
	}

	if j.isFinal(e.State) || ev.State.Rank() <= e.State.Rank() {
		j.ignore(ev, "not forward")
		return
	}

	switch ev.State {
	case types.TxFailed, types.TxTimedOut:
		e.State = ev.State
		e.EndedAt = ev.At
		e.Reason = ev.Reason
		if ev.State == types.TxFailed {
			j.failed.Inc()
			reason := ev.Reason
			if reason == "" {
				reason = "unknown"
			}
			j.failures[reason]++
		} else {
			j.timedOut.Inc()
		}
	default:
		// Success path: credit every stage reached, including skipped ones.
		for s := e.State + 1; s <= ev.State; s++ {
			j.reach(e, s, ev.At)
		}
		e.State = ev.State
		if ev.State.Rank() >= j.target.Rank() {
			e.EndedAt = ev.At
			j.succeeded.Inc()
		}
	}
	j.touch(ev.At)
	j.mirror(ev)
}

func (j *Journal) reach(e *Entry, s types.TxState, at time.Time) {
	latency := at.Sub(e.SubmittedAt)
	switch s {
	case types.TxAccepted:
		e.AcceptedAt = at
		j.accepted.Inc()
		j.acceptLatency.AddDuration(latency)
		metrics.AtomicMax(&j.lastAcceptAt, at.UnixNano())
		if j.prom != nil {
			j.prom.AcceptLatency.Observe(latency.Seconds())
		}
	case types.TxCommitted:
		e.CommittedAt = at
		j.committed.Inc()
		j.commitLatency.AddDuration(latency)
		metrics.AtomicMax(&j.lastCommitAt, at.UnixNano())
		if j.prom != nil {
			j.prom.CommitLatency.Observe(latency.Seconds())
		}
	case types.TxVerified:
		e.VerifiedAt = at
		j.verified.Inc()
		j.verifyLatency.AddDuration(latency)
		if j.prom != nil {
			j.prom.VerifyLatency.Observe(latency.Seconds())
		}
	}
}

// isFinal reports whether an entry in state s takes no further events.
func (j *Journal) isFinal(s types.TxState) bool {
	return s.IsTerminal() || s.Rank() >= j.target.Rank()
}

func (j *Journal) ignore(ev Event, why string) {
	j.ignored.Inc()
	j.logger.Debug("journal event ignored",
		slog.String("id", ev.ID.Hex()),
		slog.String("state", ev.State.String()),
		slog.String("reason", why),
	)
}

func (j *Journal) mirror(ev Event) {
	if j.prom == nil {
		return
	}
	j.prom.RecordEvent(ev.State)
	if ev.State == types.TxFailed {
		j.prom.RecordFailure(ev.Reason)
	}
}

func (j *Journal) touch(at time.Time) {
	metrics.AtomicMax(&j.lastEventAt, at.UnixNano())
}

// Snapshot returns a point-in-time view. Terminal counters are read before
// Submitted so Pending never underflows while events are being applied.
func (j *Journal) Snapshot() types.Snapshot {
	c := types.Counts{
		Failed:    j.failed.Load(),
		TimedOut:  j.timedOut.Load(),
		Succeeded: j.succeeded.Load(),
		Verified:  j.verified.Load(),
		Committed: j.committed.Load(),
		Accepted:  j.accepted.Load(),
	}
	c.Submitted = j.submitted.Load()
	c.Pending = c.Submitted - c.Succeeded - c.Failed - c.TimedOut

	first := atomic.LoadInt64(&j.firstAt)
	snap := types.Snapshot{
		Counts:        c,
		IgnoredEvents: j.ignored.Load(),
	}
	if first == 0 {
		return snap
	}
	snap.WindowStart = time.Unix(0, first)
	snap.WindowEnd = time.Unix(0, atomic.LoadInt64(&j.lastEventAt))
	snap.SubmissionRate = rate(c.Submitted, first, atomic.LoadInt64(&j.lastSubmitAt))
	snap.AcceptanceRate = rate(c.Accepted, first, atomic.LoadInt64(&j.lastAcceptAt))
	snap.CommitmentRate = rate(c.Committed, first, atomic.LoadInt64(&j.lastCommitAt))

	if j.acceptLatency.Count() > 0 {
		snap.AcceptLatency = j.acceptLatency.GetStats()
	}
	if j.commitLatency.Count() > 0 {
		snap.CommitLatency = j.commitLatency.GetStats()
	}
	if j.verifyLatency.Count() > 0 {
		snap.VerifyLatency = j.verifyLatency.GetStats()
	}
	return snap
}

// rate is n events per second over [from, to]. A single instant falls back to n.
func rate(n uint64, from, to int64) float64 {
	if n == 0 {
		return 0
	}
	d := time.Duration(to - from).Seconds()
	if d <= 0 {
		return float64(n)
	}
	return float64(n) / d
}

// FailureReasons returns failed counts keyed by reason.
func (j *Journal) FailureReasons() map[string]uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return maps.Clone(j.failures)
}

// Entry returns a copy of the entry for id.
func (j *Journal) Entry(id common.Hash) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IDs returns the ids of all entries in no particular order.
func (j *Journal) IDs() []common.Hash {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ids := make([]common.Hash, 0, len(j.entries))
	for id := range j.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of tracked entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// FinalReport closes the journal, applies every queued event and returns meta
// completed with the final counts, rates, latencies and failure breakdown.
func (j *Journal) FinalReport(meta types.Report) types.Report {
	j.Close()
	meta.Target = j.target
	meta.Snapshot = j.Snapshot()
	if reasons := j.FailureReasons(); len(reasons) > 0 {
		meta.FailureReasons = reasons
	}
	j.logger.Info("journal closed",
		slog.Uint64("submitted", meta.Counts.Submitted),
		slog.Uint64("succeeded", meta.Counts.Succeeded),
		slog.Uint64("failed", meta.Counts.Failed),
		slog.Uint64("timed_out", meta.Counts.TimedOut),
		slog.Uint64("ignored", meta.IgnoredEvents),
	)
	return meta
}
