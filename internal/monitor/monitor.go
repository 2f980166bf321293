// Package monitor submits transactions to the node and tracks each one until
// it reaches the tracking target, fails, or times out.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gateway-fm/loadtest/internal/journal"
	"github.com/gateway-fm/loadtest/internal/metrics"
	"github.com/gateway-fm/loadtest/internal/node"
	"github.com/gateway-fm/loadtest/internal/txbuilder"
	"github.com/gateway-fm/loadtest/pkg/types"
)

var (
	// ErrDraining is returned by Submit once Drain has started.
	ErrDraining = errors.New("monitor is draining")
	// ErrSubmitTimeout is returned when transient errors outlast AcceptTimeout.
	// The outcome on the node is unknown and the entry is marked TimedOut.
	ErrSubmitTimeout = errors.New("submission timed out")
)

// Failure reasons recorded with Failed and TimedOut events.
const (
	ReasonReverted      = "reverted"
	ReasonUnreachable   = "unreachable"
	ReasonCommitTimeout = "commit_timeout"
	ReasonDrainTimeout  = "drain_timeout"
)

// Defaults applied by New.
const (
	DefaultAcceptTimeout    = 10 * time.Second
	DefaultCommitTimeout    = 60 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultQueryConcurrency = 32
)

// Recorder receives lifecycle events and answers for transactions that are
// no longer tracked. *journal.Journal implements it.
type Recorder interface {
	Record(ev journal.Event) error
	Flush()
	Entry(id common.Hash) (journal.Entry, bool)
}

// Config configures a Monitor.
type Config struct {
	// Target is the state that completes tracking: TxAccepted, TxCommitted or TxVerified.
	Target types.TxState
	// AcceptTimeout bounds a submission including transient retries.
	AcceptTimeout time.Duration
	// CommitTimeout bounds the time from acceptance to Target.
	CommitTimeout time.Duration
	// PollInterval is the status poll period.
	PollInterval time.Duration
	// QueryRate caps status queries per second. Zero is unlimited.
	QueryRate float64
	// QueryConcurrency bounds parallel status queries.
	QueryConcurrency int
	// Heads, when set, triggers a poll on every new block.
	Heads <-chan uint64
	// Prometheus receives retry and in-flight metrics when set.
	Prometheus *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// Tracked is the handle of a submitted transaction. Done is closed once the
// terminal state is known.
type Tracked struct {
	ID          common.Hash
	Tx          *txbuilder.Transaction
	SubmittedAt time.Time
	AcceptedAt  time.Time

	deadline  time.Time
	committed atomic.Bool
	outcome   atomic.Uint32
	reason    atomic.Pointer[string]
	done      chan struct{}
}

// Done is closed when the transaction reaches a terminal state.
func (t *Tracked) Done() <-chan struct{} {
	return t.done
}

// Outcome returns the terminal state, or TxUnknown before Done is closed.
func (t *Tracked) Outcome() types.TxState {
	return types.TxState(t.outcome.Load())
}

// Reason returns the failure reason of a Failed or TimedOut transaction.
func (t *Tracked) Reason() string {
	if r := t.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// Monitor is the lifecycle tracker.
type Monitor struct {
	client node.Client
	rec    Recorder
	cfg    Config
	logger *slog.Logger

	limiter *rate.Limiter

	registry sync.Map // common.Hash -> *Tracked
	statuses sync.Map // common.Hash -> types.TxState, unresolved only
	inFlight metrics.Gauge

	onTerminal func(*Tracked)

	draining   atomic.Bool
	submitting atomic.Int64
	retries    metrics.UCounter
	queryErrs  metrics.UCounter

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// New creates a monitor. Start must be called before tracking beyond acceptance.
func New(client node.Client, rec Recorder, cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Target {
	case types.TxAccepted, types.TxCommitted, types.TxVerified:
	default:
		cfg.Target = types.TxCommitted
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.QueryConcurrency <= 0 {
		cfg.QueryConcurrency = DefaultQueryConcurrency
	}

	m := &Monitor{
		client:  client,
		rec:     rec,
		cfg:     cfg,
		logger:  cfg.Logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if cfg.QueryRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), max(1, int(cfg.QueryRate/10)))
	}
	return m
}

// OnTerminal registers fn to run once for every accepted transaction when it
// reaches its terminal state, before its Done channel is closed. It must be
// set before the first Submit.
func (m *Monitor) OnTerminal(fn func(*Tracked)) {
	m.onTerminal = fn
}

// Target returns the tracking target.
func (m *Monitor) Target() types.TxState {
	return m.cfg.Target
}

// Start runs the status tracker until ctx is done or Drain completes.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.track(ctx)
	})
}

// Submit records the transaction as submitted and hands it to the node.
// Transient node errors are retried with exponential backoff for up to
// AcceptTimeout. A refusal is recorded as Failed and returned as
// *node.RejectionError. On acceptance the returned handle resolves once the
// tracking target is reached.
func (m *Monitor) Submit(ctx context.Context, tx *txbuilder.Transaction) (*Tracked, error) {
	m.submitting.Add(1)
	defer m.submitting.Add(-1)
	if m.draining.Load() {
		return nil, ErrDraining
	}

	t := &Tracked{
		ID:          tx.Hash,
		Tx:          tx,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	m.statuses.Store(t.ID, types.TxSubmitted)
	m.record(t.ID, types.TxSubmitted, t.SubmittedAt, "")

	id, err := m.send(ctx, tx)
	if err != nil {
		if re, ok := node.AsRejection(err); ok {
			m.resolve(t, types.TxFailed, time.Now(), re.Kind.String(), false)
			return nil, err
		}
		m.resolve(t, types.TxTimedOut, time.Now(), ReasonUnreachable, false)
		return nil, fmt.Errorf("%w: %w", ErrSubmitTimeout, err)
	}
	if id != (common.Hash{}) && id != t.ID {
		m.logger.Warn("node returned unexpected transaction id",
			slog.String("expected", t.ID.Hex()),
			slog.String("got", id.Hex()),
		)
	}

	t.AcceptedAt = time.Now()
	if m.cfg.Target == types.TxAccepted {
		m.resolve(t, types.TxAccepted, t.AcceptedAt, "", true)
		return t, nil
	}
	m.statuses.Store(t.ID, types.TxAccepted)
	m.record(t.ID, types.TxAccepted, t.AcceptedAt, "")

	t.deadline = t.AcceptedAt.Add(m.cfg.CommitTimeout)
	m.registry.Store(t.ID, t)
	m.setInFlight(m.inFlight.Inc())
	return t, nil
}

func (m *Monitor) send(ctx context.Context, tx *txbuilder.Transaction) (common.Hash, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.AcceptTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = m.cfg.AcceptTimeout

	var id common.Hash
	op := func() error {
		var err error
		id, err = m.client.SubmitTransaction(sctx, tx.Raw)
		switch {
		case err == nil:
			return nil
		case node.IsTransient(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, next time.Duration) {
		m.retries.Inc()
		if m.cfg.Prometheus != nil {
			m.cfg.Prometheus.NodeRetries.Inc()
		}
		m.logger.Debug("retrying submission",
			slog.String("id", tx.Hash.Hex()),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, sctx), notify)
	return id, err
}

// Status returns the last known state of id. Resolved transactions are
// answered by the recorder.
func (m *Monitor) Status(id common.Hash) (types.TxState, bool) {
	if v, ok := m.statuses.Load(id); ok {
		return v.(types.TxState), true
	}
	m.rec.Flush()
	e, ok := m.rec.Entry(id)
	if !ok {
		return types.TxUnknown, false
	}
	return e.State, true
}

// Pending returns the number of accepted transactions still being tracked.
func (m *Monitor) Pending() int {
	return int(m.inFlight.Load())
}

// PeakPending returns the highest number of simultaneously tracked transactions.
func (m *Monitor) PeakPending() int {
	return int(m.inFlight.Peak())
}

// Retries returns the number of retried submissions.
func (m *Monitor) Retries() uint64 {
	return m.retries.Load()
}

// Drain stops accepting submissions and waits up to grace for tracked
// transactions to resolve. Whatever is still unresolved is then marked
// TimedOut, exactly once, and the tracker is stopped. It returns the number
// of transactions forced to TimedOut. Submit must not be called concurrently
// with Drain.
func (m *Monitor) Drain(ctx context.Context, grace time.Duration) int {
	m.draining.Store(true)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	tick := time.NewTicker(min(m.cfg.PollInterval, 50*time.Millisecond))
	defer tick.Stop()

wait:
	for m.submitting.Load() > 0 || m.Pending() > 0 {
		select {
		case <-tick.C:
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	m.stopOnce.Do(func() { close(m.stop) })
	m.startOnce.Do(func() { close(m.stopped) })
	<-m.stopped

	forced := 0
	m.registry.Range(func(_, v any) bool {
		if m.finish(v.(*Tracked), types.TxTimedOut, ReasonDrainTimeout) {
			forced++
		}
		return true
	})
	if forced > 0 {
		m.logger.Warn("unresolved transactions marked timed out",
			slog.Int("count", forced),
			slog.Duration("grace", grace),
		)
	}
	return forced
}

func (m *Monitor) track(ctx context.Context) {
	defer close(m.stopped)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	heads := m.cfg.Heads

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		case _, ok := <-heads:
			if !ok {
				heads = nil
				continue
			}
		}
		m.poll(ctx)
	}
}

// poll runs one pass over the registry. Expired entries are timed out, the
// rest are queried with bounded concurrency.
func (m *Monitor) poll(ctx context.Context) {
	now := time.Now()
	var g errgroup.Group
	g.SetLimit(m.cfg.QueryConcurrency)

	m.registry.Range(func(_, v any) bool {
		t := v.(*Tracked)
		if now.After(t.deadline) {
			m.finish(t, types.TxTimedOut, ReasonCommitTimeout)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		g.Go(func() error {
			m.check(ctx, t)
			return nil
		})
		return true
	})
	_ = g.Wait()
}

func (m *Monitor) check(ctx context.Context, t *Tracked) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
	}
	status, err := m.client.QueryStatus(ctx, t.ID)
	if err != nil {
		// The id stays registered; the next pass or the deadline resolves it.
		m.queryErrs.Inc()
		m.logger.Debug("status query failed",
			slog.String("id", t.ID.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}

	switch status {
	case node.StatusCommitted:
		if m.cfg.Target == types.TxCommitted {
			m.finish(t, types.TxCommitted, "")
		} else if t.committed.CompareAndSwap(false, true) {
			m.statuses.CompareAndSwap(t.ID, types.TxAccepted, types.TxCommitted)
			m.record(t.ID, types.TxCommitted, time.Now(), "")
		}
	case node.StatusVerified:
		m.finish(t, m.cfg.Target, "")
	case node.StatusFailed:
		m.finish(t, types.TxFailed, ReasonReverted)
	}
}

// finish resolves t if it is still registered. Removal from the registry
// decides which caller emits the terminal event.
func (m *Monitor) finish(t *Tracked, state types.TxState, reason string) bool {
	if _, loaded := m.registry.LoadAndDelete(t.ID); !loaded {
		return false
	}
	m.setInFlight(m.inFlight.Dec())
	m.resolve(t, state, time.Now(), reason, true)
	return true
}

// resolve emits the single terminal event of t.
func (m *Monitor) resolve(t *Tracked, state types.TxState, at time.Time, reason string, accepted bool) {
	m.record(t.ID, state, at, reason)
	m.statuses.Delete(t.ID)
	if reason != "" {
		t.reason.Store(&reason)
	}
	t.outcome.Store(uint32(state))
	if accepted && m.onTerminal != nil {
		m.onTerminal(t)
	}
	close(t.done)
}

func (m *Monitor) record(id common.Hash, state types.TxState, at time.Time, reason string) {
	if err := m.rec.Record(journal.Event{ID: id, State: state, At: at, Reason: reason}); err != nil {
		m.logger.Warn("lifecycle event dropped",
			slog.String("id", id.Hex()),
			slog.String("state", state.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) setInFlight(v int64) {
	if m.cfg.Prometheus != nil {
		m.cfg.Prometheus.InFlight.Set(float64(v))
	}
}
