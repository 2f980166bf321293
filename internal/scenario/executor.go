package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/loadtest/internal/account"
	"github.com/gateway-fm/loadtest/internal/journal"
	"github.com/gateway-fm/loadtest/internal/metrics"
	"github.com/gateway-fm/loadtest/internal/monitor"
	"github.com/gateway-fm/loadtest/internal/node"
	"github.com/gateway-fm/loadtest/internal/ratelimit"
	"github.com/gateway-fm/loadtest/internal/txbuilder"
	"github.com/gateway-fm/loadtest/pkg/types"
)

// Store persists finished runs.
type Store interface {
	SaveRun(ctx context.Context, report *types.Report, status types.RunState, runErr error) error
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Client node.Client
	// Funder pays for the synthetic accounts.
	Funder *account.Account
	// Heads, when set, wakes the lifecycle tracker on every new block.
	Heads <-chan uint64
	// Prometheus mirrors journal and executor metrics when set.
	Prometheus *metrics.PrometheusMetrics
	// Store receives the final report when set.
	Store  Store
	Logger *slog.Logger
}

// Executor runs one scenario through Initializing, Running, Draining,
// Reporting and Terminal, or Failed on a fatal error.
type Executor struct {
	params   Params
	scenario Scenario
	client   node.Client
	funder   *account.Account
	heads    <-chan uint64
	prom     *metrics.PrometheusMetrics
	store    Store
	logger   *slog.Logger
	runID    string
	started  time.Time

	mu      sync.RWMutex
	state   types.RunState
	journal *journal.Journal
	monitor *monitor.Monitor

	submitted   atomic.Uint64 // tickets handed out against TxCount
	underfunded atomic.Int64  // consecutive reservations that failed
}

// NewExecutor validates p and prepares a run.
func NewExecutor(p Params, d Deps) (*Executor, error) {
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	if d.Client == nil {
		return nil, errors.New("node client is required")
	}
	if d.Funder == nil {
		return nil, errors.New("funding account is required")
	}
	sc, err := New(p)
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()

	return &Executor{
		params:   p,
		scenario: sc,
		client:   d.Client,
		funder:   d.Funder,
		heads:    d.Heads,
		prom:     d.Prometheus,
		store:    d.Store,
		logger:   logger.With(slog.String("run_id", runID), slog.String("scenario", string(p.Scenario))),
		runID:    runID,
		state:    types.StateInitializing,
	}, nil
}

// RunID returns the identifier of this run.
func (e *Executor) RunID() string {
	return e.runID
}

// State returns the current state of the run.
func (e *Executor) State() types.RunState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Snapshot returns live metrics of the scenario phase. It is empty before
// the workers start.
func (e *Executor) Snapshot() types.Snapshot {
	e.mu.RLock()
	j := e.journal
	e.mu.RUnlock()
	if j == nil {
		return types.Snapshot{}
	}
	return j.Snapshot()
}

func (e *Executor) setState(s types.RunState) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if e.prom != nil {
		e.prom.SetRunState(s)
	}
	e.logger.Info("run state changed", slog.String("from", string(prev)), slog.String("to", string(s)))
}

// Run executes the scenario. Fatal conditions (funding failure, sustained
// pool exhaustion, node errors during setup) are returned as errors; per
// transaction failures only show up in the report. A run aborted after the
// workers started still returns the partial report along with the error.
func (e *Executor) Run(ctx context.Context) (*types.Report, error) {
	started := time.Now()
	e.started = started
	p := e.params
	e.setState(types.StateInitializing)

	pool, fees, err := e.initialize(ctx)
	if err != nil {
		e.fail(ctx, nil, err)
		return nil, err
	}

	jrnl := journal.New(journal.Config{
		Target:     e.scenario.Target(),
		QueueSize:  max(journal.DefaultQueueSize, p.Concurrency*64),
		Prometheus: e.prom,
		Logger:     e.logger,
	})
	mon := monitor.New(e.client, jrnl, monitor.Config{
		Target:        e.scenario.Target(),
		AcceptTimeout: p.AcceptTimeout,
		CommitTimeout: p.CommitTimeout,
		PollInterval:  p.PollInterval,
		QueryRate:     p.QueryRate,
		Heads:         e.heads,
		Prometheus:    e.prom,
		Logger:        e.logger,
	})
	mon.OnTerminal(func(t *monitor.Tracked) {
		pool.Settle(t.Tx, t.Outcome())
	})
	e.mu.Lock()
	e.journal, e.monitor = jrnl, mon
	e.mu.Unlock()

	trackCtx, stopTracking := context.WithCancel(ctx)
	defer stopTracking()
	mon.Start(trackCtx)

	e.setState(types.StateRunning)
	sampler := startSampler(jrnl, mon, p.ReportInterval, e.logger)
	runErr := e.runWorkers(ctx, pool, mon, fees)
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}

	e.setState(types.StateDraining)
	grace := p.Grace
	if runErr != nil {
		grace = 0
	}
	forced := mon.Drain(ctx, grace)
	series := sampler.stop()

	e.setState(types.StateReporting)
	report := jrnl.FinalReport(types.Report{
		RunID:     e.runID,
		Scenario:  p.Scenario,
		StartedAt: started,
		Duration:  time.Since(started),
		Accounts:  pool.Size(),
		Workers:   p.Concurrency,
		Series:    series,
	})
	e.logger.Info("run finished",
		slog.Uint64("submitted", report.Counts.Submitted),
		slog.Uint64("succeeded", report.Counts.Succeeded),
		slog.Uint64("failed", report.Counts.Failed),
		slog.Uint64("timed_out", report.Counts.TimedOut),
		slog.Int("forced_timeouts", forced),
		slog.Uint64("submit_retries", mon.Retries()),
		slog.Uint64("account_resyncs", pool.Stats().Resyncs),
	)

	if runErr != nil {
		e.fail(ctx, &report, runErr)
		return &report, runErr
	}
	if e.store != nil {
		if err := e.store.SaveRun(context.WithoutCancel(ctx), &report, types.StateTerminal, nil); err != nil {
			e.logger.Error("failed to persist report", slog.String("error", err.Error()))
		}
	}
	e.setState(types.StateTerminal)
	return &report, nil
}

func (e *Executor) fail(ctx context.Context, report *types.Report, err error) {
	e.logger.Error("run failed", slog.String("error", err.Error()))
	e.setState(types.StateFailed)
	if e.store == nil {
		return
	}
	if report == nil {
		report = &types.Report{
			RunID:     e.runID,
			Scenario:  e.params.Scenario,
			Target:    e.scenario.Target(),
			StartedAt: e.started,
			Duration:  time.Since(e.started),
			Accounts:  e.params.Accounts,
			Workers:   e.params.Concurrency,
		}
	}
	if serr := e.store.SaveRun(context.WithoutCancel(ctx), report, types.StateFailed, err); serr != nil {
		e.logger.Error("failed to persist failed run", slog.String("error", serr.Error()))
	}
}

// initialize derives the synthetic accounts, funds them and loads their state.
func (e *Executor) initialize(ctx context.Context) (*account.Pool, txbuilder.Fees, error) {
	p := e.params

	fees, err := e.fees(ctx)
	if err != nil {
		return nil, fees, err
	}

	accounts, err := account.Generate(p.Accounts, p.AccountSeed)
	if err != nil {
		return nil, fees, fmt.Errorf("generate accounts: %w", err)
	}
	pool := account.NewPool(accounts, e.client, account.PoolConfig{
		SafetyMargin: p.SafetyMargin,
		Logger:       e.logger,
	})
	if err := pool.Seed(ctx); err != nil {
		return nil, fees, fmt.Errorf("load account state: %w", err)
	}

	if err := e.fund(ctx, pool, fees); err != nil {
		return nil, fees, err
	}
	if err := pool.Seed(ctx); err != nil {
		return nil, fees, fmt.Errorf("reload account state: %w", err)
	}
	return pool, fees, nil
}

// fees resolves signing parameters. Without explicit caps the fee cap is
// twice the node's suggested price.
func (e *Executor) fees(ctx context.Context) (txbuilder.Fees, error) {
	p := e.params
	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return txbuilder.Fees{}, fmt.Errorf("get chain id: %w", err)
	}

	feeCap := p.GasFeeCap
	if feeCap == nil || feeCap.Sign() == 0 {
		price, err := e.client.SuggestGasPrice(ctx)
		if err != nil {
			return txbuilder.Fees{}, fmt.Errorf("suggest gas price: %w", err)
		}
		feeCap = new(big.Int).Mul(price, big.NewInt(2))
	}
	tip := p.GasTipCap
	if tip == nil || tip.Sign() == 0 || tip.Cmp(feeCap) > 0 {
		tip = feeCap
	}
	return txbuilder.Fees{
		ChainID:   chainID,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		UseLegacy: p.UseLegacy,
	}, nil
}

// runWorkers runs the submission phase until the transaction budget or the
// duration is used up, or a worker hits a fatal error.
func (e *Executor) runWorkers(ctx context.Context, pool *account.Pool, mon *monitor.Monitor, fees txbuilder.Fees) error {
	p := e.params

	// runCtx ends submission; in-flight submissions finish under ctx.
	runCtx := ctx
	if p.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Duration)
		defer cancel()
	}

	var limiter *ratelimit.Limiter
	if p.MaxTPS > 0 && e.scenario.Kind() == types.ScenarioOutgoing {
		limiter = ratelimit.New(p.MaxTPS)
	}

	w := &worker{
		exec:    e,
		pool:    pool,
		monitor: mon,
		builder: e.scenario.Builder(pool),
		fees:    fees,
		limiter: limiter,
	}

	g, gctx := errgroup.WithContext(runCtx)
	for i := range p.Concurrency {
		g.Go(func() error {
			return w.loop(ctx, gctx, i)
		})
	}
	return g.Wait()
}

// errStop ends a worker loop without an error.
var errStop = errors.New("stop")

type worker struct {
	exec    *Executor
	pool    *account.Pool
	monitor *monitor.Monitor
	builder txbuilder.Builder
	fees    txbuilder.Fees
	limiter *ratelimit.Limiter
}

// loop runs acquire, build, submit, release until runCtx ends or the budget
// is spent. Submissions use ctx so the run deadline never cuts one short.
func (w *worker) loop(ctx, runCtx context.Context, id int) error {
	e := w.exec
	for runCtx.Err() == nil {
		if !e.takeTicket() {
			return nil
		}
		err := w.step(ctx, runCtx)
		switch {
		case err == nil:
		case errors.Is(err, errStop):
			e.returnTicket()
			return nil
		case errors.Is(err, errSkipped):
			e.returnTicket()
		default:
			e.returnTicket()
			e.logger.Error("worker stopped", slog.Int("worker", id), slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

// errSkipped means the iteration submitted nothing and should be retried.
var errSkipped = errors.New("skipped")

func (w *worker) step(ctx, runCtx context.Context) error {
	e := w.exec
	p := e.params

	if w.limiter != nil {
		if err := w.limiter.Wait(runCtx); err != nil {
			return errStop
		}
	}

	h, err := w.pool.Acquire(runCtx, p.ExhaustionGrace)
	switch {
	case errors.Is(err, account.ErrPoolExhausted):
		if e.prom != nil {
			e.prom.PoolExhausted.Inc()
		}
		return &PoolExhaustedError{Grace: p.ExhaustionGrace, Reason: "no account released"}
	case runCtx.Err() != nil:
		if err == nil {
			_ = w.pool.Release(h, account.OutcomeSkipped)
		}
		return errStop
	case err != nil:
		// A failed resync leaves the account flagged; back off and try again.
		e.logger.Warn("account unavailable", slog.String("error", err.Error()))
		select {
		case <-runCtx.Done():
			return errStop
		case <-time.After(p.PollInterval):
		}
		return errSkipped
	}

	acc := h.Account()
	tx, err := txbuilder.Sign(acc.PrivateKey, h.Nonce(), w.builder.Next(acc.Address), w.builder.GasLimit(), w.fees)
	if err != nil {
		_ = w.pool.Release(h, account.OutcomeSkipped)
		return fmt.Errorf("sign transaction: %w", err)
	}
	if err := h.Reserve(tx.Cost); err != nil {
		_ = w.pool.Release(h, account.OutcomeUnderfunded)
		if e.underfunded.Add(1) > int64(2*w.pool.Size()) {
			return &PoolExhaustedError{Grace: p.ExhaustionGrace, Reason: "accounts cannot cover transaction cost"}
		}
		return errSkipped
	}
	e.underfunded.Store(0)

	_, err = w.monitor.Submit(ctx, tx)
	_ = w.pool.Release(h, releaseOutcome(err))
	if errors.Is(err, monitor.ErrDraining) {
		return errStop
	}
	if err != nil {
		e.logger.Debug("transaction not accepted",
			slog.String("id", tx.Hash.Hex()),
			slog.Uint64("nonce", tx.Nonce),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// releaseOutcome maps a submission result onto the pool outcome. Anything
// that leaves the node's view of the nonce uncertain triggers a resync.
func releaseOutcome(err error) account.Outcome {
	if err == nil {
		return account.OutcomeAccepted
	}
	if errors.Is(err, monitor.ErrDraining) {
		return account.OutcomeSkipped
	}
	re, ok := node.AsRejection(err)
	switch {
	case !ok:
		return account.OutcomeStaleNonce
	case re.StaleNonce():
		return account.OutcomeStaleNonce
	case re.Kind == node.RejectInsufficientFunds:
		return account.OutcomeUnderfunded
	}
	return account.OutcomeRejected
}

// takeTicket claims one slot of the transaction budget.
func (e *Executor) takeTicket() bool {
	if e.params.TxCount == 0 {
		return true
	}
	if e.submitted.Add(1) > e.params.TxCount {
		e.submitted.Add(^uint64(0))
		return false
	}
	return true
}

func (e *Executor) returnTicket() {
	if e.params.TxCount > 0 {
		e.submitted.Add(^uint64(0))
	}
}
