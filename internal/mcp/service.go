// Package mcp exposes the load-test harness as MCP tools.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/loadtest/internal/config"
	"github.com/gateway-fm/loadtest/internal/metrics"
	"github.com/gateway-fm/loadtest/internal/runner"
	"github.com/gateway-fm/loadtest/internal/storage"
	"github.com/gateway-fm/loadtest/pkg/types"
)

var (
	// ErrRunInProgress is returned when a run is started while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNoRun is returned when there is no run to stop or inspect.
	ErrNoRun = errors.New("no run has been started")
)

// Status is the view of the current or most recent run.
type Status struct {
	RunID    string
	Scenario types.ScenarioKind
	State    types.RunState
	Elapsed  time.Duration
	Live     types.Snapshot
	Report   *types.Report // set once the run has finished
	Err      error
}

// Service runs at most one scenario at a time in the background and reads
// history from the store.
type Service struct {
	store  storage.Storage
	prom   *metrics.PrometheusMetrics
	logger *slog.Logger

	mu      sync.Mutex
	current *activeRun
}

type activeRun struct {
	runner   *runner.Runner
	scenario types.ScenarioKind
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	// written before done is closed
	report *types.Report
	err    error
}

// NewService creates a service backed by store.
func NewService(store storage.Storage, prom *metrics.PrometheusMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, prom: prom, logger: logger}
}

// Start configures and launches a run. It returns once the run has been
// validated; the run itself continues in the background.
func (s *Service) Start(cfg *config.Config) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.current.finished() {
		return "", ErrRunInProgress
	}

	r, err := runner.New(cfg, runner.Options{Store: s.store, Prometheus: s.prom, Logger: s.logger})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		runner:   r,
		scenario: types.ScenarioKind(cfg.Scenario),
		started:  time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(run.done)
		defer cancel()
		run.report, run.err = r.Run(ctx)
	}()
	s.current = run
	return r.Executor().RunID(), nil
}

// Stop cancels the active run and waits for it to wind down or ctx to end.
func (s *Service) Stop(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		return nil, ErrNoRun
	}

	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Status()
}

// Wait blocks until the active run finishes or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		return ErrNoRun
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports on the current or most recent run.
func (s *Service) Status() (*Status, error) {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		return nil, ErrNoRun
	}

	exec := run.runner.Executor()
	st := &Status{
		RunID:    exec.RunID(),
		Scenario: run.scenario,
		State:    exec.State(),
		Elapsed:  time.Since(run.started),
		Live:     exec.Snapshot(),
	}
	if run.finished() {
		st.Report = run.report
		st.Err = run.err
		if run.report != nil {
			st.Elapsed = run.report.Duration
		}
	}
	return st, nil
}

// Store returns the history store.
func (s *Service) Store() storage.Storage {
	return s.store
}

func (r *activeRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
