// Package runner wires a run description to the node client and executor.
package runner

import (
	"context"
	"log/slog"

	"github.com/gateway-fm/loadtest/internal/config"
	"github.com/gateway-fm/loadtest/internal/metrics"
	"github.com/gateway-fm/loadtest/internal/node"
	"github.com/gateway-fm/loadtest/internal/rpc"
	"github.com/gateway-fm/loadtest/internal/scenario"
	"github.com/gateway-fm/loadtest/pkg/types"
)

// Options are process-level collaborators not carried by the run description.
type Options struct {
	Store      scenario.Store
	Prometheus *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// Runner owns one configured run.
type Runner struct {
	exec   *scenario.Executor
	heads  *rpc.HeadSubscriber
	logger *slog.Logger
}

// New validates cfg and builds the node client and executor. Configuration
// problems are returned as *config.ConfigError.
func New(cfg *config.Config, opts Options) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("run description", slog.String("warning", w))
	}

	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	funder, err := cfg.FundingAccount()
	if err != nil {
		return nil, err
	}
	caps := cfg.Capabilities()

	rpcCfg := rpc.DefaultClientConfig(cfg.Node.URL)
	rpcCfg.Timeout = cfg.Node.Timeout
	rpcCfg.Logger = logger
	client := node.NewEVMClient(rpc.NewHTTPClient(rpcCfg), node.EVMConfig{
		Capabilities: caps,
		Logger:       logger,
	})

	r := &Runner{logger: logger}
	var heads <-chan uint64
	if cfg.Node.WSURL != "" {
		if caps.SupportsNewHeads {
			r.heads = rpc.NewHeadSubscriber(cfg.Node.WSURL, logger)
			heads = r.heads.Heads()
		} else {
			logger.Warn("node kind has no newHeads support, polling only", slog.String("kind", caps.String()))
		}
	}

	r.exec, err = scenario.NewExecutor(params, scenario.Deps{
		Client:     client,
		Funder:     funder,
		Heads:      heads,
		Prometheus: opts.Prometheus,
		Store:      opts.Store,
		Logger:     logger,
	})
	if err != nil {
		return nil, &config.ConfigError{Msg: err.Error()}
	}

	logger.Info("run configured",
		slog.String("run_id", r.exec.RunID()),
		slog.String("scenario", cfg.Scenario),
		slog.String("node", cfg.Node.URL),
		slog.String("node_kind", caps.String()),
		slog.Int("accounts", cfg.Accounts),
		slog.Bool("new_heads", heads != nil),
	)
	return r, nil
}

// Executor exposes the run for status queries.
func (r *Runner) Executor() *scenario.Executor {
	return r.exec
}

// Run executes the scenario. The head subscription, if any, lives as long as
// the run.
func (r *Runner) Run(ctx context.Context) (*types.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.heads != nil {
		go r.heads.Run(ctx)
	}
	return r.exec.Run(ctx)
}
