// Command loadtest drives transaction load against a blockchain node and
// reports throughput and latency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/loadtest/internal/config"
	"github.com/gateway-fm/loadtest/internal/metrics"
	"github.com/gateway-fm/loadtest/internal/runner"
	"github.com/gateway-fm/loadtest/internal/storage"
)

const defaultDatabasePath = "./data/loadtest.db"

type rootFlags struct {
	scenario    string
	logLevel    string
	database    string
	metricsAddr string
	jsonOutput  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	cmd := &cobra.Command{
		Use:   "loadtest [config-file]",
		Short: "Blockchain node load test harness",
		Long: `Run a load test scenario against a node and print its report.

Scenarios:
  outgoing   submission-acceptance throughput (time to mempool)
  execution  commitment throughput (time to inclusion)

Settings come from the config file (YAML, JSON or TOML) and LOADTEST_*
environment variables, e.g. LOADTEST_NODE_URL or LOADTEST_FUNDING_KEY.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return runLoadTest(cmd.Context(), f, path, cmd.OutOrStdout())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&f.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flags.StringVar(&f.database, "database", envOrDefault("DATABASE_PATH", defaultDatabasePath), "SQLite database path, empty to disable persistence")
	flags.BoolVar(&f.jsonOutput, "json", false, "Print reports as JSON")
	cmd.Flags().StringVar(&f.scenario, "scenario", "", "Scenario override (outgoing, execution)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", envOrDefault("METRICS_ADDR", ""), "Serve Prometheus metrics on this address during the run")

	cmd.AddCommand(newHistoryCmd(&f), newShowCmd(&f), newDeleteCmd(&f))
	return cmd
}

func runLoadTest(ctx context.Context, f rootFlags, path string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(f.logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if f.scenario != "" {
		cfg.Scenario = f.scenario
	}

	var store storage.Storage
	if f.database != "" {
		s, err := storage.NewSQLiteStorage(f.database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()
		logger.Info("initialized storage", slog.String("path", f.database))
		store = s
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewPrometheusMetrics(reg)
	if f.metricsAddr != "" {
		srv := serveMetrics(f.metricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	r, err := runner.New(cfg, runner.Options{Store: store, Prometheus: prom, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, runErr := r.Run(ctx)
	if report != nil {
		if err := printReport(out, report, f.jsonOutput); err != nil {
			logger.Error("failed to print report", slog.String("error", err.Error()))
		}
	}
	if runErr != nil {
		return fmt.Errorf("run %s: %w", r.Executor().RunID(), runErr)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openStore(f *rootFlags) (storage.Storage, error) {
	if f.database == "" {
		return nil, errors.New("--database is required")
	}
	return storage.NewSQLiteStorage(f.database)
}

func newHistoryCmd(f *rootFlags) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(f)
			if err != nil {
				return err
			}
			defer store.Close()
			page, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if f.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), page)
			}
			printHistory(cmd.OutOrStdout(), page)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")
	return cmd
}

func newShowCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the report of a persisted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(f)
			if err != nil {
				return err
			}
			defer store.Close()
			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run.Summary.Error != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s %s: %s\n", run.Summary.RunID, run.Summary.Status, run.Summary.Error)
			}
			return printReport(cmd.OutOrStdout(), run.Report, f.jsonOutput)
		},
	}
}

func newDeleteCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a persisted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(f)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
