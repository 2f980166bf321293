package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/loadtest/internal/config"
	"github.com/gateway-fm/loadtest/internal/storage"
)

// stopTimeout bounds how long loadtest_stop waits for the drain.
const stopTimeout = 2 * time.Minute

// RegisterTools registers all load test tools on the MCP server.
func RegisterTools(s *server.MCPServer, svc *Service) {
	t := &toolset{svc: svc}
	s.AddTool(gomcp.NewTool("loadtest_status",
		gomcp.WithDescription("Get the state of the current or most recent run: scenario, live counts, rates and latencies."),
	), t.status)

	s.AddTool(gomcp.NewTool("loadtest_start",
		gomcp.WithDescription("Start a load test run. This is a MUTATING operation. Scenarios: outgoing (time to mempool), execution (time to inclusion)."),
		gomcp.WithString("config_path",
			gomcp.Description("Path to a run description file (YAML, JSON or TOML). Defaults and LOADTEST_* environment apply when omitted."),
		),
		gomcp.WithString("scenario",
			gomcp.Description("Scenario override: outgoing or execution"),
		),
		gomcp.WithNumber("tx_count",
			gomcp.Description("Transaction count override"),
		),
		gomcp.WithNumber("duration_sec",
			gomcp.Description("Run duration override in seconds"),
		),
	), t.start)

	s.AddTool(gomcp.NewTool("loadtest_stop",
		gomcp.WithDescription("Stop the active run and wait for it to drain. This is a MUTATING operation."),
	), t.stop)

	s.AddTool(gomcp.NewTool("loadtest_history",
		gomcp.WithDescription("List persisted runs, most recent first."),
		gomcp.WithNumber("limit",
			gomcp.Description("Maximum number of runs (default 20)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Number of runs to skip"),
		),
	), t.history)

	s.AddTool(gomcp.NewTool("loadtest_run_detail",
		gomcp.WithDescription("Get the full report of a persisted run."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), t.runDetail)

	s.AddTool(gomcp.NewTool("loadtest_delete_run",
		gomcp.WithDescription("Delete a persisted run and its time series. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), t.deleteRun)
}

type toolset struct {
	svc *Service
}

func (t *toolset) status(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	st, err := t.svc.Status()
	if errors.Is(err, ErrNoRun) {
		return gomcp.NewToolResultText("No run has been started in this session."), nil
	}
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	return gomcp.NewToolResultText(formatStatus(st)), nil
}

func (t *toolset) start(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	cfg, err := config.Load(req.GetString("config_path", ""))
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	if s := req.GetString("scenario", ""); s != "" {
		cfg.Scenario = s
	}
	if n := req.GetInt("tx_count", 0); n > 0 {
		cfg.TxCount = uint64(n)
	}
	if d := req.GetInt("duration_sec", 0); d > 0 {
		cfg.Duration = time.Duration(d) * time.Second
	}

	id, err := t.svc.Start(cfg)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
	}
	return gomcp.NewToolResultText(joinLines(
		"Run started.",
		kv("Run ID", id),
		kv("Scenario", cfg.Scenario),
		kv("Node", cfg.Node.URL),
		kv("Accounts", cfg.Accounts),
	)), nil
}

func (t *toolset) stop(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	st, err := t.svc.Stop(ctx)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Failed to stop run: %v", err)), nil
	}
	return gomcp.NewToolResultText("Run stopped.\n\n" + formatStatus(st)), nil
}

func (t *toolset) history(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	page, err := t.svc.Store().ListRuns(ctx, req.GetInt("limit", 20), req.GetInt("offset", 0))
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatHistory(page)), nil
}

func (t *toolset) runDetail(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	run, err := t.svc.Store().GetRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return gomcp.NewToolResultError(fmt.Sprintf("Run %s not found", id)), nil
	}
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Failed to load run: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatRun(run)), nil
}

func (t *toolset) deleteRun(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	if err := t.svc.Store().DeleteRun(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return gomcp.NewToolResultError(fmt.Sprintf("Run %s not found", id)), nil
		}
		return gomcp.NewToolResultError(fmt.Sprintf("Failed to delete run: %v", err)), nil
	}
	return gomcp.NewToolResultText(fmt.Sprintf("Run %s deleted.", id)), nil
}
