package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/loadtest/internal/storage"
	"github.com/gateway-fm/loadtest/pkg/types"
)

func testReport(id string) *types.Report {
	return &types.Report{
		RunID:     id,
		Scenario:  types.ScenarioOutgoing,
		Target:    types.TxAccepted,
		StartedAt: time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
		Duration:  10 * time.Second,
		Accounts:  4,
		Workers:   4,
		Snapshot: types.Snapshot{
			Counts:         types.Counts{Submitted: 100, Accepted: 97, Failed: 3, Succeeded: 97},
			SubmissionRate: 10,
			AcceptanceRate: 9.7,
			AcceptLatency:  &types.LatencyStats{Count: 97, Min: 1, P50: 2, P90: 3, P95: 4, P99: 5, Max: 6, Avg: 2.5},
		},
		FailureReasons: map[string]uint64{"nonce_too_low": 3},
	}
}

func TestPrintReportTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, testReport("r1"), false))
	out := buf.String()

	assert.Contains(t, out, "Run r1 (outgoing, target accepted)")
	assert.Contains(t, out, "SUBMITTED")
	assert.Contains(t, out, "accept")
	assert.Contains(t, out, "2.0ms")
	assert.Contains(t, out, "nonce_too_low")
	assert.NotContains(t, out, "commit ")
}

func TestPrintReportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, testReport("r1"), true))

	var decoded types.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "r1", decoded.RunID)
	assert.Equal(t, types.TxAccepted, decoded.Target)
	assert.Equal(t, uint64(97), decoded.Counts.Succeeded)
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug").Enabled(ctx, -4))
	assert.False(t, newLogger("info").Enabled(ctx, -4))
	assert.False(t, newLogger("error").Enabled(ctx, 4))
	assert.True(t, newLogger("bogus").Enabled(ctx, 0))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHistoryShowDeleteCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	store, err := storage.NewSQLiteStorage(db)
	require.NoError(t, err)
	require.NoError(t, store.SaveRun(context.Background(), testReport("run-a"), types.StateTerminal, nil))
	require.NoError(t, store.Close())

	out, err := execute(t, "history", "--database", db)
	require.NoError(t, err)
	assert.Contains(t, out, "run-a")
	assert.Contains(t, out, "1-1 of 1")

	out, err = execute(t, "show", "run-a", "--database", db, "--json")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"runId": "run-a"`), out)

	out, err = execute(t, "delete", "run-a", "--database", db)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted run-a")

	_, err = execute(t, "show", "run-a", "--database", db)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunRejectsBadScenario(t *testing.T) {
	_, err := execute(t, "--scenario", "sideways", "--database", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario")
}
