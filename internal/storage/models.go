package storage

import (
	"database/sql"
	"time"

	"github.com/gateway-fm/loadtest/pkg/types"
)

// StoredRun is a persisted run with its status.
type StoredRun struct {
	Summary types.RunSummary `json:"summary"`
	Report  *types.Report    `json:"report"`
}

// PaginatedRuns is a page of run summaries, newest first.
type PaginatedRuns struct {
	Runs   []types.RunSummary `json:"runs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// runRow maps the runs table.
type runRow struct {
	ID             string         `db:"id"`
	Scenario       string         `db:"scenario"`
	Status         string         `db:"status"`
	Target         string         `db:"target"`
	StartedAt      time.Time      `db:"started_at"`
	DurationMs     int64          `db:"duration_ms"`
	Accounts       int            `db:"accounts"`
	Workers        int            `db:"workers"`
	Submitted      int64          `db:"submitted"`
	Accepted       int64          `db:"accepted"`
	Committed      int64          `db:"committed"`
	Verified       int64          `db:"verified"`
	Failed         int64          `db:"failed"`
	TimedOut       int64          `db:"timed_out"`
	Succeeded      int64          `db:"succeeded"`
	SubmissionRate float64        `db:"submission_rate"`
	AcceptanceRate float64        `db:"acceptance_rate"`
	CommitmentRate float64        `db:"commitment_rate"`
	Report         string         `db:"report"`
	ErrorMessage   sql.NullString `db:"error_message"`
}

// seriesRow maps the time_series table.
type seriesRow struct {
	RunID       string `db:"run_id"`
	TimestampMs int64  `db:"timestamp_ms"`
	Submitted   int64  `db:"submitted"`
	Accepted    int64  `db:"accepted"`
	Committed   int64  `db:"committed"`
	Failed      int64  `db:"failed"`
	TimedOut    int64  `db:"timed_out"`
	Pending     int64  `db:"pending"`
}

func (r *runRow) summary() types.RunSummary {
	return types.RunSummary{
		RunID:     r.ID,
		Scenario:  types.ScenarioKind(r.Scenario),
		Status:    types.RunState(r.Status),
		StartedAt: r.StartedAt,
		Duration:  time.Duration(r.DurationMs) * time.Millisecond,
		Submitted: uint64(r.Submitted),
		Succeeded: uint64(r.Succeeded),
		Failed:    uint64(r.Failed),
		TimedOut:  uint64(r.TimedOut),
		Error:     r.ErrorMessage.String,
	}
}

func newSeriesRow(runID string, p types.SeriesPoint) seriesRow {
	return seriesRow{
		RunID:       runID,
		TimestampMs: p.At.UnixMilli(),
		Submitted:   int64(p.Submitted),
		Accepted:    int64(p.Accepted),
		Committed:   int64(p.Committed),
		Failed:      int64(p.Failed),
		TimedOut:    int64(p.TimedOut),
		Pending:     int64(p.Pending),
	}
}

func (r seriesRow) point() types.SeriesPoint {
	return types.SeriesPoint{
		At:        time.UnixMilli(r.TimestampMs).UTC(),
		Submitted: uint64(r.Submitted),
		Accepted:  uint64(r.Accepted),
		Committed: uint64(r.Committed),
		Failed:    uint64(r.Failed),
		TimedOut:  uint64(r.TimedOut),
		Pending:   uint64(r.Pending),
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
