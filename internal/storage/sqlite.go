package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/loadtest/pkg/types"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500

	// Each series row binds 8 parameters; stay well below SQLite's variable limit.
	seriesBatchSize = 500
)

const runColumns = `id, scenario, status, target, started_at, duration_ms, accounts, workers,
	submitted, accepted, committed, verified, failed, timed_out, succeeded,
	submission_rate, acceptance_rate, commitment_rate, report, error_message`

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// A damaged report column still leaves the summary columns readable.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sqlx.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (creating if needed) the database at dbPath.
// ":memory:" gives a private in-memory database.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	inMemory := dbPath == ":memory:"
	if !inMemory {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL mode lets list/get queries run while a report is being written.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the schema and adds columns introduced after it.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		status TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		accounts INTEGER DEFAULT 0,
		submitted INTEGER DEFAULT 0,
		accepted INTEGER DEFAULT 0,
		committed INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		timed_out INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		submission_rate REAL DEFAULT 0,
		acceptance_rate REAL DEFAULT 0,
		report TEXT NOT NULL,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS time_series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		submitted INTEGER DEFAULT 0,
		accepted INTEGER DEFAULT 0,
		committed INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		timed_out INTEGER DEFAULT 0,
		pending INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_time_series_run ON time_series(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		// Verification tracking
		{"runs", "verified", "ALTER TABLE runs ADD COLUMN verified INTEGER DEFAULT 0"},
		{"runs", "commitment_rate", "ALTER TABLE runs ADD COLUMN commitment_rate REAL DEFAULT 0"},
		// Concurrency used for the run
		{"runs", "workers", "ALTER TABLE runs ADD COLUMN workers INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				slog.Warn("migration failed",
					"table", m.table,
					"column", m.column,
					"error", err.Error())
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// table and column are validated since they are interpolated into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.Get(&count, query); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveRun upserts the run row and replaces its time series. The series is
// stored in its own table and stripped from the report column.
func (s *SQLiteStorage) SaveRun(ctx context.Context, report *types.Report, status types.RunState, runErr error) error {
	if report == nil || report.RunID == "" {
		return errors.New("report without run id")
	}

	stripped := *report
	stripped.Series = nil
	body, err := json.Marshal(&stripped)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	row := runRow{
		ID:             report.RunID,
		Scenario:       string(report.Scenario),
		Status:         string(status),
		Target:         report.Target.String(),
		StartedAt:      report.StartedAt.UTC(),
		DurationMs:     report.Duration.Milliseconds(),
		Accounts:       report.Accounts,
		Workers:        report.Workers,
		Submitted:      int64(report.Counts.Submitted),
		Accepted:       int64(report.Counts.Accepted),
		Committed:      int64(report.Counts.Committed),
		Verified:       int64(report.Counts.Verified),
		Failed:         int64(report.Counts.Failed),
		TimedOut:       int64(report.Counts.TimedOut),
		Succeeded:      int64(report.Counts.Succeeded),
		SubmissionRate: report.SubmissionRate,
		AcceptanceRate: report.AcceptanceRate,
		CommitmentRate: report.CommitmentRate,
		Report:         string(body),
	}
	if runErr != nil {
		row.ErrorMessage = nullString(runErr.Error())
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (:id, :scenario, :status, :target, :started_at, :duration_ms, :accounts, :workers,
			:submitted, :accepted, :committed, :verified, :failed, :timed_out, :succeeded,
			:submission_rate, :acceptance_rate, :commitment_rate, :report, :error_message)
		ON CONFLICT(id) DO UPDATE SET
			scenario = excluded.scenario, status = excluded.status, target = excluded.target,
			started_at = excluded.started_at, duration_ms = excluded.duration_ms,
			accounts = excluded.accounts, workers = excluded.workers,
			submitted = excluded.submitted, accepted = excluded.accepted,
			committed = excluded.committed, verified = excluded.verified,
			failed = excluded.failed, timed_out = excluded.timed_out, succeeded = excluded.succeeded,
			submission_rate = excluded.submission_rate, acceptance_rate = excluded.acceptance_rate,
			commitment_rate = excluded.commitment_rate, report = excluded.report,
			error_message = excluded.error_message
	`, row)
	if err != nil {
		return fmt.Errorf("save run %s: %w", report.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM time_series WHERE run_id = ?", report.RunID); err != nil {
		return err
	}
	if err := insertSeries(ctx, tx, report.RunID, report.Series); err != nil {
		return fmt.Errorf("save series %s: %w", report.RunID, err)
	}

	return tx.Commit()
}

// insertSeries writes points in multi-row batches inside tx.
func insertSeries(ctx context.Context, tx *sqlx.Tx, runID string, points []types.SeriesPoint) error {
	for start := 0; start < len(points); start += seriesBatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := min(start+seriesBatchSize, len(points))
		rows := make([]seriesRow, 0, end-start)
		for _, p := range points[start:end] {
			rows = append(rows, newSeriesRow(runID, p))
		}
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO time_series (run_id, timestamp_ms, submitted, accepted, committed, failed, timed_out, pending)
			VALUES (:run_id, :timestamp_ms, :submitted, :accepted, :committed, :failed, :timed_out, :pending)
		`, rows)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetRun loads a run with its report and series.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*StoredRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	report := row.baseReport()
	unmarshalJSON(row.Report, report, "report", row.ID)

	series, err := s.GetSeries(ctx, id)
	if err != nil {
		return nil, err
	}
	report.Series = series

	return &StoredRun{Summary: row.summary(), Report: report}, nil
}

// ListRuns returns run summaries, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset = max(offset, 0)

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM runs"); err != nil {
		return nil, err
	}

	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, err
	}

	runs := make([]types.RunSummary, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].summary())
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun removes a run and, by cascade, its series.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSeries retrieves the progress samples of a run.
func (s *SQLiteStorage) GetSeries(ctx context.Context, id string) ([]types.SeriesPoint, error) {
	var rows []seriesRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT run_id, timestamp_ms, submitted, accepted, committed, failed, timed_out, pending
		FROM time_series
		WHERE run_id = ?
		ORDER BY timestamp_ms
	`, id)
	if err != nil {
		return nil, err
	}

	points := make([]types.SeriesPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, r.point())
	}
	return points, nil
}

// baseReport rebuilds what the summary columns hold; the JSON column fills
// in the rest.
func (r *runRow) baseReport() *types.Report {
	rep := &types.Report{
		RunID:     r.ID,
		Scenario:  types.ScenarioKind(r.Scenario),
		StartedAt: r.StartedAt,
		Accounts:  r.Accounts,
		Workers:   r.Workers,
	}
	rep.Duration = r.summary().Duration
	_ = rep.Target.UnmarshalText([]byte(r.Target))
	rep.Counts = types.Counts{
		Submitted: uint64(r.Submitted),
		Accepted:  uint64(r.Accepted),
		Committed: uint64(r.Committed),
		Verified:  uint64(r.Verified),
		Failed:    uint64(r.Failed),
		TimedOut:  uint64(r.TimedOut),
		Succeeded: uint64(r.Succeeded),
	}
	rep.SubmissionRate = r.SubmissionRate
	rep.AcceptanceRate = r.AcceptanceRate
	rep.CommitmentRate = r.CommitmentRate
	return rep
}
