// Package storage persists run reports.
package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/loadtest/pkg/types"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Storage defines the persistence interface for run reports.
type Storage interface {
	// SaveRun stores or replaces the report of a run. report may be partial
	// when the run failed.
	SaveRun(ctx context.Context, report *types.Report, status types.RunState, runErr error) error
	GetRun(ctx context.Context, id string) (*StoredRun, error)
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// GetSeries returns the progress samples of a run ordered by time.
	GetSeries(ctx context.Context, id string) ([]types.SeriesPoint, error)

	Close() error
}
