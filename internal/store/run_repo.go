package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the scraper_runs status column.
type RunStatus string

// Run statuses persisted in scraper_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunTimedOut RunStatus = "timed_out"
	RunKilled   RunStatus = "killed"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s != RunRunning && s != ""
}

// Run models one child process launched by the scheduler.
type Run struct {
	// ID is assigned by the scheduler and handed to the child as --run-id.
	ID uuid.UUID
	// Scraper names the schedule row.
	Scraper string
	// StartedAt equals the lease owner_start_at.
	StartedAt time.Time
	// FinishedAt is nil while the child is running.
	FinishedAt *time.Time
	Status     RunStatus
	// ExitCode is nil until the child has been reaped.
	ExitCode *int
	// Items is filled in by the child when it finishes consuming tasks.
	Items ItemCounts
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// ItemCounts is the per-run item tally reported by the scraper host.
type ItemCounts struct {
	Total     int64
	Succeeded int64
	Skipped   int64
	Expected  int64
	Failed    int64
}

// RunRepository persists run history.
type RunRepository interface {
	// RecordStart inserts a running row.
	RecordStart(ctx context.Context, run Run) error
	// RecordFinish marks the run finished with the provided status.
	RecordFinish(
		ctx context.Context,
		id uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		exitCode int,
		errMsg *string,
	) error
	// RecordItems stores the child's item tally.
	RecordItems(ctx context.Context, id uuid.UUID, items ItemCounts) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns the newest runs first, optionally filtered by scraper.
	ListRuns(ctx context.Context, scraper string, limit, offset int) ([]Run, error)
}
