// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fnscraper/internal/store"
)

// RunSchema creates the run history table.
const RunSchema = `
CREATE TABLE IF NOT EXISTS scraper_runs (
	id              UUID PRIMARY KEY,
	scraper         TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	status          TEXT NOT NULL,
	exit_code       INTEGER,
	items_total     BIGINT NOT NULL DEFAULT 0,
	items_succeeded BIGINT NOT NULL DEFAULT 0,
	items_skipped   BIGINT NOT NULL DEFAULT 0,
	items_expected  BIGINT NOT NULL DEFAULT 0,
	items_failed    BIGINT NOT NULL DEFAULT 0,
	error_message   TEXT
);
CREATE INDEX IF NOT EXISTS scraper_runs_scraper_started ON scraper_runs (scraper, started_at DESC)`

const runColumns = `id, scraper, started_at, finished_at, status, exit_code,
	items_total, items_succeeded, items_skipped, items_expected, items_failed, error_message`

// RunStore implements the store.RunRepository interface using Postgres.
type RunStore struct {
	pool pgxPool
}

// NewRunStore creates a RunStore from an existing pool.
func NewRunStore(pool pgxPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Runs returns a RunStore sharing the schedule store's pool.
func (s *ScheduleStore) Runs() *RunStore {
	return &RunStore{pool: s.pool}
}

// Migrate creates the scraper_runs table when missing.
func (s *RunStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, RunSchema); err != nil {
		return fmt.Errorf("create scraper_runs table: %w", err)
	}
	return nil
}

// RecordStart inserts a running row.
func (s *RunStore) RecordStart(ctx context.Context, run store.Run) error {
	query := `
		INSERT INTO scraper_runs (id, scraper, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query, run.ID, run.Scraper, run.StartedAt.UTC(), store.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordFinish marks a run as finished.
func (s *RunStore) RecordFinish(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	exitCode int,
	errMsg *string,
) error {
	query := `
		UPDATE scraper_runs
		SET finished_at = $1, status = $2, exit_code = $3, error_message = $4
		WHERE id = $5;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt.UTC(), status, exitCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordItems stores the item tally reported by the child.
func (s *RunStore) RecordItems(ctx context.Context, id uuid.UUID, items store.ItemCounts) error {
	query := `
		UPDATE scraper_runs
		SET items_total = $1, items_succeeded = $2, items_skipped = $3, items_expected = $4, items_failed = $5
		WHERE id = $6;
	`
	res, err := s.pool.Exec(ctx, query, items.Total, items.Succeeded, items.Skipped, items.Expected, items.Failed, id)
	if err != nil {
		return fmt.Errorf("failed to record run items: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, "SELECT "+runColumns+" FROM scraper_runs WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, optionally filtered by scraper.
func (s *RunStore) ListRuns(ctx context.Context, scraper string, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM scraper_runs
		WHERE ($1 = '' OR scraper = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, scraper, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run      store.Run
		status   string
		exitCode *int32
	)
	err := row.Scan(
		&run.ID,
		&run.Scraper,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&exitCode,
		&run.Items.Total,
		&run.Items.Succeeded,
		&run.Items.Skipped,
		&run.Items.Expected,
		&run.Items.Failed,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	if exitCode != nil {
		code := int(*exitCode)
		run.ExitCode = &code
	}
	return run, nil
}
