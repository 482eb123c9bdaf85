package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fnscraper/internal/schedule"
)

// serializationFailure is the SQLSTATE for a lost serializable race.
const serializationFailure = "40001"

// Schema creates the schedules table. Durations are stored as seconds.
const Schema = `
CREATE TABLE IF NOT EXISTS schedules (
	name                       TEXT PRIMARY KEY,
	timezone                   TEXT NOT NULL,
	cron_schedule              TEXT,
	cron_max_schedule_duration DOUBLE PRECISION,
	scheduling_period          DOUBLE PRECISION,
	cooldown_duration          DOUBLE PRECISION,
	blackout_periods           JSONB NOT NULL DEFAULT '[]'::jsonb,
	max_expected_duration      DOUBLE PRECISION,
	max_allowed_duration       DOUBLE PRECISION,
	average_good_duration      DOUBLE PRECISION,
	last_start_at              TIMESTAMPTZ,
	last_end_at                TIMESTAMPTZ,
	last_good_start_at         TIMESTAMPTZ,
	last_good_end_at           TIMESTAMPTZ,
	owner_start_at             TIMESTAMPTZ,
	run_immediately            TIMESTAMPTZ,
	kill_immediately           BOOLEAN NOT NULL DEFAULT FALSE,
	CHECK ((cron_schedule IS NULL) <> (scheduling_period IS NULL))
)`

const scheduleColumns = `name, timezone, cron_schedule, cron_max_schedule_duration, scheduling_period,
	cooldown_duration, blackout_periods, max_expected_duration, max_allowed_duration,
	average_good_duration, last_start_at, last_end_at, last_good_start_at, last_good_end_at,
	owner_start_at, run_immediately, kill_immediately`

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// ScheduleStoreConfig controls the pool used for schedule rows.
type ScheduleStoreConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// ScheduleStore implements schedule.Store on Postgres. Lease acquisition runs
// in a SERIALIZABLE transaction so that two schedulers cannot both commit it.
type ScheduleStore struct {
	pool pgxPool
}

// NewScheduleStore connects to Postgres.
func NewScheduleStore(ctx context.Context, cfg ScheduleStoreConfig) (*ScheduleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("global.scraper_db is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ScheduleStore{pool: pool}, nil
}

// NewScheduleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewScheduleStoreWithPool(pool pgxPool) (*ScheduleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ScheduleStore{pool: pool}, nil
}

// Migrate creates the schedules table when missing.
func (s *ScheduleStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schedules table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ScheduleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// List returns every row ordered by name.
func (s *ScheduleStore) List(ctx context.Context) ([]schedule.Schedule, error) {
	return s.query(ctx, "SELECT "+scheduleColumns+" FROM schedules ORDER BY name")
}

// ListIdle returns rows with no lease held.
func (s *ScheduleStore) ListIdle(ctx context.Context) ([]schedule.Schedule, error) {
	return s.query(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE owner_start_at IS NULL ORDER BY name")
}

// Get returns one row.
func (s *ScheduleStore) Get(ctx context.Context, name string) (schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE name = $1", name)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("%q: %w", name, schedule.ErrNotFound)
	}
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("get schedule %q: %w", name, err)
	}
	return sched, nil
}

// Upsert creates a row or replaces its configuration, leaving run history untouched.
func (s *ScheduleStore) Upsert(ctx context.Context, sched schedule.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	blackouts, err := json.Marshal(nonNilBlackouts(sched.BlackoutPeriods))
	if err != nil {
		return fmt.Errorf("marshal blackout periods: %w", err)
	}
	const query = `
INSERT INTO schedules (
	name, timezone, cron_schedule, cron_max_schedule_duration, scheduling_period,
	cooldown_duration, blackout_periods, max_expected_duration, max_allowed_duration
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (name) DO UPDATE SET
	timezone = EXCLUDED.timezone,
	cron_schedule = EXCLUDED.cron_schedule,
	cron_max_schedule_duration = EXCLUDED.cron_max_schedule_duration,
	scheduling_period = EXCLUDED.scheduling_period,
	cooldown_duration = EXCLUDED.cooldown_duration,
	blackout_periods = EXCLUDED.blackout_periods,
	max_expected_duration = EXCLUDED.max_expected_duration,
	max_allowed_duration = EXCLUDED.max_allowed_duration`
	_, err = s.pool.Exec(ctx, query,
		sched.Name,
		sched.Timezone,
		nullString(sched.CronSchedule),
		nullSeconds(sched.CronMaxScheduleDuration),
		nullSeconds(sched.SchedulingPeriod),
		nullSeconds(sched.CooldownDuration),
		blackouts,
		nullSeconds(sched.MaxExpectedDuration),
		nullSeconds(sched.MaxAllowedDuration),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule %q: %w", sched.Name, err)
	}
	return nil
}

// Delete removes a row.
func (s *ScheduleStore) Delete(ctx context.Context, name string) error {
	return s.execOne(ctx, "delete schedule", name, "DELETE FROM schedules WHERE name = $1", name)
}

// AcquireLease performs the owner_start_at null->now compare-and-set. A kill
// flag left over from an earlier run is dropped with the lease.
func (s *ScheduleStore) AcquireLease(
	ctx context.Context,
	name string,
	now time.Time,
	due func(schedule.Schedule) bool,
) (acquired schedule.Schedule, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("begin lease transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE name = $1 FOR UPDATE", name)
	current, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("%q: %w", name, schedule.ErrNotFound)
	}
	if err != nil {
		return schedule.Schedule{}, leaseError(name, "read schedule", err)
	}
	if current.OwnerStartAt != nil || (due != nil && !due(current)) {
		return schedule.Schedule{}, fmt.Errorf("%q: %w", name, schedule.ErrLeaseConflict)
	}

	start := now.UTC()
	tag, err := tx.Exec(ctx, `
UPDATE schedules
SET run_immediately = NULL, kill_immediately = FALSE, owner_start_at = $2, last_start_at = $2
WHERE name = $1 AND owner_start_at IS NULL`, name, start)
	if err != nil {
		return schedule.Schedule{}, leaseError(name, "take lease", err)
	}
	if tag.RowsAffected() != 1 {
		return schedule.Schedule{}, fmt.Errorf("%q: %w", name, schedule.ErrLeaseConflict)
	}
	if err = tx.Commit(ctx); err != nil {
		return schedule.Schedule{}, leaseError(name, "commit lease", err)
	}
	current.RunImmediately = nil
	current.KillImmediately = false
	current.OwnerStartAt = &start
	current.LastStartAt = &start
	return current, nil
}

// RecordOutcome finishes the attempt and releases the lease in one statement.
func (s *ScheduleStore) RecordOutcome(ctx context.Context, name string, o schedule.Outcome, alpha float64) error {
	const query = `
UPDATE schedules SET
	last_end_at = $2,
	owner_start_at = NULL,
	kill_immediately = FALSE,
	last_good_start_at = CASE WHEN $3::boolean THEN $4 ELSE last_good_start_at END,
	last_good_end_at = CASE WHEN $3::boolean THEN $2 ELSE last_good_end_at END,
	average_good_duration = CASE
		WHEN NOT $3::boolean THEN average_good_duration
		WHEN average_good_duration IS NULL THEN $5::double precision
		ELSE $6::double precision * $5::double precision + (1 - $6::double precision) * average_good_duration
	END
WHERE name = $1 AND owner_start_at = $4`
	tag, err := s.pool.Exec(ctx, query,
		name,
		o.End.UTC(),
		o.Success(),
		o.Start.UTC(),
		o.Duration().Seconds(),
		alpha,
	)
	if err != nil {
		return fmt.Errorf("record outcome for %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%q: outcome for a lease that is not held: %w", name, schedule.ErrLeaseConflict)
	}
	return nil
}

// RequestRunNow sets run_immediately.
func (s *ScheduleStore) RequestRunNow(ctx context.Context, name string, at time.Time) error {
	return s.execOne(ctx, "request run", name,
		"UPDATE schedules SET run_immediately = $2 WHERE name = $1", name, at.UTC())
}

// RequestKill sets kill_immediately.
func (s *ScheduleStore) RequestKill(ctx context.Context, name string) error {
	return s.execOne(ctx, "request kill", name,
		"UPDATE schedules SET kill_immediately = TRUE WHERE name = $1", name)
}

// TakeKill clears kill_immediately and reports whether it was set.
func (s *ScheduleStore) TakeKill(ctx context.Context, name string) (bool, error) {
	var taken bool
	err := s.pool.QueryRow(ctx,
		"UPDATE schedules SET kill_immediately = FALSE WHERE name = $1 AND kill_immediately RETURNING TRUE",
		name,
	).Scan(&taken)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("take kill flag for %q: %w", name, err)
	}
	return taken, nil
}

// ClearRequests clears run_immediately and kill_immediately.
func (s *ScheduleStore) ClearRequests(ctx context.Context, name string) error {
	return s.execOne(ctx, "clear requests", name,
		"UPDATE schedules SET run_immediately = NULL, kill_immediately = FALSE WHERE name = $1", name)
}

func (s *ScheduleStore) execOne(ctx context.Context, what, name, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %q: %w", what, name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%q: %w", name, schedule.ErrNotFound)
	}
	return nil
}

func (s *ScheduleStore) query(ctx context.Context, query string) ([]schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []schedule.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

func scanSchedule(row pgx.Row) (schedule.Schedule, error) {
	var (
		name, timezone                                          string
		cronSchedule                                            pgtype.Text
		cronMax, period, cooldown, maxExpected, maxAllowed, avg pgtype.Float8
		blackouts                                               []byte
		lastStart, lastEnd, goodStart, goodEnd, owner, runNow   pgtype.Timestamptz
		kill                                                    bool
	)
	if err := row.Scan(
		&name, &timezone, &cronSchedule, &cronMax, &period,
		&cooldown, &blackouts, &maxExpected, &maxAllowed,
		&avg, &lastStart, &lastEnd, &goodStart, &goodEnd,
		&owner, &runNow, &kill,
	); err != nil {
		return schedule.Schedule{}, err
	}
	sched := schedule.Schedule{
		Name:                    name,
		Timezone:                timezone,
		CronSchedule:            cronSchedule.String,
		CronMaxScheduleDuration: seconds(cronMax),
		SchedulingPeriod:        seconds(period),
		CooldownDuration:        seconds(cooldown),
		MaxExpectedDuration:     seconds(maxExpected),
		MaxAllowedDuration:      seconds(maxAllowed),
		LastStartAt:             timestamp(lastStart),
		LastEndAt:               timestamp(lastEnd),
		LastGoodStartAt:         timestamp(goodStart),
		LastGoodEndAt:           timestamp(goodEnd),
		OwnerStartAt:            timestamp(owner),
		RunImmediately:          timestamp(runNow),
		KillImmediately:         kill,
	}
	if avg.Valid {
		d := seconds(avg)
		sched.AverageGoodDuration = &d
	}
	if len(blackouts) > 0 {
		if err := json.Unmarshal(blackouts, &sched.BlackoutPeriods); err != nil {
			return schedule.Schedule{}, fmt.Errorf("decode blackout_periods for %q: %w", name, err)
		}
	}
	return sched, nil
}

func leaseError(name, what string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == serializationFailure {
		return fmt.Errorf("%q: %s: %w", name, what, schedule.ErrLeaseConflict)
	}
	return fmt.Errorf("%s for %q: %w", what, name, err)
}

func seconds(v pgtype.Float8) time.Duration {
	if !v.Valid {
		return 0
	}
	return time.Duration(v.Float64 * float64(time.Second))
}

func timestamp(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullSeconds(d time.Duration) any {
	if d <= 0 {
		return nil
	}
	return d.Seconds()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilBlackouts(b []schedule.Blackout) []schedule.Blackout {
	if b == nil {
		return []schedule.Blackout{}
	}
	return b
}
