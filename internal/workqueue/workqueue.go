// Package workqueue is a durable fork-join work list stored in a local SQLite
// file. Items are enumerated once by a finder, persisted, and then marked done
// or failed as workers finish them, so a restarted scrape resumes where the
// previous process stopped.
package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/metrics"
)

// ErrUnknownRow is returned for row ids that are not part of this queue.
var ErrUnknownRow = errors.New("unknown work row")

const schema = `
CREATE TABLE IF NOT EXISTS work (
	row_id    INTEGER PRIMARY KEY,
	item_json TEXT NOT NULL,
	is_done   INT NOT NULL DEFAULT 0,
	failed    INT NOT NULL DEFAULT 0
)`

// seededVersion is stored in PRAGMA user_version once the finder's items are persisted.
const seededVersion = 1

// Finder enumerates the work for a fresh queue.
type Finder[T any] func(ctx context.Context) ([]T, error)

// State is the persisted state of one row.
type State struct {
	Done   bool
	Failed bool
}

// Options tunes partitioning.
type Options struct {
	// Parts and MyPart select rows with row_id % Parts == MyPart. Parts <= 1 takes everything.
	Parts  int
	MyPart int
	Logger *zap.Logger
}

type row struct {
	RowID    int64  `db:"row_id"`
	ItemJSON string `db:"item_json"`
	IsDone   bool   `db:"is_done"`
	Failed   bool   `db:"failed"`
}

type transition struct {
	rowID  int64
	failed bool
}

// Queue is safe for concurrent use.
type Queue[T any] struct {
	db     *sqlx.DB
	logger *zap.Logger

	mu       sync.Mutex
	items    map[int64]T
	pending  []int64
	terminal map[int64]bool
	dirty    []transition
	closed   bool
}

// Open creates the queue file on first use, seeding it from find, or reloads
// the unfinished rows of an existing file.
func Open[T any](ctx context.Context, path string, find Finder[T], opts Options) (*Queue[T], error) {
	if opts.Parts > 1 && (opts.MyPart < 0 || opts.MyPart >= opts.Parts) {
		return nil, fmt.Errorf("mypart %d out of range for %d parts", opts.MyPart, opts.Parts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open work queue %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	q := &Queue[T]{
		db:       db,
		logger:   logger.With(zap.String("work_queue", path)),
		items:    make(map[int64]T),
		terminal: make(map[int64]bool),
	}
	if err := q.init(ctx, find); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			q.logger.Warn("failed to close work queue after init error", zap.Error(closeErr))
		}
		return nil, err
	}
	if err := q.load(ctx, opts); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			q.logger.Warn("failed to close work queue after load error", zap.Error(closeErr))
		}
		return nil, err
	}
	return q, nil
}

func (q *Queue[T]) init(ctx context.Context, find Finder[T]) error {
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create work table: %w", err)
	}
	var version int
	if err := q.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read work queue version: %w", err)
	}
	if version >= seededVersion {
		return nil
	}
	if find == nil {
		return fmt.Errorf("work queue is empty and no finder was provided")
	}

	items, err := find(ctx)
	if err != nil {
		return fmt.Errorf("find work: %w", err)
	}
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for i, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode work item %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO work (item_json) VALUES (?)", string(payload)); err != nil {
			return fmt.Errorf("insert work item %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", seededVersion)); err != nil {
		return fmt.Errorf("mark work queue seeded: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed transaction: %w", err)
	}
	q.logger.Info("seeded work queue", zap.Int("items", len(items)))
	return nil
}

func (q *Queue[T]) load(ctx context.Context, opts Options) error {
	var rows []row
	if err := q.db.SelectContext(ctx, &rows, "SELECT row_id, item_json, is_done, failed FROM work ORDER BY row_id"); err != nil {
		return fmt.Errorf("load work rows: %w", err)
	}
	for _, r := range rows {
		if opts.Parts > 1 && int(r.RowID%int64(opts.Parts)) != opts.MyPart {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(r.ItemJSON), &item); err != nil {
			return fmt.Errorf("decode work row %d: %w", r.RowID, err)
		}
		q.items[r.RowID] = item
		if r.IsDone {
			q.terminal[r.RowID] = r.Failed
			continue
		}
		q.pending = append(q.pending, r.RowID)
	}
	rand.Shuffle(len(q.pending), func(i, j int) {
		q.pending[i], q.pending[j] = q.pending[j], q.pending[i]
	})
	q.logger.Debug("loaded work queue", zap.Int("pending", len(q.pending)), zap.Int("total", len(q.items)))
	return nil
}

// Remaining returns a snapshot of unfinished row ids in issue order.
func (q *Queue[T]) Remaining() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, len(q.pending))
	for _, id := range q.pending {
		if _, done := q.terminal[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

// Detail returns the original payload for a row.
func (q *Queue[T]) Detail(rowID int64) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[rowID]
	if !ok {
		var zero T
		return zero, fmt.Errorf("row %d: %w", rowID, ErrUnknownRow)
	}
	return item, nil
}

// Complete marks a row done. Repeating a terminal transition is a no-op.
func (q *Queue[T]) Complete(rowID int64) error {
	return q.finish(rowID, false)
}

// Fail marks a row done and failed. Repeating a terminal transition is a no-op.
func (q *Queue[T]) Fail(rowID int64) error {
	return q.finish(rowID, true)
}

func (q *Queue[T]) finish(rowID int64, failed bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[rowID]; !ok {
		return fmt.Errorf("row %d: %w", rowID, ErrUnknownRow)
	}
	if _, done := q.terminal[rowID]; done {
		return nil
	}
	q.terminal[rowID] = failed
	q.dirty = append(q.dirty, transition{rowID: rowID, failed: failed})
	if failed {
		metrics.ObserveWorkItem("failed")
	} else {
		metrics.ObserveWorkItem("done")
	}
	return nil
}

// Flush writes pending transitions to disk.
func (q *Queue[T]) Flush(ctx context.Context) error {
	q.mu.Lock()
	batch := q.dirty
	q.dirty = nil
	q.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := q.write(ctx, batch); err != nil {
		q.mu.Lock()
		q.dirty = append(batch, q.dirty...)
		q.mu.Unlock()
		return err
	}
	return nil
}

func (q *Queue[T]) write(ctx context.Context, batch []transition) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, t := range batch {
		if _, err := tx.ExecContext(ctx,
			"UPDATE work SET is_done = 1, failed = ? WHERE row_id = ? AND is_done = 0",
			t.failed, t.rowID,
		); err != nil {
			return fmt.Errorf("flush row %d: %w", t.rowID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

// States reads the persisted state of every row, including other partitions.
func (q *Queue[T]) States(ctx context.Context) (map[int64]State, error) {
	var rows []row
	if err := q.db.SelectContext(ctx, &rows, "SELECT row_id, item_json, is_done, failed FROM work"); err != nil {
		return nil, fmt.Errorf("read work states: %w", err)
	}
	out := make(map[int64]State, len(rows))
	for _, r := range rows {
		out[r.RowID] = State{Done: r.IsDone, Failed: r.Failed}
	}
	return out, nil
}

// Close flushes pending transitions and closes the file.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	flushErr := q.Flush(context.Background())
	if err := q.db.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("close work queue: %w", err))
	}
	return flushErr
}
