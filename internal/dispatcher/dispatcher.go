// Package dispatcher fans work queue items out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultFlushInterval bounds how much progress a crash can lose.
const DefaultFlushInterval = 60 * time.Second

// Source is the durable work list a Dispatcher drains.
type Source[T any] interface {
	Remaining() []int64
	Detail(rowID int64) (T, error)
	Complete(rowID int64) error
	Fail(rowID int64) error
	Flush(ctx context.Context) error
}

// Handler processes one item. A returned error or a panic marks the item failed.
type Handler[T any] func(ctx context.Context, item T) error

// Config tunes a Dispatcher.
type Config struct {
	Workers       int
	FlushInterval time.Duration
}

// Stats summarizes one Run.
type Stats struct {
	Completed int
	Failed    int
	// Remaining counts items left unissued or undone when the run stopped.
	Remaining int
}

type result int

const (
	resultDone result = iota
	resultFailed
	// resultAbandoned leaves the row pending for the next run.
	resultAbandoned
)

type job[T any] struct {
	rowID int64
	item  T
}

// Dispatcher feeds queue rows to workers through a channel with one slot per worker.
type Dispatcher[T any] struct {
	source Source[T]
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New[T any](source Source[T], cfg Config, logger *zap.Logger) *Dispatcher[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[T]{source: source, cfg: cfg, logger: logger}
}

// Run issues every remaining row and blocks until they finish or ctx is
// cancelled. On cancellation, buffered but unstarted rows stay pending.
func (d *Dispatcher[T]) Run(ctx context.Context, handle Handler[T]) (Stats, error) {
	if handle == nil {
		return Stats{}, errors.New("dispatcher: nil handler")
	}
	jobs := make(chan job[T], d.cfg.Workers)
	var (
		mu    sync.Mutex
		stats Stats
		wg    sync.WaitGroup
	)
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res := d.handle(ctx, handle, j)
				mu.Lock()
				switch res {
				case resultFailed:
					stats.Failed++
				case resultDone:
					stats.Completed++
				}
				mu.Unlock()
			}
		}()
	}

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	var detailErrs []error
	remaining := d.source.Remaining()
feed:
	for _, rowID := range remaining {
		if ctx.Err() != nil {
			break
		}
		item, err := d.source.Detail(rowID)
		if err != nil {
			detailErrs = append(detailErrs, err)
			continue
		}
		for {
			select {
			case jobs <- job[T]{rowID: rowID, item: item}:
				continue feed
			case <-ticker.C:
				d.flush(ctx)
			case <-ctx.Done():
				break feed
			}
		}
	}

	if ctx.Err() != nil {
		drained := 0
	drain:
		for {
			select {
			case <-jobs:
				drained++
			default:
				break drain
			}
		}
		if drained > 0 {
			d.logger.Info("stop requested; left buffered items pending", zap.Int("items", drained))
		}
	}
	close(jobs)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			d.flush(ctx)
		}
	}

	flushErr := d.source.Flush(context.WithoutCancel(ctx))
	stats.Remaining = len(d.source.Remaining())
	return stats, errors.Join(append(detailErrs, flushErr)...)
}

func (d *Dispatcher[T]) handle(ctx context.Context, handle Handler[T], j job[T]) (res result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("work item panicked",
				zap.Int64("row_id", j.rowID),
				zap.Any("item", j.item),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = resultFailed
			d.mark(j.rowID, true)
		}
	}()

	if err := handle(ctx, j.item); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			d.logger.Info("work item interrupted by stop", zap.Int64("row_id", j.rowID))
			return resultAbandoned
		}
		d.logger.Error("work item failed",
			zap.Int64("row_id", j.rowID),
			zap.Any("item", j.item),
			zap.Error(err),
		)
		d.mark(j.rowID, true)
		return resultFailed
	}
	d.mark(j.rowID, false)
	return resultDone
}

func (d *Dispatcher[T]) mark(rowID int64, failed bool) {
	var err error
	if failed {
		err = d.source.Fail(rowID)
	} else {
		err = d.source.Complete(rowID)
	}
	if err != nil {
		d.logger.Warn("failed to record work item state", zap.Int64("row_id", rowID), zap.Error(fmt.Errorf("mark: %w", err)))
	}
}

func (d *Dispatcher[T]) flush(ctx context.Context) {
	if err := d.source.Flush(ctx); err != nil {
		d.logger.Warn("periodic work queue flush failed", zap.Error(err))
	}
}
