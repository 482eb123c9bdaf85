package scraper

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/dispatcher"
	"github.com/JakeFAU/fnscraper/internal/metrics"
	"github.com/JakeFAU/fnscraper/internal/store"
)

// Item outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeSkipped  = "skipped"
	OutcomeExpected = "expected_error"
	OutcomeFailed   = "failed"
)

// Keys identify an item in logs and against expected errors.
type Keys struct {
	Session    string
	ExternalID string
	URL        string
}

func (k Keys) fields() []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if k.Session != "" {
		fields = append(fields, zap.String("session", k.Session))
	}
	if k.ExternalID != "" {
		fields = append(fields, zap.String("external_id", k.ExternalID))
	}
	if k.URL != "" {
		fields = append(fields, zap.String("url", k.URL))
	}
	return fields
}

// Task is one unit of a scrape.
type Task struct {
	Keys Keys
	Run  func(ctx context.Context) error
}

// Tasks is a stream of work. A yielded error ends the stream and fails the scrape.
type Tasks = iter.Seq2[Task, error]

// Summary tallies item outcomes for a run.
type Summary struct {
	OK       int64 `json:"ok"`
	Skipped  int64 `json:"skipped"`
	Expected int64 `json:"expected"`
	Failed   int64 `json:"failed"`
}

// Total is the number of items seen.
func (s Summary) Total() int64 { return s.OK + s.Skipped + s.Expected + s.Failed }

// Counts converts the summary for run history.
func (s Summary) Counts() store.ItemCounts {
	return store.ItemCounts{
		Total:     s.Total(),
		Succeeded: s.OK,
		Skipped:   s.Skipped,
		Expected:  s.Expected,
		Failed:    s.Failed,
	}
}

// Items wraps every item of a scrape: it recovers panics, classifies
// errors, logs each outcome and keeps the tally. Safe for concurrent use.
type Items struct {
	logger   *zap.Logger
	expected []ExpectedError

	mu      sync.Mutex
	summary Summary
	fatal   error
	stop    context.CancelFunc
}

// NewItems builds the wrapper for one scrape.
func NewItems(logger *zap.Logger, expected []ExpectedError) *Items {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Items{logger: logger, expected: expected}
}

// Bind returns a context cancelled when an item reports a FatalError.
func (it *Items) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	it.mu.Lock()
	it.stop = cancel
	it.mu.Unlock()
	return ctx, cancel
}

// Do runs fn as one item. It returns nil for ok, skipped and expected
// outcomes, the error for a failure, and a *FatalError unchanged.
func (it *Items) Do(ctx context.Context, keys Keys, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			it.logger.Error("unhandled error in item",
				append(keys.fields(), zap.Any("panic", r), zap.Stack("stack"))...)
			it.record(OutcomeFailed)
		}
	}()

	err = fn(ctx)
	switch outcome, reason := it.classify(keys, err); outcome {
	case OutcomeOK:
		it.record(OutcomeOK)
		return nil
	case OutcomeSkipped:
		it.logger.Info("item skipped", append(keys.fields(), zap.String("outcome", OutcomeSkipped))...)
		it.record(OutcomeSkipped)
		return nil
	case OutcomeExpected:
		it.logger.Info("item failed as expected", append(keys.fields(),
			zap.String("outcome", OutcomeExpected),
			zap.String("reason", reason),
			zap.Error(err),
		)...)
		it.record(OutcomeExpected)
		return nil
	default:
		var fatal *FatalError
		if errors.As(err, &fatal) {
			it.logger.Error("fatal item error", append(keys.fields(), zap.Error(err))...)
			it.record(OutcomeFailed)
			it.setFatal(err)
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			// interrupted, not failed; the item stays pending
			return err
		}
		it.logger.Error("item failed", append(keys.fields(), zap.Error(err), zap.Stack("stack"))...)
		it.record(OutcomeFailed)
		return err
	}
}

func (it *Items) classify(keys Keys, err error) (string, string) {
	if err == nil {
		return OutcomeOK, ""
	}
	if errors.Is(err, ErrSkipped) {
		return OutcomeSkipped, ""
	}
	var expected *ExpectedError
	if errors.As(err, &expected) {
		return OutcomeExpected, expected.Reason
	}
	for _, e := range it.expected {
		if e.matches(keys) {
			return OutcomeExpected, e.Reason
		}
	}
	return OutcomeFailed, ""
}

func (it *Items) record(outcome string) {
	metrics.ObserveItem(outcome)
	it.mu.Lock()
	defer it.mu.Unlock()
	switch outcome {
	case OutcomeOK:
		it.summary.OK++
	case OutcomeSkipped:
		it.summary.Skipped++
	case OutcomeExpected:
		it.summary.Expected++
	default:
		it.summary.Failed++
	}
}

func (it *Items) setFatal(err error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.fatal == nil {
		it.fatal = err
	}
	if it.stop != nil {
		it.stop()
	}
}

// Fatal returns the first FatalError seen, if any.
func (it *Items) Fatal() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.fatal
}

// Summary returns the current tally.
func (it *Items) Summary() Summary {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.summary
}

// Consume runs every task of a stream in order. It stops at the first stream
// error, FatalError or cancellation; item failures do not stop it.
func (it *Items) Consume(ctx context.Context, tasks Tasks) error {
	for task, err := range tasks {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := it.Do(ctx, task.Keys, task.Run); err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return err
			}
		}
	}
	return ctx.Err()
}

// Handler adapts a per-item function for a work queue dispatcher, applying
// the same wrapper. Skipped and expected items complete their rows.
func Handler[T any](it *Items, keys func(T) Keys, fn func(ctx context.Context, item T) error) dispatcher.Handler[T] {
	return func(ctx context.Context, item T) error {
		return it.Do(ctx, keys(item), func(ctx context.Context) error {
			return fn(ctx, item)
		})
	}
}
