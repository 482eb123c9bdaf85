package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/fnscraper/internal/schedule"
)

// ScheduleStore is an in-memory schedule.Store for development and tests.
// A single mutex stands in for serializable transactions.
type ScheduleStore struct {
	mu   sync.Mutex
	rows map[string]schedule.Schedule
}

// NewScheduleStore constructs an empty ScheduleStore.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{rows: make(map[string]schedule.Schedule)}
}

// List returns every row ordered by name.
func (s *ScheduleStore) List(_ context.Context) ([]schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(schedule.Schedule) bool { return true }), nil
}

// ListIdle returns rows without a lease.
func (s *ScheduleStore) ListIdle(_ context.Context) ([]schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(row schedule.Schedule) bool { return row.OwnerStartAt == nil }), nil
}

// Get returns one row.
func (s *ScheduleStore) Get(_ context.Context, name string) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[name]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%q: %w", name, schedule.ErrNotFound)
	}
	return clone(row), nil
}

// Upsert creates or replaces the configuration of a row, preserving its run history.
func (s *ScheduleStore) Upsert(_ context.Context, row schedule.Schedule) error {
	if err := row.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[row.Name]; ok {
		row.AverageGoodDuration = existing.AverageGoodDuration
		row.LastStartAt = existing.LastStartAt
		row.LastEndAt = existing.LastEndAt
		row.LastGoodStartAt = existing.LastGoodStartAt
		row.LastGoodEndAt = existing.LastGoodEndAt
		row.OwnerStartAt = existing.OwnerStartAt
		row.RunImmediately = existing.RunImmediately
		row.KillImmediately = existing.KillImmediately
	}
	s.rows[row.Name] = clone(row)
	return nil
}

// Put stores a row verbatim, including run history. Tests use it to seed state.
func (s *ScheduleStore) Put(row schedule.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.Name] = clone(row)
}

// Delete removes a row.
func (s *ScheduleStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[name]; !ok {
		return fmt.Errorf("%q: %w", name, schedule.ErrNotFound)
	}
	delete(s.rows, name)
	return nil
}

// AcquireLease takes the lease when the row is idle and due.
func (s *ScheduleStore) AcquireLease(
	_ context.Context,
	name string,
	now time.Time,
	due func(schedule.Schedule) bool,
) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[name]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%q: %w", name, schedule.ErrNotFound)
	}
	if row.OwnerStartAt != nil || (due != nil && !due(clone(row))) {
		return schedule.Schedule{}, fmt.Errorf("%q: %w", name, schedule.ErrLeaseConflict)
	}
	start := now.UTC()
	row.RunImmediately = nil
	row.KillImmediately = false
	row.OwnerStartAt = &start
	row.LastStartAt = &start
	s.rows[name] = row
	return clone(row), nil
}

// RecordOutcome applies the outcome if the lease from o.Start is still held.
func (s *ScheduleStore) RecordOutcome(_ context.Context, name string, o schedule.Outcome, alpha float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, schedule.ErrNotFound)
	}
	if row.OwnerStartAt == nil || !row.OwnerStartAt.Equal(o.Start) {
		return fmt.Errorf("%q: outcome for a lease that is not held: %w", name, schedule.ErrLeaseConflict)
	}
	o.End = o.End.UTC()
	o.Start = o.Start.UTC()
	s.rows[name] = row.Apply(o, alpha)
	return nil
}

// RequestRunNow sets run_immediately.
func (s *ScheduleStore) RequestRunNow(_ context.Context, name string, at time.Time) error {
	return s.mutate(name, func(row *schedule.Schedule) {
		t := at.UTC()
		row.RunImmediately = &t
	})
}

// RequestKill sets kill_immediately.
func (s *ScheduleStore) RequestKill(_ context.Context, name string) error {
	return s.mutate(name, func(row *schedule.Schedule) { row.KillImmediately = true })
}

// TakeKill reads and clears kill_immediately.
func (s *ScheduleStore) TakeKill(_ context.Context, name string) (bool, error) {
	var was bool
	err := s.mutate(name, func(row *schedule.Schedule) {
		was = row.KillImmediately
		row.KillImmediately = false
	})
	return was, err
}

// ClearRequests clears both request flags.
func (s *ScheduleStore) ClearRequests(_ context.Context, name string) error {
	return s.mutate(name, func(row *schedule.Schedule) {
		row.RunImmediately = nil
		row.KillImmediately = false
	})
}

// Close is a no-op.
func (s *ScheduleStore) Close() {}

func (s *ScheduleStore) mutate(name string, fn func(*schedule.Schedule)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, schedule.ErrNotFound)
	}
	fn(&row)
	s.rows[name] = row
	return nil
}

func (s *ScheduleStore) sorted(keep func(schedule.Schedule) bool) []schedule.Schedule {
	out := make([]schedule.Schedule, 0, len(s.rows))
	for _, row := range s.rows {
		if keep(row) {
			out = append(out, clone(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func clone(row schedule.Schedule) schedule.Schedule {
	row.BlackoutPeriods = append([]schedule.Blackout(nil), row.BlackoutPeriods...)
	return row
}
