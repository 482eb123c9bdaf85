// Package schedule holds the persisted schedule record for each scraper and
// the pure functions that decide when a scraper may run next.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JakeFAU/fnscraper/internal/clock"
)

// DefaultSmoothingAlpha weights the newest run in average_good_duration.
const DefaultSmoothingAlpha = 0.2

var (
	// ErrNotFound is returned when no schedule row exists for a name.
	ErrNotFound = errors.New("schedule not found")
	// ErrLeaseConflict is returned when another owner holds the lease, the row is
	// no longer due, or the acquiring transaction lost a serialization race.
	ErrLeaseConflict = errors.New("schedule lease conflict")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid schedule")
)

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Blackout is a local time-of-day interval [Start, End) during which a run may not start.
// Start after End wraps across midnight.
type Blackout struct {
	Start clock.TimeOfDay
	End   clock.TimeOfDay
}

// ParseBlackout parses a ("HH:MM", "HH:MM") pair.
func ParseBlackout(start, end string) (Blackout, error) {
	s, err := clock.ParseTimeOfDay(start)
	if err != nil {
		return Blackout{}, err
	}
	e, err := clock.ParseTimeOfDay(end)
	if err != nil {
		return Blackout{}, err
	}
	return Blackout{Start: s, End: e}, nil
}

// Wraps reports whether the window crosses local midnight.
func (b Blackout) Wraps() bool {
	return b.Start.Minutes() > b.End.Minutes()
}

// MarshalJSON renders the window as ["HH:MM","HH:MM"].
func (b Blackout) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`[%q,%q]`, b.Start.String(), b.End.String())), nil
}

// UnmarshalJSON accepts ["HH:MM","HH:MM"].
func (b *Blackout) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("blackout must be a [start, end] pair: %w", err)
	}
	parsed, err := ParseBlackout(pair[0], pair[1])
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Schedule is one scraper's persisted scheduling state.
// Zero durations mean "unset"; nil timestamps mean "never".
type Schedule struct {
	Name     string
	Timezone string

	CronSchedule            string
	CronMaxScheduleDuration time.Duration
	SchedulingPeriod        time.Duration
	CooldownDuration        time.Duration
	BlackoutPeriods         []Blackout

	MaxExpectedDuration time.Duration
	MaxAllowedDuration  time.Duration
	AverageGoodDuration *time.Duration

	LastStartAt     *time.Time
	LastEndAt       *time.Time
	LastGoodStartAt *time.Time
	LastGoodEndAt   *time.Time
	OwnerStartAt    *time.Time
	RunImmediately  *time.Time
	KillImmediately bool
}

// Validate enforces the record invariants.
func (s Schedule) Validate() error {
	if !validName.MatchString(s.Name) {
		return fmt.Errorf("%w: name %q must be lower-case", ErrInvalid, s.Name)
	}
	if s.Timezone == "" {
		return fmt.Errorf("%w: timezone is required", ErrInvalid)
	}
	if _, err := clock.LoadZone(s.Timezone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	hasCron := s.CronSchedule != ""
	hasPeriod := s.SchedulingPeriod > 0
	switch {
	case hasCron == hasPeriod:
		return fmt.Errorf("%w: exactly one of cron_schedule and scheduling_period must be set", ErrInvalid)
	case hasCron:
		if _, err := ParseCron(s.CronSchedule); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if s.CronMaxScheduleDuration <= 0 {
			return fmt.Errorf("%w: cron_max_schedule_duration is required with cron_schedule", ErrInvalid)
		}
	default:
		if s.CronMaxScheduleDuration > 0 {
			return fmt.Errorf("%w: cron_max_schedule_duration requires cron_schedule", ErrInvalid)
		}
		if s.CooldownDuration <= 0 {
			return fmt.Errorf("%w: cooldown_duration is required with scheduling_period", ErrInvalid)
		}
	}
	for _, b := range s.BlackoutPeriods {
		if b.Start == b.End {
			return fmt.Errorf("%w: blackout %s-%s is empty", ErrInvalid, b.Start, b.End)
		}
	}
	if s.MaxAllowedDuration < 0 || s.MaxExpectedDuration < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if s.LastGoodStartAt != nil && s.LastGoodEndAt != nil && s.LastGoodEndAt.Before(*s.LastGoodStartAt) {
		return fmt.Errorf("%w: last_good_end_at precedes last_good_start_at", ErrInvalid)
	}
	return nil
}

// Running reports whether a lease is held.
func (s Schedule) Running() bool {
	return s.OwnerStartAt != nil
}

// LastRunFailed reports whether the most recent finished attempt was not a success.
func (s Schedule) LastRunFailed() bool {
	if s.LastEndAt == nil {
		return false
	}
	return s.LastGoodEndAt == nil || !s.LastGoodEndAt.Equal(*s.LastEndAt)
}

// Deadline returns owner_start_at + max_allowed_duration when both are set.
func (s Schedule) Deadline() (time.Time, bool) {
	if s.OwnerStartAt == nil || s.MaxAllowedDuration <= 0 {
		return time.Time{}, false
	}
	return s.OwnerStartAt.Add(s.MaxAllowedDuration), true
}

// ParseCron parses a five-field cron expression or descriptor such as "@hourly".
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// Outcome is the result of one finished attempt.
type Outcome struct {
	Start    time.Time
	End      time.Time
	ExitCode int
	TimedOut bool
	Killed   bool
}

// Success reports a zero exit inside the deadline.
func (o Outcome) Success() bool {
	return o.ExitCode == 0 && !o.TimedOut && !o.Killed
}

// Duration is the wall-clock length of the attempt.
func (o Outcome) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// SmoothDuration applies avg' = alpha*d + (1-alpha)*avg, or d when there is no prior average.
func SmoothDuration(prev *time.Duration, d time.Duration, alpha float64) time.Duration {
	if prev == nil {
		return d
	}
	return time.Duration(alpha*float64(d) + (1-alpha)*float64(*prev))
}

// Apply returns s updated for outcome o, mirroring what stores persist.
func (s Schedule) Apply(o Outcome, alpha float64) Schedule {
	end := o.End
	s.LastEndAt = &end
	s.OwnerStartAt = nil
	s.KillImmediately = false
	if o.Success() {
		start := o.Start
		s.LastGoodStartAt = &start
		s.LastGoodEndAt = &end
		avg := SmoothDuration(s.AverageGoodDuration, o.Duration(), alpha)
		s.AverageGoodDuration = &avg
	}
	return s
}

// Store persists schedules and arbitrates the run lease.
type Store interface {
	List(ctx context.Context) ([]Schedule, error)
	ListIdle(ctx context.Context) ([]Schedule, error)
	Get(ctx context.Context, name string) (Schedule, error)
	Upsert(ctx context.Context, s Schedule) error
	Delete(ctx context.Context, name string) error
	// AcquireLease re-reads the row inside one serializable transaction and, if it is
	// idle and still due, clears run_immediately and kill_immediately and sets
	// owner_start_at = last_start_at = now.
	AcquireLease(ctx context.Context, name string, now time.Time, due func(Schedule) bool) (Schedule, error)
	// RecordOutcome finishes the attempt that started at o.Start, releases the lease
	// and drops any kill request that arrived after the child exited.
	RecordOutcome(ctx context.Context, name string, o Outcome, alpha float64) error
	RequestRunNow(ctx context.Context, name string, at time.Time) error
	RequestKill(ctx context.Context, name string) error
	// TakeKill reads and clears kill_immediately.
	TakeKill(ctx context.Context, name string) (bool, error)
	// ClearRequests clears run_immediately and kill_immediately.
	ClearRequests(ctx context.Context, name string) error
	Close()
}
