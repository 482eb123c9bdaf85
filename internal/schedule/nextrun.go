package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JakeFAU/fnscraper/internal/clock"
)

// maxWindowScan bounds the search for a cron window not swallowed by blackouts.
const maxWindowScan = 1024

// Decision is the result of NextRun: either run at At (Run is true) or stay blocked until At.
type Decision struct {
	Run bool
	At  time.Time
}

// RunAt is a decision to start at t.
func RunAt(t time.Time) Decision { return Decision{Run: true, At: t} }

// Blocked is a decision to wait until t.
func Blocked(t time.Time) Decision { return Decision{At: t} }

func (d Decision) String() string {
	if d.Run {
		return "RunAt(" + d.At.Format(time.RFC3339) + ")"
	}
	return "Blocked(" + d.At.Format(time.RFC3339) + ")"
}

// NextRun decides whether s may start at t. processStart is when the deciding
// scheduler process started; cron schedules never fire for windows that opened
// before it.
//
// Blackout windows are local wall-clock times in the schedule's zone and are
// DST-naive: on transition days a window keeps its wall-clock bounds, so it may
// be an hour longer or shorter in absolute time.
func NextRun(s Schedule, t, processStart time.Time) (Decision, error) {
	loc, err := clock.LoadZone(s.Timezone)
	if err != nil {
		return Decision{}, err
	}
	t = t.UTC()

	if s.RunImmediately != nil {
		return settle(clampBlackouts(t, s.BlackoutPeriods, loc), t), nil
	}

	if s.LastRunFailed() && s.CooldownDuration > 0 {
		until := s.LastEndAt.Add(s.CooldownDuration)
		if t.Before(until) {
			return Blocked(until), nil
		}
	}

	if s.CronSchedule != "" {
		sched, err := ParseCron(s.CronSchedule)
		if err != nil {
			return Decision{}, err
		}
		candidate, err := nextCronCandidate(s, sched, t, processStart, loc)
		if err != nil {
			return Decision{}, err
		}
		return settle(candidate, t), nil
	}

	candidate := t
	if s.LastGoodEndAt != nil {
		candidate = s.LastGoodEndAt.Add(s.SchedulingPeriod)
	}
	// An overdue run starts now, so now is what the blackouts must admit.
	if candidate.Before(t) {
		candidate = t
	}
	return settle(clampBlackouts(candidate, s.BlackoutPeriods, loc), t), nil
}

func settle(candidate, t time.Time) Decision {
	if !candidate.After(t) {
		return RunAt(t)
	}
	return Blocked(candidate.UTC())
}

func nextCronCandidate(s Schedule, sched cron.Schedule, t, processStart time.Time, loc *time.Location) (time.Time, error) {
	window := s.CronMaxScheduleDuration
	baseline := latest(processStart, s.LastGoodEndAt, s.LastEndAt)
	// Windows that closed before t cannot matter.
	if from := t.Add(-window); from.After(baseline) {
		baseline = from
	}
	fire := firstFireAtOrAfter(sched, baseline, loc)
	for i := 0; i < maxWindowScan; i++ {
		if fire.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q has no upcoming fire time", s.CronSchedule)
		}
		closes := fire.Add(window)
		if !t.Before(closes) {
			fire = sched.Next(fire)
			continue
		}
		candidate := fire
		if !t.Before(fire) {
			candidate = t
		}
		candidate = clampBlackouts(candidate, s.BlackoutPeriods, loc)
		if candidate.Before(closes) {
			return candidate, nil
		}
		fire = sched.Next(fire)
	}
	return time.Time{}, fmt.Errorf("cron %q: every window within %d fires is blacked out", s.CronSchedule, maxWindowScan)
}

// firstFireAtOrAfter returns the earliest fire time >= from. Fires have second precision.
func firstFireAtOrAfter(sched cron.Schedule, from time.Time, loc *time.Location) time.Time {
	c := from.Truncate(time.Second)
	if c.Before(from) {
		c = c.Add(time.Second)
	}
	next := sched.Next(c.Add(-time.Second).In(loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

func latest(base time.Time, others ...*time.Time) time.Time {
	out := base
	for _, o := range others {
		if o != nil && o.After(out) {
			out = *o
		}
	}
	return out
}

// clampBlackouts advances t to the end of any blackout window containing it,
// repeating while the new instant lands in another window.
func clampBlackouts(t time.Time, windows []Blackout, loc *time.Location) time.Time {
	if len(windows) == 0 {
		return t
	}
	for i := 0; i <= 2*len(windows)+1; i++ {
		moved := false
		for _, w := range windows {
			if end, ok := w.containing(t, loc); ok {
				t = end.UTC()
				moved = true
			}
		}
		if !moved {
			return t
		}
	}
	return t
}

// containing returns the end of the occurrence of w that contains t.
func (b Blackout) containing(t time.Time, loc *time.Location) (time.Time, bool) {
	start := b.Start.On(t, loc)
	end := b.End.On(t, loc)
	if !b.Wraps() {
		if !t.Before(start) && t.Before(end) {
			return end, true
		}
		return time.Time{}, false
	}
	// Wrapping window: the evening part [start, midnight) ends tomorrow,
	// the morning part [midnight, end) ends today.
	if !t.Before(start) {
		return b.End.On(t.In(loc).AddDate(0, 0, 1), loc), true
	}
	if t.Before(end) {
		return end, true
	}
	return time.Time{}, false
}

// Describe summarises where a schedule stands at t for status displays.
func Describe(s Schedule, t, processStart time.Time) string {
	if s.Running() {
		return "running since " + s.OwnerStartAt.UTC().Format(time.RFC3339)
	}
	d, err := NextRun(s, t, processStart)
	if err != nil {
		return "error: " + err.Error()
	}
	if d.Run {
		return "due"
	}
	return "blocked until " + d.At.Format(time.RFC3339)
}
