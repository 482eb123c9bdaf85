package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", "2024-03-04 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func ptr(t time.Time) *time.Time { return &t }

var processStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestNextRunPeriodWaitsForPeriod(t *testing.T) {
	t.Parallel()

	s := Schedule{
		Name:             "periodic",
		Timezone:         "UTC",
		SchedulingPeriod: time.Hour,
		CooldownDuration: 15 * time.Minute,
		LastEndAt:        ptr(at("10:00:00")),
		LastGoodEndAt:    ptr(at("10:00:00")),
		LastGoodStartAt:  ptr(at("09:50:00")),
	}

	d, err := NextRun(s, at("10:30:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("11:00:00")), d)

	d, err = NextRun(s, at("11:05:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, RunAt(at("11:05:00")), d)
}

func TestNextRunNeverRunPeriodRunsNow(t *testing.T) {
	t.Parallel()

	s := Schedule{Name: "fresh", Timezone: "UTC", SchedulingPeriod: time.Hour, CooldownDuration: time.Minute}
	d, err := NextRun(s, at("08:00:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, RunAt(at("08:00:00")), d)
}

func TestNextRunCooldownAfterFailure(t *testing.T) {
	t.Parallel()

	s := Schedule{
		Name:             "flaky",
		Timezone:         "UTC",
		SchedulingPeriod: time.Hour,
		CooldownDuration: 15 * time.Minute,
		LastGoodEndAt:    ptr(at("08:00:00")),
		LastEndAt:        ptr(at("10:00:00")),
	}
	d, err := NextRun(s, at("10:10:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("10:15:00")), d)

	d, err = NextRun(s, at("10:16:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, RunAt(at("10:16:00")), d)
}

func TestNextRunCronWindow(t *testing.T) {
	t.Parallel()

	s := Schedule{
		Name:                    "hourly",
		Timezone:                "UTC",
		CronSchedule:            "0 * * * *",
		CronMaxScheduleDuration: 10 * time.Minute,
		LastEndAt:               ptr(at("10:00:00")),
		LastGoodEndAt:           ptr(at("10:00:00")),
	}

	d, err := NextRun(s, at("10:05:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, RunAt(at("10:05:00")), d)

	d, err = NextRun(s, at("10:15:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("11:00:00")), d)
}

func TestNextRunCronSkipsWindowsBeforeProcessStart(t *testing.T) {
	t.Parallel()

	s := Schedule{
		Name:                    "hourly",
		Timezone:                "UTC",
		CronSchedule:            "0 * * * *",
		CronMaxScheduleDuration: 10 * time.Minute,
	}
	d, err := NextRun(s, at("10:05:00"), at("10:03:00"))
	require.NoError(t, err)
	require.Equal(t, Blocked(at("11:00:00")), d)
}

func TestNextRunCronUsesScheduleZone(t *testing.T) {
	t.Parallel()

	// 06:00 EST on 2024-03-04 is 11:00 UTC.
	s := Schedule{
		Name:                    "morning",
		Timezone:                "America/New_York",
		CronSchedule:            "0 6 * * *",
		CronMaxScheduleDuration: 30 * time.Minute,
	}
	d, err := NextRun(s, at("09:00:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("11:00:00")), d)

	d, err = NextRun(s, at("11:10:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, RunAt(at("11:10:00")), d)
}

func TestNextRunRunImmediatelyHeldByBlackout(t *testing.T) {
	t.Parallel()

	b, err := ParseBlackout("23:50", "00:10")
	require.NoError(t, err)
	s := Schedule{
		Name:             "night",
		Timezone:         "UTC",
		SchedulingPeriod: time.Hour,
		CooldownDuration: time.Minute,
		BlackoutPeriods:  []Blackout{b},
		RunImmediately:   ptr(at("23:55:00")),
	}
	d, err := NextRun(s, at("23:55:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("23:55:00").Add(15*time.Minute)), d)
	require.Equal(t, "00:10", d.At.Format("15:04"))
}

func TestNextRunRunImmediatelyBypassesCooldown(t *testing.T) {
	t.Parallel()

	s := Schedule{
		Name:             "manual",
		Timezone:         "UTC",
		SchedulingPeriod: time.Hour,
		CooldownDuration: time.Hour,
		LastEndAt:        ptr(at("10:00:00")),
		RunImmediately:   ptr(at("10:01:00")),
	}
	d, err := NextRun(s, at("10:01:00"), processStart)
	require.NoError(t, err)
	require.True(t, d.Run)
}

func TestNextRunCronWindowOverlappingMidnightBlackout(t *testing.T) {
	t.Parallel()

	b, err := ParseBlackout("23:50", "00:10")
	require.NoError(t, err)
	s := Schedule{
		Name:                    "late",
		Timezone:                "UTC",
		CronSchedule:            "45 23 * * *",
		CronMaxScheduleDuration: 30 * time.Minute,
		BlackoutPeriods:         []Blackout{b},
	}
	// Window [23:45, 00:15) minus blackout [23:50, 00:10): still runnable at 23:47.
	d, err := NextRun(s, at("23:47:00"), processStart)
	require.NoError(t, err)
	require.True(t, d.Run)

	// Inside both: held to the blackout end, which is inside the window.
	d, err = NextRun(s, at("23:55:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("23:55:00").Add(15*time.Minute)), d)
}

func TestNextRunCronWindowSwallowedByBlackout(t *testing.T) {
	t.Parallel()

	b, err := ParseBlackout("23:00", "01:00")
	require.NoError(t, err)
	s := Schedule{
		Name:                    "swallowed",
		Timezone:                "UTC",
		CronSchedule:            "30 23,2 * * *",
		CronMaxScheduleDuration: 20 * time.Minute,
		BlackoutPeriods:         []Blackout{b},
	}
	// The 23:30 window lies entirely inside the blackout, so the next start is 02:30.
	d, err := NextRun(s, at("22:00:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("02:30:00").AddDate(0, 0, 1)), d)
}

func TestNextRunPeriodCandidateClampedByBlackout(t *testing.T) {
	t.Parallel()

	b, err := ParseBlackout("09:00", "17:00")
	require.NoError(t, err)
	s := Schedule{
		Name:             "office",
		Timezone:         "UTC",
		SchedulingPeriod: time.Hour,
		CooldownDuration: time.Minute,
		BlackoutPeriods:  []Blackout{b},
		LastEndAt:        ptr(at("08:30:00")),
		LastGoodEndAt:    ptr(at("08:30:00")),
	}
	d, err := NextRun(s, at("08:45:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("17:00:00")), d)
}

func TestNextRunOverduePeriodHeldByBlackout(t *testing.T) {
	t.Parallel()

	b, err := ParseBlackout("23:50", "00:10")
	require.NoError(t, err)
	s := Schedule{
		Name:             "overdue",
		Timezone:         "UTC",
		SchedulingPeriod: time.Hour,
		CooldownDuration: time.Minute,
		BlackoutPeriods:  []Blackout{b},
		LastEndAt:        ptr(at("08:00:00")),
		LastGoodEndAt:    ptr(at("08:00:00")),
	}
	d, err := NextRun(s, at("23:55:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("00:10:00").Add(24*time.Hour)), d)

	d, err = NextRun(s, at("23:40:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, RunAt(at("23:40:00")), d)
}

func TestNextRunExpiredCooldownHeldByBlackout(t *testing.T) {
	t.Parallel()

	b, err := ParseBlackout("12:00", "13:00")
	require.NoError(t, err)
	s := Schedule{
		Name:             "cooled",
		Timezone:         "UTC",
		SchedulingPeriod: time.Hour,
		CooldownDuration: 30 * time.Minute,
		BlackoutPeriods:  []Blackout{b},
		LastStartAt:      ptr(at("11:00:00")),
		LastEndAt:        ptr(at("11:10:00")),
		LastGoodEndAt:    ptr(at("06:00:00")),
	}
	d, err := NextRun(s, at("12:15:00"), processStart)
	require.NoError(t, err)
	require.Equal(t, Blocked(at("13:00:00")), d)
}

func TestNextRunAlwaysDecides(t *testing.T) {
	t.Parallel()

	b, err := ParseBlackout("22:00", "02:00")
	require.NoError(t, err)
	schedules := []Schedule{
		{Name: "a", Timezone: "Europe/London", SchedulingPeriod: 3 * time.Hour, CooldownDuration: time.Hour, BlackoutPeriods: []Blackout{b}},
		{Name: "b", Timezone: "Asia/Tokyo", CronSchedule: "*/15 * * * *", CronMaxScheduleDuration: 5 * time.Minute, BlackoutPeriods: []Blackout{b}},
	}
	for _, s := range schedules {
		for minute := 0; minute < 48*60; minute += 7 {
			now := processStart.Add(time.Duration(minute) * time.Minute)
			d, err := NextRun(s, now, processStart)
			require.NoError(t, err)
			if d.Run {
				require.Equal(t, now, d.At)
			} else {
				require.True(t, d.At.After(now), "%s at %v blocked until %v", s.Name, now, d.At)
			}
		}
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	s := Schedule{Name: "x", Timezone: "UTC", SchedulingPeriod: time.Hour, CooldownDuration: time.Minute}
	require.Equal(t, "due", Describe(s, at("10:00:00"), processStart))
	s.OwnerStartAt = ptr(at("09:59:00"))
	require.Contains(t, Describe(s, at("10:00:00"), processStart), "running since")
}
