package schedule

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPeriodic() Schedule {
	return Schedule{
		Name:             "us_federal_register",
		Timezone:         "America/New_York",
		SchedulingPeriod: 6 * time.Hour,
		CooldownDuration: 30 * time.Minute,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validPeriodic().Validate())

	cronSched := Schedule{
		Name:                    "uk_parliament_bills",
		Timezone:                "Europe/London",
		CronSchedule:            "0 6 * * 1-5",
		CronMaxScheduleDuration: time.Hour,
	}
	require.NoError(t, cronSched.Validate())

	cases := map[string]func(*Schedule){
		"upper case name":       func(s *Schedule) { s.Name = "Bad" },
		"missing zone":          func(s *Schedule) { s.Timezone = "" },
		"unknown zone":          func(s *Schedule) { s.Timezone = "Mars/Olympus" },
		"both cron and period":  func(s *Schedule) { s.CronSchedule = "@hourly"; s.CronMaxScheduleDuration = time.Minute },
		"missing cooldown":      func(s *Schedule) { s.CooldownDuration = 0 },
		"cron duration no cron": func(s *Schedule) { s.CronMaxScheduleDuration = time.Minute },
		"empty blackout":        func(s *Schedule) { s.BlackoutPeriods = []Blackout{{}} },
		"good end before start": func(s *Schedule) {
			start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
			end := start.Add(-time.Minute)
			s.LastGoodStartAt, s.LastGoodEndAt = &start, &end
		},
	}
	for name, mutate := range cases {
		s := validPeriodic()
		mutate(&s)
		err := s.Validate()
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrInvalid), name)
	}

	noDuration := cronSched
	noDuration.CronMaxScheduleDuration = 0
	require.ErrorIs(t, noDuration.Validate(), ErrInvalid)

	badCron := cronSched
	badCron.CronSchedule = "not a cron"
	require.ErrorIs(t, badCron.Validate(), ErrInvalid)
}

func TestSmoothDuration(t *testing.T) {
	t.Parallel()

	prev := 100 * time.Second
	require.Equal(t, 104*time.Second, SmoothDuration(&prev, 120*time.Second, DefaultSmoothingAlpha))
	require.Equal(t, 120*time.Second, SmoothDuration(nil, 120*time.Second, DefaultSmoothingAlpha))
}

func TestApplySuccessUpdatesGoodFields(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-120 * time.Second)
	prev := 100 * time.Second
	s := validPeriodic()
	s.OwnerStartAt = &start
	s.AverageGoodDuration = &prev

	got := s.Apply(Outcome{Start: start, End: now}, DefaultSmoothingAlpha)
	require.Nil(t, got.OwnerStartAt)
	require.Equal(t, now, *got.LastEndAt)
	require.Equal(t, start, *got.LastGoodStartAt)
	require.Equal(t, now, *got.LastGoodEndAt)
	require.Equal(t, 104*time.Second, *got.AverageGoodDuration)
	require.False(t, got.LastRunFailed())
}

func TestApplyFailureKeepsGoodFields(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Minute)
	s := validPeriodic()
	s.OwnerStartAt = &start
	s.KillImmediately = true

	for _, o := range []Outcome{
		{Start: start, End: now, ExitCode: 1},
		{Start: start, End: now, TimedOut: true},
		{Start: start, End: now, Killed: true},
	} {
		got := s.Apply(o, DefaultSmoothingAlpha)
		require.Nil(t, got.OwnerStartAt)
		require.Nil(t, got.LastGoodEndAt)
		require.Nil(t, got.AverageGoodDuration)
		require.True(t, got.LastRunFailed())
		require.False(t, got.KillImmediately)
	}
}

func TestDeadline(t *testing.T) {
	t.Parallel()

	s := validPeriodic()
	_, ok := s.Deadline()
	require.False(t, ok)

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.OwnerStartAt = &start
	s.MaxAllowedDuration = time.Hour
	deadline, ok := s.Deadline()
	require.True(t, ok)
	require.Equal(t, start.Add(time.Hour), deadline)
}

func TestBlackoutJSON(t *testing.T) {
	t.Parallel()

	var got []Blackout
	require.NoError(t, json.Unmarshal([]byte(`[["23:50","00:10"],["12:00","13:00"]]`), &got))
	require.Len(t, got, 2)
	require.True(t, got[0].Wraps())
	require.False(t, got[1].Wraps())

	out, err := json.Marshal(got)
	require.NoError(t, err)
	require.JSONEq(t, `[["23:50","00:10"],["12:00","13:00"]]`, string(out))

	require.Error(t, json.Unmarshal([]byte(`[["25:00","00:10"]]`), &got))
}
