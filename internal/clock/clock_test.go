package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	got, err := ParseTimeOfDay("23:50")
	require.NoError(t, err)
	require.Equal(t, TimeOfDay{Hour: 23, Minute: 50}, got)
	require.Equal(t, "23:50", got.String())
	require.Equal(t, 23*60+50, got.Minutes())

	for _, bad := range []string{"", "2350", "24:00", "12:60", "ab:cd", "1:2:3"} {
		_, err := ParseTimeOfDay(bad)
		require.Error(t, err, bad)
	}
}

func TestTimeOfDayOnUsesLocalDate(t *testing.T) {
	t.Parallel()

	loc, err := LoadZone("America/New_York")
	require.NoError(t, err)

	// 03:00 UTC on June 2 is still June 1 in New York.
	ref := time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC)
	got := TimeOfDay{Hour: 22, Minute: 15}.On(ref, loc)
	require.Equal(t, time.Date(2024, 6, 1, 22, 15, 0, 0, loc), got)
}

func TestLoadZone(t *testing.T) {
	t.Parallel()

	loc, err := LoadZone("")
	require.NoError(t, err)
	require.Equal(t, time.UTC, loc)

	_, err = LoadZone("Not/AZone")
	require.Error(t, err)
}
