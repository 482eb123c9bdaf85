package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/fnscraper/internal/clock"
)

var _ clock.Clock = (*Clock)(nil)

func TestNowIsCurrentUTCWallTime(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	after := time.Now().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "got %v", got)
	assert.True(t, got.Equal(got.Round(0)))
	assert.Equal(t, got.String(), got.Round(0).String(), "no monotonic reading")
}
