package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestAllCombinesDecisions(t *testing.T) {
	t.Parallel()

	p := All(MaxAttempts(3), Only(func(err error) bool { return errors.Is(err, errFlaky) }), Exponential(time.Second, time.Minute, 2))

	d := p(Attempt{N: 1, Err: errFlaky})
	assert.False(t, d.GiveUp)
	assert.GreaterOrEqual(t, d.Sleep, 500*time.Millisecond)
	assert.LessOrEqual(t, d.Sleep, time.Second)

	assert.True(t, p(Attempt{N: 3, Err: errFlaky}).GiveUp)
	assert.True(t, p(Attempt{N: 1, Err: errors.New("other")}).GiveUp)
}

func TestMaxElapsed(t *testing.T) {
	t.Parallel()

	p := MaxElapsed(30 * time.Minute)
	assert.False(t, p(Attempt{N: 10, Elapsed: 29 * time.Minute}).GiveUp)
	assert.True(t, p(Attempt{N: 10, Elapsed: 30 * time.Minute}).GiveUp)
}

func TestExponentialIntervalCaps(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, ExponentialInterval(1, time.Second, time.Minute, 2, false))
	assert.Equal(t, 8*time.Second, ExponentialInterval(4, time.Second, time.Minute, 2, false))
	assert.Equal(t, time.Minute, ExponentialInterval(40, time.Second, time.Minute, 2, false))
	assert.Equal(t, time.Minute, ExponentialInterval(5000, time.Second, time.Minute, 2, false))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), All(MaxAttempts(5), Exponential(time.Millisecond, 2*time.Millisecond, 2)), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoGivesUpAndWraps(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), MaxAttempts(2), func(context.Context) error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 2, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), MaxAttempts(10), func(context.Context) error {
		calls++
		return Permanent(fmt.Errorf("bad request: %w", errFlaky))
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Exponential(time.Hour, time.Hour, 2), func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestIsNetworkError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsNetworkError(io.ErrUnexpectedEOF))
	assert.True(t, IsNetworkError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.False(t, IsNetworkError(context.Canceled))
	assert.False(t, IsNetworkError(errFlaky))
	assert.False(t, IsNetworkError(nil))
}
