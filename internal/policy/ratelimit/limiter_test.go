package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()
	l := New(Config{
		DefaultRPS:   10, // 10 requests per second = 100ms interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	// Consume initial token
	require.NoError(t, l.Wait(ctx, "https://test.com"))

	// Next one should wait ~100ms
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/next"))
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentDomains(t *testing.T) {
	t.Parallel()
	l := New(Config{
		DefaultRPS:   1, // 1 RPS = 1s interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))

	// Domain B should not be blocked by A
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("domain B blocked unexpectedly")
	}
}

func TestLimiter_HostOverrideAndCancel(t *testing.T) {
	t.Parallel()
	l := New(Config{DefaultRPS: 100, DefaultBurst: 1, HostRPS: map[string]float64{"Slow.gov": 0.001}})

	require.NoError(t, l.Wait(context.Background(), "https://slow.gov/a"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.gov/b"))
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (f *fakeCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], nil
}

func TestRemoteLimiterWaitsForNextWindow(t *testing.T) {
	t.Parallel()
	counter := &fakeCounter{}
	l, err := NewRemoteLimiter(counter, RemoteConfig{Limit: 1, Window: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://www.congress.gov/a"))
	require.NoError(t, l.Wait(ctx, "https://www.congress.gov/b"))

	counter.mu.Lock()
	defer counter.mu.Unlock()
	windows := 0
	for key := range counter.counts {
		require.True(t, strings.HasPrefix(key, "fnscraper:ratelimit:www.congress.gov:"))
		windows++
	}
	require.GreaterOrEqual(t, windows, 2)
}

func TestRemoteLimiterFailOpen(t *testing.T) {
	t.Parallel()
	down := &fakeCounter{err: errors.New("connection refused")}

	closed, err := NewRemoteLimiter(down, RemoteConfig{Limit: 1, Window: time.Second}, nil)
	require.NoError(t, err)
	require.Error(t, closed.Wait(context.Background(), "https://example.com"))

	open, err := NewRemoteLimiter(down, RemoteConfig{Limit: 1, Window: time.Second, FailOpen: true}, nil)
	require.NoError(t, err)
	require.NoError(t, open.Wait(context.Background(), "https://example.com"))
}

func TestChain(t *testing.T) {
	t.Parallel()
	counter := &fakeCounter{}
	remote, err := NewRemoteLimiter(counter, RemoteConfig{Limit: 10, Window: time.Second}, nil)
	require.NoError(t, err)

	chain := Chain{New(Config{}), nil, remote}
	require.NoError(t, chain.Wait(context.Background(), "https://example.com"))
	require.Len(t, counter.counts, 1)
}

func TestHost(t *testing.T) {
	t.Parallel()
	require.Equal(t, "example.com", Host("https://Example.com:8443/x"))
	require.Equal(t, "unknown", Host("::"))
}
