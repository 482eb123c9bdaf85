//go:build integration

package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisCounterIncr(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	counter := NewRedisCounterFromClient(client)
	t.Cleanup(func() { _ = counter.Close() })

	key := fmt.Sprintf("fnscraper-test-%d", time.Now().UnixNano())
	n, err := counter.Incr(ctx, key, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = counter.Incr(ctx, key, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	require.Positive(t, ttl)
}
