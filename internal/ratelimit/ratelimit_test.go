package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMemoryLimiter(t *testing.T) *Limiter {
	t.Helper()
	l, err := New(Config{
		ConnectRate:          "2-M",
		ConnectMaxConcurrent: 2,
		MessageCapacity:      3,
		MessageWindow:        time.Minute,
	})
	require.NoError(t, err)
	return l
}

func TestAllowConnectWithinLimit(t *testing.T) {
	l := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := l.AllowConnect(ctx, "1.2.3.4")
		if !d.Allowed {
			t.Fatalf("attempt %d: expected allowed", i)
		}
	}
}

func TestAllowConnectExceedsLimit(t *testing.T) {
	l := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.AllowConnect(ctx, "1.2.3.4")
	}
	d := l.AllowConnect(ctx, "1.2.3.4")
	if d.Allowed {
		t.Fatal("expected third connect attempt to be denied")
	}
}

func TestAllowConnectDifferentAddressesIndependent(t *testing.T) {
	l := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.AllowConnect(ctx, "1.1.1.1")
	}
	d := l.AllowConnect(ctx, "2.2.2.2")
	if !d.Allowed {
		t.Fatal("expected a different address to have its own budget")
	}
}

func TestAcquireReleaseConcurrency(t *testing.T) {
	l := newMemoryLimiter(t)

	if !l.AcquireConcurrency("1.2.3.4") {
		t.Fatal("expected first acquisition to succeed")
	}
	if !l.AcquireConcurrency("1.2.3.4") {
		t.Fatal("expected second acquisition to succeed")
	}
	if l.AcquireConcurrency("1.2.3.4") {
		t.Fatal("expected third acquisition to fail at max concurrency 2")
	}

	l.ReleaseConcurrency("1.2.3.4")
	if !l.AcquireConcurrency("1.2.3.4") {
		t.Fatal("expected acquisition to succeed after a release")
	}
}

func TestAllowMessageTokenBucket(t *testing.T) {
	l := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.AllowMessage(ctx, "client-1")
		if !d.Allowed {
			t.Fatalf("message %d: expected allowed within capacity", i)
		}
	}
	d := l.AllowMessage(ctx, "client-1")
	if d.Allowed {
		t.Fatal("expected message beyond capacity to be denied")
	}
	if d.RetryAfter < 0 {
		t.Errorf("RetryAfter should not be negative, got %v", d.RetryAfter)
	}
}

func TestNewWithRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l, err := New(Config{
		ConnectRate:          "5-M",
		ConnectMaxConcurrent: 1,
		MessageCapacity:      5,
		MessageWindow:        time.Minute,
		RedisClient:          client,
	})
	require.NoError(t, err)

	d := l.AllowConnect(context.Background(), "1.2.3.4")
	require.True(t, d.Allowed, "expected first connect through redis-backed store to be allowed")
}

func TestNewInvalidRateFormat(t *testing.T) {
	_, err := New(Config{ConnectRate: "not-a-rate", MessageWindow: time.Minute})
	if err == nil {
		t.Fatal("expected error for invalid connect rate format")
	}
}
