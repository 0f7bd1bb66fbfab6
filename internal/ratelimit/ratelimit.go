// Package ratelimit enforces the connect and message limits described
// in §4.2: a per-remote-address connect rate plus a concurrency cap,
// and a per-client message rate. Limits are backed by
// ulule/limiter, which can run against Redis (shared across server
// instances) or an in-memory store (single instance / tests), guarded
// by a circuit breaker so a struggling Redis does not take down the
// whole server. Both limits are ulule fixed-window counters, not token
// buckets: a window's budget is restored all at once when the window
// resets, not refilled gradually.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/signalhub/signalhub/internal/logging"
	"github.com/signalhub/signalhub/internal/metrics"
)

// Decision reports a limiter outcome.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces the connect and message limits.
type Limiter struct {
	connect    *limiter.Limiter
	message    *limiter.Limiter
	cb         *gobreaker.CircuitBreaker

	maxConcurrent int
	concMu        sync.Mutex
	concurrent    map[string]int
}

// Config holds the rates the limiter enforces. ConnectRate uses
// ulule/limiter's formatted syntax ("20-M" = 20 per minute); the message
// budget is MessageCapacity per MessageWindow, a plain duration since it
// is configured in milliseconds rather than as a rate string.
type Config struct {
	ConnectRate          string
	ConnectMaxConcurrent int
	MessageCapacity      int
	MessageWindow        time.Duration

	RedisClient *redis.Client // nil selects the in-memory store
}

// New constructs a Limiter. When cfg.RedisClient is nil, an in-memory
// store is used and the circuit breaker is a no-op pass-through.
func New(cfg Config) (*Limiter, error) {
	connectRate, err := limiter.NewRateFromFormatted(cfg.ConnectRate)
	if err != nil {
		return nil, fmt.Errorf("invalid connect rate %q: %w", cfg.ConnectRate, err)
	}
	messageRate := limiter.Rate{Period: cfg.MessageWindow, Limit: int64(cfg.MessageCapacity)}

	var store limiter.Store
	if cfg.RedisClient != nil {
		store, err = sredis.NewStoreWithOptions(cfg.RedisClient, limiter.StoreOptions{
			Prefix:   "signalhub:ratelimit",
			MaxRetry: 3,
		})
		if err != nil {
			return nil, fmt.Errorf("creating redis limiter store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("ratelimit").Set(stateVal)
			logging.Info(context.Background(), "ratelimit circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Limiter{
		connect:       limiter.New(store, connectRate),
		message:       limiter.New(store, messageRate),
		cb:            cb,
		maxConcurrent: cfg.ConnectMaxConcurrent,
		concurrent:    make(map[string]int),
	}, nil
}

// AllowConnect checks the per-address connect rate (§4.2, K_c over
// W_c). On store failure (including an open circuit breaker) it fails
// open, since a rate-limit store outage should not block every
// connection attempt.
func (l *Limiter) AllowConnect(ctx context.Context, remoteAddr string) Decision {
	result, err := l.cb.Execute(func() (any, error) {
		return l.connect.Get(ctx, "connect:"+remoteAddr)
	})
	if err != nil {
		logging.Warn(ctx, "connect rate limit check failed, failing open", zap.Error(err))
		return Decision{Allowed: true}
	}
	ctxResult := result.(limiter.Context)
	if ctxResult.Reached {
		metrics.RateLimitExceeded.WithLabelValues("connect").Inc()
		return Decision{Allowed: false, RetryAfter: retryAfter(ctxResult)}
	}
	return Decision{Allowed: true}
}

// AcquireConcurrency reserves one of N_c concurrent connection slots
// for remoteAddr. Callers must call ReleaseConcurrency on disconnect.
func (l *Limiter) AcquireConcurrency(remoteAddr string) bool {
	if l.maxConcurrent <= 0 {
		return true
	}
	l.concMu.Lock()
	defer l.concMu.Unlock()
	if l.concurrent[remoteAddr] >= l.maxConcurrent {
		metrics.RateLimitExceeded.WithLabelValues("connect_concurrency").Inc()
		return false
	}
	l.concurrent[remoteAddr]++
	return true
}

// ReleaseConcurrency frees a previously acquired concurrency slot.
func (l *Limiter) ReleaseConcurrency(remoteAddr string) {
	l.concMu.Lock()
	defer l.concMu.Unlock()
	if n := l.concurrent[remoteAddr]; n > 0 {
		if n == 1 {
			delete(l.concurrent, remoteAddr)
		} else {
			l.concurrent[remoteAddr] = n - 1
		}
	}
}

// AllowMessage checks the per-client message budget (§4.2): at most
// capacity P messages per fixed window D, with the whole budget restored
// when the window resets. Fails open on store failure for the same
// reason as AllowConnect.
func (l *Limiter) AllowMessage(ctx context.Context, clientID string) Decision {
	result, err := l.cb.Execute(func() (any, error) {
		return l.message.Get(ctx, "message:"+clientID)
	})
	if err != nil {
		logging.Warn(ctx, "message rate limit check failed, failing open", zap.Error(err))
		return Decision{Allowed: true}
	}
	ctxResult := result.(limiter.Context)
	if ctxResult.Reached {
		metrics.RateLimitExceeded.WithLabelValues("message").Inc()
		return Decision{Allowed: false, RetryAfter: retryAfter(ctxResult)}
	}
	return Decision{Allowed: true}
}

// retryAfter converts a limiter.Context's Unix-seconds Reset into a
// duration relative to now, floored at zero.
func retryAfter(ctxResult limiter.Context) time.Duration {
	d := time.Duration(ctxResult.Reset-time.Now().Unix()) * time.Second
	if d < 0 {
		return 0
	}
	return d
}
