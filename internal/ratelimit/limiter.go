// Package ratelimit paces outgoing chunk requests per source endpoint.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rescale/rescale-fetch/internal/logging"
)

// longWaitWarning is the wait above which a limiter logs that it is throttling.
const longWaitWarning = 2 * time.Second

// warnInterval bounds how often a single limiter repeats the throttle warning.
const warnInterval = 10 * time.Second

// RateLimiter is a token bucket with a server-driven cooldown.
//
// The bucket refills at a steady rate; Cooldown blocks every waiter until the
// given instant, which is how a 429 or 503 with Retry-After is honored.
type RateLimiter struct {
	lim    *rate.Limiter
	logger *logging.Logger
	name   string

	mu            sync.Mutex
	cooldownUntil time.Time
	lastWarn      time.Time
}

// NewRateLimiter creates a limiter allowing perSecond requests with the given burst.
// A non-positive perSecond disables pacing.
func NewRateLimiter(name string, perSecond float64, burst int, logger *logging.Logger) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RateLimiter{
		lim:    rate.NewLimiter(limit, burst),
		logger: logger,
		name:   name,
	}
}

// Wait blocks until a token is available, the cooldown expired, or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if d := rl.cooldownRemaining(); d > 0 {
		rl.warn(d)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	r := rl.lim.Reserve()
	if !r.OK() {
		return rl.lim.Wait(ctx)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	rl.warn(delay)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Cooldown holds all waiters for d. A shorter cooldown never shortens an
// active longer one.
func (rl *RateLimiter) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	rl.mu.Lock()
	if until.After(rl.cooldownUntil) {
		rl.cooldownUntil = until
	}
	rl.mu.Unlock()
}

// Limit returns the configured refill rate.
func (rl *RateLimiter) Limit() rate.Limit {
	return rl.lim.Limit()
}

func (rl *RateLimiter) cooldownRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return time.Until(rl.cooldownUntil)
}

func (rl *RateLimiter) warn(d time.Duration) {
	if d < longWaitWarning {
		return
	}
	rl.mu.Lock()
	if time.Since(rl.lastWarn) < warnInterval {
		rl.mu.Unlock()
		return
	}
	rl.lastWarn = time.Now()
	rl.mu.Unlock()
	rl.logger.Warn().Str("limiter", rl.name).Dur("wait", d).Msg("Rate limited, waiting for request capacity")
}
