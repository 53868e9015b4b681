package http

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/storage"
	"github.com/rescale/rescale-fetch/internal/constants"
)

// ErrorClass decides whether an SDK call is attempted again.
type ErrorClass int

const (
	// ClassFatal is returned to the caller at once: client errors, protocol
	// errors the engine interprets, cancellation, anything unrecognised.
	ClassFatal ErrorClass = iota
	// ClassCredential is an expired or rejected signature; the SDK
	// re-signs on the next attempt.
	ClassCredential
	// ClassNetwork is a connection-level failure.
	ClassNetwork
	// ClassThrottled is a 5xx or an explicit slow-down from the service.
	ClassThrottled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassCredential:
		return "credential"
	case ClassNetwork:
		return "network"
	case ClassThrottled:
		return "throttled"
	default:
		return "fatal"
	}
}

// Service error codes and statuses as they appear in S3 and Azure error
// strings.
var (
	credentialMarkers = []string{
		"expiredtoken", "expired", "invalid token", "403", "unauthorized",
		"authenticationfailed", "authentication failed", "invalid sas",
		"signature not valid", "authorization failure",
	}
	throttleMarkers = []string{
		"slowdown", "throttl", "serverbusy", "server busy", "requesttimeout",
		"operationtimeout", "internalerror", "serviceunavailable",
		"service unavailable", "429", "500", "502", "503", "504",
	}
)

// Classify maps err to an ErrorClass. *cloud.RPCError is always fatal here:
// the engine decides what LIMIT_INVALID, FILE_MIGRATE_n and friends mean.
func Classify(err error) ErrorClass {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ClassFatal
	}
	if _, ok := cloud.AsRPCError(err); ok {
		return ClassFatal
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, credentialMarkers) {
		return ClassCredential
	}
	if storage.IsNetworkError(err) {
		return ClassNetwork
	}
	if containsAny(msg, throttleMarkers) {
		return ClassThrottled
	}
	return ClassFatal
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Policy bounds Do.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// OnRetry, if set, runs before each pause.
	OnRetry func(attempt int, err error, class ErrorClass)
}

// DefaultPolicy allows one try plus constants.MaxRetries retries.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: constants.MaxRetries + 1,
		Initial:  constants.RetryInitialDelay,
		Max:      constants.RetryMaxDelay,
	}
}

// Backoff is full-jitter exponential backoff: a random duration in
// [0, min(limit, initial*2^attempt)). Attempt 0 never waits.
func Backoff(attempt int, initial, limit time.Duration) time.Duration {
	if attempt <= 0 || initial <= 0 {
		return 0
	}
	ceiling := limit
	if attempt < 31 {
		if d := initial << attempt; d > 0 && d < limit {
			ceiling = d
		}
	}
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling)
}

// Do runs op until it succeeds, fails fatally, or p.Attempts are used up.
// Credential failures pause for a second so the SDK can pick up refreshed
// credentials. A context deadline closer than the next pause ends the loop
// early. Exhaustion wraps both the last error and cloud.ErrRetryLimit.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	var last error
	for attempt := range p.Attempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		class := Classify(err)
		if class == ClassFatal {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, class)
		}

		wait := Backoff(attempt, p.Initial, p.Max)
		if class == ClassCredential {
			wait = time.Second
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return fmt.Errorf("deadline too close for retry: %w", err)
		}
		if err := pause(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.Attempts, errors.Join(cloud.ErrRetryLimit, last))
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
