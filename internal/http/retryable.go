package http

import (
	"context"
	"fmt"
	nethttp "net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/logging"
)

// retryLogger adapts the zerolog wrapper to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg("[RETRY] " + msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("[RETRY] " + msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg("[RETRY] " + msg)
}

// NewRetryableClient wraps base with socket-level retries bounded by p.
// p.OnRetry is not called; retries are logged through logger instead.
//
// Connection errors, 429 and 5xx are retried with backoff (Retry-After is
// honored). Every other status is returned to the caller untouched so
// protocol errors reach the engine. When retries run out the error wraps
// cloud.ErrRetryLimit.
func NewRetryableClient(base *nethttp.Client, p Policy, logger *logging.Logger) *retryablehttp.Client {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = max(p.Attempts-1, 0)
	rc.RetryWaitMin = p.Initial
	rc.RetryWaitMax = p.Max
	rc.Logger = &retryLogger{logger: logger}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = func(resp *nethttp.Response, err error, numTries int) (*nethttp.Response, error) {
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("giving up after %d attempts: %w: %w", numTries, cloud.ErrRetryLimit, err)
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("giving up after %d attempts (status %d): %w", numTries, status, cloud.ErrRetryLimit)
	}
	return rc
}

func checkRetry(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode == nethttp.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= 500 && resp.StatusCode != nethttp.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}
