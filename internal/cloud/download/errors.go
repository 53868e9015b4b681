package download

import (
	"context"
	"errors"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/cdn"
	"github.com/rescale/rescale-fetch/internal/cloud/storage"
	"github.com/rescale/rescale-fetch/internal/diskspace"
)

// FailReason is the code reported through Delegate.OnFail.
type FailReason int

const (
	FailDefault FailReason = iota
	FailAlreadyExists
	FailCanceled
	FailOutOfSpace
	FailRetryLimitExceeded
)

func (r FailReason) String() string {
	switch r {
	case FailAlreadyExists:
		return "already-exists"
	case FailCanceled:
		return "canceled"
	case FailOutOfSpace:
		return "out-of-space"
	case FailRetryLimitExceeded:
		return "retry-limit-exceeded"
	default:
		return "default"
	}
}

var (
	// ErrAlreadyExists is the cause behind FailAlreadyExists.
	ErrAlreadyExists = errors.New("destination exists and may not be replaced")

	// ErrTransientLimit is returned once the per-transfer budget of locally
	// handled protocol errors is spent.
	ErrTransientLimit = errors.New("too many transient errors")

	// ErrCanceled is the cause behind FailCanceled.
	ErrCanceled = errors.New("transfer canceled")

	// ErrShortObject is returned when the source ends before the declared size.
	ErrShortObject = errors.New("object is shorter than its declared size")
)

// classify maps a terminal error to the reason reported to the delegate.
func classify(err error) FailReason {
	switch {
	case err == nil:
		return FailDefault
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return FailCanceled
	case errors.Is(err, ErrAlreadyExists):
		return FailAlreadyExists
	case diskspace.IsInsufficientSpaceError(err), storage.IsDiskFullError(err):
		return FailOutOfSpace
	case errors.Is(err, ErrTransientLimit), cloud.IsRetryLimit(err):
		return FailRetryLimitExceeded
	default:
		return FailDefault
	}
}

// isIntegrityError reports failures after which the staging file cannot be
// trusted and must be discarded.
func isIntegrityError(err error) bool {
	return errors.Is(err, cdn.ErrDigestMismatch)
}
