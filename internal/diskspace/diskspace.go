// Package diskspace checks that the volume holding a staging file can take
// the bytes a transfer still has to write.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/cloud/storage"
)

// InsufficientSpaceError is returned by Ensure. Need includes the safety
// margin.
type InsufficientSpaceError struct {
	Path string
	Need int64
	Free int64
}

func (e *InsufficientSpaceError) Error() string {
	const mib = 1 << 20
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MiB, %.2f MiB free",
		e.Path, float64(e.Need)/mib, float64(e.Free)/mib)
}

// Is lets errors.Is match storage.ErrInsufficientSpace.
func (e *InsufficientSpaceError) Is(target error) bool {
	return target == storage.ErrInsufficientSpace
}

// Free reports the bytes available to this user on the volume that holds
// path, which need not exist yet. ok is false when the volume cannot be
// queried.
func Free(path string) (free int64, ok bool) {
	return availableSpace(filepath.Dir(path))
}

// Ensure fails when the volume holding path has less than remaining bytes
// plus constants.DiskSpaceBufferPercent free. An unqueryable volume passes;
// the write itself reports a full disk later.
func Ensure(path string, remaining int64) error {
	if remaining <= 0 {
		return nil
	}
	free, ok := Free(path)
	if !ok {
		return nil
	}
	need := remaining + int64(float64(remaining)*constants.DiskSpaceBufferPercent)
	if free < need {
		return &InsufficientSpaceError{Path: path, Need: need, Free: free}
	}
	return nil
}

// IsInsufficientSpaceError reports whether err wraps an
// InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	var ise *InsufficientSpaceError
	return errors.As(err, &ise)
}
