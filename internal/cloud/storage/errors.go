// Package storage classifies local filesystem failures met while writing the
// staging file, and network failures met while reading chunks.
package storage

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrInsufficientSpace is matched by the pre-flight space check's error.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// A class is recognised either by a wrapped sentinel or, for errors that
// crossed an API boundary as text (Windows messages, remote filesystems), by
// a lower-case phrase in the message.
type class struct {
	sentinels []error
	phrases   []string
}

func (c class) match(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range c.sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range c.phrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var (
	diskFull = class{
		sentinels: []error{ErrInsufficientSpace, syscall.ENOSPC},
		phrases: []string{
			"no space left on device",
			"disk full",
			"out of disk space",
			"insufficient disk space",
			"not enough space",
			"disk quota exceeded",
		},
	}
	readOnly = class{
		sentinels: []error{syscall.EROFS, os.ErrPermission},
		phrases:   []string{"read-only file system", "write protected"},
	}
	network = class{
		sentinels: []error{io.ErrUnexpectedEOF, syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE},
		phrases:   []string{"connection", "timeout", "network", "broken pipe", "tls handshake"},
	}
)

// IsDiskFullError reports an out-of-space or quota failure.
func IsDiskFullError(err error) bool { return diskFull.match(err) }

// IsReadOnlyError reports a read-only filesystem or a missing write
// permission.
func IsReadOnlyError(err error) bool { return readOnly.match(err) }

// IsNetworkError reports a connection-level failure. A transfer that failed
// this way resumes cleanly when run again.
func IsNetworkError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return network.match(err)
}
