package cloud

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error codes returned by transports.
const (
	CodeLimitInvalid        = "LIMIT_INVALID"
	CodeOffsetInvalid       = "OFFSET_INVALID"
	CodeFileMigratePrefix   = "FILE_MIGRATE_"
	CodeFileTokenInvalid    = "FILE_TOKEN_INVALID"
	CodeRequestTokenInvalid = "REQUEST_TOKEN_INVALID"
	CodeCdnMethodInvalid    = "CDN_METHOD_INVALID"
)

// ErrRetryLimit is wrapped by transports that gave up after their own retry
// budget.
var ErrRetryLimit = errors.New("retry limit exceeded")

// RPCError is a protocol-level error returned by the remote side.
type RPCError struct {
	Code int    // HTTP-style status class
	Text string // machine-readable code such as FILE_MIGRATE_2
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Text)
}

// AsRPCError unwraps err to an *RPCError.
func AsRPCError(err error) (*RPCError, bool) {
	var rpc *RPCError
	if errors.As(err, &rpc) {
		return rpc, true
	}
	return nil, false
}

func hasText(err error, text string) bool {
	rpc, ok := AsRPCError(err)
	return ok && rpc.Text == text
}

// IsLimitInvalid reports the source rejected the chunk size.
func IsLimitInvalid(err error) bool {
	return hasText(err, CodeLimitInvalid)
}

// IsOffsetInvalid reports the requested offset is past the object's end.
func IsOffsetInvalid(err error) bool {
	return hasText(err, CodeOffsetInvalid)
}

// IsCdnTokenInvalid reports the CDN session can no longer be used.
func IsCdnTokenInvalid(err error) bool {
	return hasText(err, CodeFileTokenInvalid) || hasText(err, CodeRequestTokenInvalid) || hasText(err, CodeCdnMethodInvalid)
}

// MigrateTarget returns the datacenter a FILE_MIGRATE_n error points to.
func MigrateTarget(err error) (int, bool) {
	rpc, ok := AsRPCError(err)
	if !ok || !strings.HasPrefix(rpc.Text, CodeFileMigratePrefix) {
		return 0, false
	}
	dc, convErr := strconv.Atoi(strings.TrimPrefix(rpc.Text, CodeFileMigratePrefix))
	if convErr != nil || dc <= 0 {
		return 0, false
	}
	return dc, true
}

// IsRetryLimit reports the transport exhausted its retries.
func IsRetryLimit(err error) bool {
	return errors.Is(err, ErrRetryLimit)
}
