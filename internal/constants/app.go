package constants

import (
	"time"
)

// Chunking
const (
	// DefaultChunkSize - size of each chunk request for normal transfers (128 KB)
	DefaultChunkSize = 128 * 1024

	// BigChunkSize - chunk size used for background/large transfers or when the
	// big-chunk experiment flag is on (1 MB)
	BigChunkSize = 1024 * 1024

	// FallbackChunkSize - chunk size after the source rejected a request as
	// too large (32 KB). Once applied it stays for the rest of the transfer.
	FallbackChunkSize = 32 * 1024

	// BigTransferThreshold - files at or above this size are treated as "big"
	// and get the raised concurrency and chunk size (10 MB)
	BigTransferThreshold = 10 * 1024 * 1024
)

// Request pipeline
const (
	// DefaultMaxConcurrent - in-flight chunk requests for normal transfers
	DefaultMaxConcurrent = 4

	// BigMaxConcurrent - in-flight chunk requests for big/background transfers
	BigMaxConcurrent = 8

	// MaxTransientRetries - per-transfer budget of locally handled protocol
	// errors (migrate, token invalid, shrink) before failing with
	// retry-limit-exceeded
	MaxTransientRetries = 20

	// MaxReuploadAttempts - re-upload requests per CDN session before the CDN
	// path is abandoned
	MaxReuploadAttempts = 1
)

// CDN verification
const (
	// CdnWindowSize - bytes covered by one server-declared digest (2 MB)
	CdnWindowSize = 2 * 1024 * 1024
)

// Preload
const (
	// PreloadBudget - total bytes preload may fetch before halting (2 MB)
	PreloadBudget = 2 * 1024 * 1024

	// PreloadHeadWindow - bytes at the start of the file always prefetched (512 KB)
	PreloadHeadWindow = 512 * 1024
)

// Persistence
const (
	// SidecarDebounce - delay before a submitted sidecar snapshot is written.
	// A newer snapshot arriving inside the window replaces the pending one.
	SidecarDebounce = 250 * time.Millisecond

	// RangesSuffix - suffix of the not-yet-written range list next to the temp file
	RangesSuffix = ".ranges"

	// PreloadSuffix - suffix of the preload-scan sidecar
	PreloadSuffix = ".preload"

	// CipherStateSuffix - suffix of the ordered-scheme cipher state sidecar
	CipherStateSuffix = ".iv"

	// TempSuffix - suffix of the staging file
	TempSuffix = ".part"
)

// Finalization
const (
	// RenameRetries - attempts at temp -> final rename before copy+delete
	RenameRetries = 3

	// RenameRetryDelay - pause between rename attempts
	RenameRetryDelay = 100 * time.Millisecond
)

// Retry configuration (HTTP transport)
const (
	// MaxRetries - maximum number of socket-level retries for transient errors
	MaxRetries = 10

	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	// Exponential backoff with jitter caps at this value
	RetryMaxDelay = 15 * time.Second

	// HTTPTimeout - default per-request timeout
	HTTPTimeout = 60 * time.Second
)

// Disk space safety margin
const (
	// DiskSpaceBufferPercent - additional space to require beyond file size (15%)
	DiskSpaceBufferPercent = 0.15
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for progress bar updates (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond
)

// Application
const (
	// AppName - binary and config directory name
	AppName = "rescale-fetch"

	// DefaultRequestsPerSecond - per-endpoint request pacing for the HTTP transport
	DefaultRequestsPerSecond = 50
)
