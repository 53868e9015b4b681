// Package buffers provides reusable byte buffers keyed by chunk size.
//
// A transfer switches chunk size at runtime (the default, the big-file size and
// the fallback after LIMIT_INVALID), so there is one sync.Pool per size class
// instead of a single fixed-size pool.
package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/rescale/rescale-fetch/internal/constants"
)

// Pool monitoring counters
var (
	allocations int64 // buffers created by a pool's New
	gets        int64 // total Get calls
)

var pools sync.Map // int -> *sync.Pool

func poolFor(size int) *sync.Pool {
	if p, ok := pools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := pools.LoadOrStore(size, &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&allocations, 1)
			buf := make([]byte, size)
			return &buf
		},
	})
	return p.(*sync.Pool)
}

// Get returns a buffer of exactly size bytes. Return it with Put.
//
// Usage:
//
//	buf := buffers.Get(constants.BigChunkSize)
//	defer buffers.Put(buf)
//	n, err := io.ReadFull(r, *buf)
func Get(size int) *[]byte {
	if size <= 0 {
		empty := []byte{}
		return &empty
	}
	atomic.AddInt64(&gets, 1)
	return poolFor(size).Get().(*[]byte)
}

// Put returns a buffer to the pool matching its length. The buffer is cleared
// first so file contents do not outlive the transfer that read them.
func Put(buf *[]byte) {
	if buf == nil || len(*buf) == 0 {
		return
	}
	clear(*buf)
	poolFor(len(*buf)).Put(buf)
}

// GetCopyBuffer returns a buffer sized for bulk file copies.
func GetCopyBuffer() *[]byte {
	return Get(constants.BigChunkSize)
}

// Stats returns current buffer pool statistics
type Stats struct {
	Allocations int64 // buffers allocated by New
	Gets        int64 // total Get calls
	SizeClasses int   // number of distinct buffer sizes seen
}

// GetStats returns a snapshot of the pool counters.
func GetStats() Stats {
	classes := 0
	pools.Range(func(_, _ any) bool {
		classes++
		return true
	})
	return Stats{
		Allocations: atomic.LoadInt64(&allocations),
		Gets:        atomic.LoadInt64(&gets),
		SizeClasses: classes,
	}
}
