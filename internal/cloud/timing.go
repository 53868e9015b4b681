// Diagnostic timing. With RESCALE_FETCH_TIMING=1 the engine prints lines
// such as
//
//	[TIMING] finalize movie.mp4: 3ms
//	[TIMING] chunks movie.mp4: 24 chunks, 3.0 MiB, avg 4.1 MiB/s, last 10 5.2 MiB/s

package cloud

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// TimingEnv switches timing output on when set to "1".
const TimingEnv = "RESCALE_FETCH_TIMING"

// timingOut is replaced in tests.
var timingOut io.Writer = os.Stderr

func TimingEnabled() bool {
	return os.Getenv(TimingEnv) == "1"
}

func timingf(format string, args ...any) {
	fmt.Fprintf(timingOut, "[TIMING] "+format+"\n", args...)
}

// Phase measures one named step. StartPhase returns nil when timing is off;
// a nil *Phase is valid.
type Phase struct {
	name  string
	start time.Time
	ended atomic.Bool
}

func StartPhase(name string) *Phase {
	if !TimingEnabled() {
		return nil
	}
	return &Phase{name: name, start: time.Now()}
}

// End prints the elapsed time on its first call and returns it.
func (p *Phase) End() time.Duration {
	if p == nil {
		return 0
	}
	elapsed := time.Since(p.start)
	if p.ended.CompareAndSwap(false, true) {
		timingf("%s: %v", p.name, elapsed)
	}
	return elapsed
}

const recentChunks = 10

// ChunkStats accumulates chunk fetch durations for one transfer. It is safe
// for concurrent use.
type ChunkStats struct {
	mu     sync.Mutex
	count  int
	bytes  int64
	busy   time.Duration
	recent [recentChunks]float64 // bytes/s, ring
	next   int
}

// Add records n bytes fetched in d.
func (s *ChunkStats) Add(d time.Duration, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.bytes += n
	s.busy += d
	if d > 0 {
		s.recent[s.next%recentChunks] = float64(n) / d.Seconds()
		s.next++
	}
}

// Snapshot returns the chunk count, bytes, mean rate and the mean rate of
// the last ten timed chunks.
func (s *ChunkStats) Snapshot() (count int, bytes int64, avg, last float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy > 0 {
		avg = float64(s.bytes) / s.busy.Seconds()
	}
	if k := min(s.next, recentChunks); k > 0 {
		for _, r := range s.recent[:k] {
			last += r
		}
		last /= float64(k)
	}
	return s.count, s.bytes, avg, last
}

// Report prints a one-line summary under name when timing is on.
func (s *ChunkStats) Report(name string) {
	count, bytes, avg, last := s.Snapshot()
	if count == 0 || !TimingEnabled() {
		return
	}
	timingf("%s: %d chunks, %s, avg %s, last %d %s",
		name, count, FormatBytes(bytes), FormatSpeed(avg), min(count, recentChunks), FormatSpeed(last))
}

var byteUnits = []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// FormatBytes renders n with a binary unit, e.g. "1.5 MiB".
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n) / 1024
	i := 0
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", v, byteUnits[i])
}

// FormatSpeed renders a byte rate.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 1024 {
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
	return FormatBytes(int64(bytesPerSec)) + "/s"
}
