package cloud

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func captureTiming(t *testing.T, enabled bool) *bytes.Buffer {
	t.Helper()
	if enabled {
		t.Setenv(TimingEnv, "1")
	} else {
		t.Setenv(TimingEnv, "")
	}
	var buf bytes.Buffer
	old := timingOut
	timingOut = &buf
	t.Cleanup(func() { timingOut = old })
	return &buf
}

func TestTimingEnabledOnlyForOne(t *testing.T) {
	for value, want := range map[string]bool{"": false, "0": false, "true": false, "1": true} {
		t.Setenv(TimingEnv, value)
		if got := TimingEnabled(); got != want {
			t.Errorf("%s=%q: TimingEnabled() = %v", TimingEnv, value, got)
		}
	}
}

func TestPhaseDisabledIsNil(t *testing.T) {
	buf := captureTiming(t, false)
	p := StartPhase("finalize")
	if p != nil {
		t.Fatal("StartPhase returned a phase with timing off")
	}
	if d := p.End(); d != 0 {
		t.Errorf("nil phase End() = %v", d)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPhaseEndPrintsOnce(t *testing.T) {
	buf := captureTiming(t, true)
	p := StartPhase("finalize movie.mp4")
	p.End()
	p.End()
	if n := strings.Count(buf.String(), "[TIMING] finalize movie.mp4:"); n != 1 {
		t.Errorf("got %d lines: %q", n, buf.String())
	}
}

func TestChunkStatsConcurrent(t *testing.T) {
	var s ChunkStats
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(time.Millisecond, 100)
		}()
	}
	wg.Wait()

	count, total, avg, last := s.Snapshot()
	if count != 20 || total != 2000 {
		t.Errorf("got %d chunks, %d bytes", count, total)
	}
	if avg <= 0 || last <= 0 {
		t.Errorf("rates avg=%f last=%f, want positive", avg, last)
	}
}

func TestChunkStatsRecentWindow(t *testing.T) {
	var s ChunkStats
	for range recentChunks {
		s.Add(time.Second, 1)
	}
	for range recentChunks {
		s.Add(time.Second, 1000)
	}
	if _, _, _, last := s.Snapshot(); last != 1000 {
		t.Errorf("recent rate = %f, want 1000", last)
	}
}

func TestChunkStatsReport(t *testing.T) {
	buf := captureTiming(t, true)
	var s ChunkStats
	s.Report("chunks empty")
	s.Add(10*time.Millisecond, 1024)
	s.Report("chunks movie")

	out := buf.String()
	if strings.Contains(out, "empty") {
		t.Errorf("reported an empty transfer: %q", out)
	}
	if !strings.Contains(out, "[TIMING] chunks movie: 1 chunks, 1.0 KiB") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
		{1 << 30, "1.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{512, "512 B/s"},
		{2048, "2.0 KiB/s"},
		{3 << 20, "3.0 MiB/s"},
	}
	for _, tt := range tests {
		if got := FormatSpeed(tt.in); got != tt.want {
			t.Errorf("FormatSpeed(%f) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
