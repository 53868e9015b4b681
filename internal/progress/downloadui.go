package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/events"
)

const barRefresh = 300 * time.Millisecond

// DownloadUI manages one progress bar per transfer using mpb. Bars are
// created and driven from registry events by Follow.
type DownloadUI struct {
	progress   *mpb.Progress
	out        io.Writer // non-TTY status lines
	isTerminal bool
	totalFiles int

	mu        sync.Mutex
	bars      map[string]*TransferBar // transfer id -> bar
	next      int
	completed atomic.Int32
	failed    atomic.Int32
}

// TransferBar is the display state of one transfer.
type TransferBar struct {
	bar       *mpb.Bar
	ui        *DownloadUI
	index     int
	id        string
	locator   string
	localPath string

	total      atomic.Int64
	cdn        atomic.Bool
	startTime  time.Time
	lastUpdate time.Time
	done       bool
}

// NewDownloadUI creates a display for totalFiles transfers.
func NewDownloadUI(totalFiles int) *DownloadUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	if isTerminal {
		enableANSI(os.Stderr)
	}
	return newDownloadUI(os.Stdout, isTerminal, totalFiles)
}

func newDownloadUI(out io.Writer, isTerminal bool, totalFiles int) *DownloadUI {
	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(barRefresh),
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}
	return &DownloadUI{
		progress:   p,
		out:        out,
		isTerminal: isTerminal,
		totalFiles: totalFiles,
		bars:       make(map[string]*TransferBar),
	}
}

// AddBar creates the bar for one transfer. size may be 0 when unknown.
func (u *DownloadUI) AddBar(id, locator, localPath string, size int64) *TransferBar {
	u.mu.Lock()
	if fb, ok := u.bars[id]; ok {
		u.mu.Unlock()
		return fb
	}
	u.next++
	fb := &TransferBar{
		ui:         u,
		index:      u.next,
		id:         id,
		locator:    locator,
		localPath:  localPath,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
	}
	fb.total.Store(size)
	u.bars[id] = fb
	u.mu.Unlock()

	destPath := truncatePath(localPath, 2)
	if u.isTerminal {
		fb.bar = u.progress.New(size,
			mpb.BarStyle().
				Lbound("[").
				Filler("█").
				Tip("█").
				Padding("░").
				Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(s decor.Statistics) string {
					label := fmt.Sprintf("[%d/%d] %s ← %s", fb.index, u.totalFiles, destPath, locator)
					if fb.cdn.Load() {
						label += " (cdn)"
					}
					return label
				}, decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.Any(func(s decor.Statistics) string {
					if s.Total <= 0 {
						return "   ?.??%"
					}
					return fmt.Sprintf("%6.2f%%", float64(s.Current)/float64(s.Total)*100)
				}, decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
				decor.Name("  "),
				decor.Name("ETA ", decor.WCSyncWidth),
				decor.EwmaETA(decor.ET_STYLE_GO, 60),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		fmt.Fprintf(u.out, "Downloading [%d/%d]: %s ← %s\n", fb.index, u.totalFiles, destPath, locator)
	}
	return fb
}

// Update moves the bar to written bytes. A total learned mid-transfer is
// applied to the bar.
func (f *TransferBar) Update(written, total int64) {
	if total > 0 && total != f.total.Load() {
		f.total.Store(total)
		if f.bar != nil {
			f.bar.SetTotal(total, false)
		}
	}
	if f.bar == nil {
		return
	}

	// EwmaSetCurrent needs the elapsed time even for zero-byte ticks.
	now := time.Now()
	if elapsed := now.Sub(f.lastUpdate); elapsed >= barRefresh || (total > 0 && written >= total) {
		f.bar.EwmaSetCurrent(written, elapsed)
		f.lastUpdate = now
	}
}

// SetCdn marks the bar while the transfer reads from a CDN endpoint.
func (f *TransferBar) SetCdn(active bool) {
	f.cdn.Store(active)
}

// Complete finishes the bar. A nil err means the file is at path.
func (f *TransferBar) Complete(path string, err error) {
	if f.done {
		return
	}
	f.done = true
	elapsed := time.Since(f.startTime)
	size := f.total.Load()

	var msg string
	if err == nil {
		if f.bar != nil {
			f.bar.SetCurrent(size)
			f.bar.SetTotal(size, true)
		}
		var rate float64
		if secs := elapsed.Seconds(); secs > 0 {
			rate = float64(size) / secs
		}
		msg = fmt.Sprintf("✓ %s ← %s (%s in %s, %s)\n",
			truncatePath(path, 2), f.locator,
			cloud.FormatBytes(size), elapsed.Round(time.Second), cloud.FormatSpeed(rate))
		f.ui.completed.Add(1)
	} else {
		if f.bar != nil {
			f.bar.Abort(false)
		}
		msg = fmt.Sprintf("✗ %s ← %s: %v\n", truncatePath(f.localPath, 2), f.locator, err)
		f.ui.failed.Add(1)
	}
	f.ui.print(msg)
}

func (u *DownloadUI) print(msg string) {
	if u.isTerminal {
		_, _ = u.progress.Write([]byte(msg))
		return
	}
	fmt.Fprint(u.out, msg)
}

// Follow drives bars from transfer events until ch is closed. Bars still
// open when ch closes are aborted so Wait returns.
func (u *DownloadUI) Follow(ch <-chan events.Event) {
	for ev := range ch {
		te, ok := ev.(*events.TransferEvent)
		if !ok {
			continue
		}
		u.apply(te)
	}

	u.mu.Lock()
	var open []*TransferBar
	for _, fb := range u.bars {
		if !fb.done {
			open = append(open, fb)
		}
	}
	u.mu.Unlock()
	for _, fb := range open {
		fb.Complete("", fmt.Errorf("interrupted"))
	}
}

func (u *DownloadUI) apply(te *events.TransferEvent) {
	switch te.Type() {
	case events.EventTransferQueued:
		u.AddBar(te.TransferID, te.Locator, te.Path, te.Total)
		return
	}

	u.mu.Lock()
	fb, ok := u.bars[te.TransferID]
	u.mu.Unlock()
	if !ok {
		fb = u.AddBar(te.TransferID, te.Locator, te.Path, te.Total)
	}

	switch te.Type() {
	case events.EventTransferProgress:
		fb.Update(te.Written, te.Total)
	case events.EventTransferRedirect:
		fb.SetCdn(te.Cdn)
	case events.EventTransferFinished:
		fb.Update(te.Written, te.Total)
		fb.Complete(te.Path, nil)
	case events.EventTransferFailed, events.EventTransferCancelled:
		err := te.Error
		if err == nil {
			err = fmt.Errorf("%s", te.Reason)
		} else if te.Reason != "" {
			err = fmt.Errorf("%s: %w", te.Reason, err)
		}
		fb.Complete(te.Path, err)
	}
}

// Wait blocks until all progress bars complete.
func (u *DownloadUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns an io.Writer that prints above the progress bars.
func (u *DownloadUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return os.Stderr
}

// IsTerminal reports whether bars are drawn.
func (u *DownloadUI) IsTerminal() bool { return u.isTerminal }

// Completed returns the number of transfers that finished successfully.
func (u *DownloadUI) Completed() int { return int(u.completed.Load()) }

// Failed returns the number of transfers that failed or were cancelled.
func (u *DownloadUI) Failed() int { return int(u.failed.Load()) }

func truncatePath(path string, maxComponents int) string {
	if path == "" {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	return "…/" + strings.Join(parts[len(parts)-maxComponents:], "/")
}
