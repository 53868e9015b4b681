package state

import (
	"errors"
	"sync"
	"time"

	"github.com/rescale/rescale-fetch/internal/logging"
)

// ErrWriterClosed is returned when work is submitted after Close.
var ErrWriterClosed = errors.New("sidecar writer closed")

// Writer flushes sidecar snapshots on its own goroutine, separate from the
// engine's control goroutine.
//
// Snapshots are latest-wins per path: Submit replaces any still-pending
// snapshot for the same path, and the write happens after the debounce
// delay. Jobs run in submission order and are never coalesced.
type Writer struct {
	debounce time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	pending map[string][]byte
	jobs    []func() error
	closed  bool
	lastErr error

	ioMu sync.Mutex // held while writing; Discard takes it to fence writes

	wake    chan struct{}
	flushCh chan chan error
	done    chan struct{}
	stopped chan struct{}
}

// NewWriter starts a writer goroutine. Close must be called to stop it.
func NewWriter(debounce time.Duration, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	w := &Writer{
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string][]byte),
		wake:     make(chan struct{}, 1),
		flushCh:  make(chan chan error),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// Submit schedules data to be written atomically to path.
func (w *Writer) Submit(path string, data []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending[path] = data
	w.mu.Unlock()
	w.poke()
}

// Enqueue schedules fn to run on the writer goroutine after any earlier job.
func (w *Writer) Enqueue(fn func() error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.jobs = append(w.jobs, fn)
	w.mu.Unlock()
	w.poke()
	return nil
}

// Discard drops any pending snapshot for the given paths. When it returns no
// write to those paths is pending or in progress.
func (w *Writer) Discard(paths ...string) {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	w.mu.Lock()
	for _, p := range paths {
		delete(w.pending, p)
	}
	w.mu.Unlock()
}

// Flush writes everything pending now and returns the first error seen
// since the previous Flush.
func (w *Writer) Flush() error {
	reply := make(chan error, 1)
	select {
	case w.flushCh <- reply:
		return <-reply
	case <-w.stopped:
		return w.takeErr()
	}
}

// Close flushes pending work and stops the goroutine.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.stopped
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	<-w.stopped
	return w.takeErr()
}

func (w *Writer) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) loop() {
	defer close(w.stopped)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.wake:
			if w.hasJobs() {
				w.drain()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			w.drain()
		case reply := <-w.flushCh:
			w.drain()
			reply <- w.takeErr()
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			w.drain()
			return
		}
	}
}

func (w *Writer) hasJobs() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs) > 0
}

func (w *Writer) drain() {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	w.mu.Lock()
	jobs := w.jobs
	pending := w.pending
	w.jobs = nil
	w.pending = make(map[string][]byte)
	w.mu.Unlock()

	for _, job := range jobs {
		if err := job(); err != nil {
			w.recordErr(err)
		}
	}
	for path, data := range pending {
		if err := writeAtomic(path, data); err != nil {
			w.recordErr(err)
		}
	}
}

func (w *Writer) recordErr(err error) {
	w.logger.Warn().Err(err).Msg("sidecar write failed")
	w.mu.Lock()
	if w.lastErr == nil {
		w.lastErr = err
	}
	w.mu.Unlock()
}

func (w *Writer) takeErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.lastErr
	w.lastErr = nil
	return err
}
