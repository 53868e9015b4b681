// Package transfer owns the engines of a hosting application.
//
// A Registry keeps one pool of engines per account, hands each engine a
// delegate that mirrors its lifecycle into a Task record, and publishes
// every change on an events.EventBus for progress displays.
package transfer

import (
	"sync"
	"time"

	"github.com/rescale/rescale-fetch/internal/events"
)

// TaskState mirrors the engine state for display.
type TaskState string

const (
	TaskQueued    TaskState = "queued"    // Registered, not started
	TaskActive    TaskState = "active"    // Engine downloading
	TaskFinished  TaskState = "finished"  // Final file in place
	TaskFailed    TaskState = "failed"    // Failed with a reason
	TaskCancelled TaskState = "cancelled" // Cancelled by the host
)

// Task is the registry's record of one engine.
// Thread-safe: use the provided methods to read it.
type Task struct {
	ID          string
	Account     string
	Locator     string
	Destination string
	Preload     bool

	State   TaskState
	Written int64
	Total   int64   // 0 while unknown
	Speed   float64 // bytes/sec, smoothed with EMA
	Path    string  // where the result ended up
	Reason  string  // failure reason code
	Error   error

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	lastBytes      int64
	lastUpdateTime time.Time

	mu sync.RWMutex
}

func newTask(id, account, locator, dest string, preload bool, total int64) *Task {
	return &Task{
		ID:          id,
		Account:     account,
		Locator:     locator,
		Destination: dest,
		Preload:     preload,
		State:       TaskQueued,
		Total:       total,
		CreatedAt:   time.Now(),
	}
}

// GetState returns the current state (thread-safe).
func (t *Task) GetState() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State
}

func (t *Task) setState(state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = state
	if state == TaskActive && t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	if state == TaskFinished || state == TaskFailed || state == TaskCancelled {
		t.CompletedAt = time.Now()
	}
}

// updateProgress records bytes written and recomputes the smoothed speed.
func (t *Task) updateProgress(written, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.Written = written
	t.Total = total

	if t.lastUpdateTime.IsZero() {
		t.lastBytes = written
		t.lastUpdateTime = now
		return
	}

	// Need at least 100ms between samples for a meaningful rate
	elapsed := now.Sub(t.lastUpdateTime).Seconds()
	if written > t.lastBytes && elapsed > 0.1 {
		instantRate := float64(written-t.lastBytes) / elapsed

		const speedSmoothingAlpha = 0.25
		if t.Speed > 0 {
			t.Speed = speedSmoothingAlpha*instantRate + (1-speedSmoothingAlpha)*t.Speed
		} else {
			t.Speed = instantRate
		}
		t.lastBytes = written
		t.lastUpdateTime = now
	}
}

func (t *Task) finish(path string) {
	t.mu.Lock()
	t.Path = path
	t.mu.Unlock()
	t.setState(TaskFinished)
}

func (t *Task) fail(state TaskState, reason string, err error) {
	t.mu.Lock()
	t.Reason = reason
	t.Error = err
	t.mu.Unlock()
	t.setState(state)
}

// Progress returns Written/Total in [0, 1], or 0 when the total is unknown.
func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Written) / float64(t.Total)
}

// IsTerminal returns true if the task is finished, failed or cancelled.
func (t *Task) IsTerminal() bool {
	state := t.GetState()
	return state == TaskFinished || state == TaskFailed || state == TaskCancelled
}

// Clone returns a copy of the task for safe external use.
func (t *Task) Clone() Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Task{
		ID:          t.ID,
		Account:     t.Account,
		Locator:     t.Locator,
		Destination: t.Destination,
		Preload:     t.Preload,
		State:       t.State,
		Written:     t.Written,
		Total:       t.Total,
		Speed:       t.Speed,
		Path:        t.Path,
		Reason:      t.Reason,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

func (t *Task) event() events.TransferEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path := t.Path
	if path == "" {
		path = t.Destination
	}
	return events.TransferEvent{
		TransferID: t.ID,
		Account:    t.Account,
		Locator:    t.Locator,
		Path:       path,
		Written:    t.Written,
		Total:      t.Total,
		Reason:     t.Reason,
		Error:      t.Error,
	}
}
