// Package events carries transfer lifecycle notifications from the
// engine registry to whatever is presenting them (progress bars, tests).
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-fetch/internal/constants"
)

// EventType names a kind of event.
type EventType string

const (
	EventTransferQueued    EventType = "transfer_queued"    // registered, not started
	EventTransferStarted   EventType = "transfer_started"   // entered downloading
	EventTransferProgress  EventType = "transfer_progress"  // bytes written changed
	EventTransferRedirect  EventType = "transfer_redirect"  // CDN session activated or abandoned
	EventTransferFinished  EventType = "transfer_finished"  // final file in place
	EventTransferFailed    EventType = "transfer_failed"    // terminal failure with reason
	EventTransferCancelled EventType = "transfer_cancelled" // cancelled by host
)

// Event is implemented by everything published on the bus.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent holds the fields every event shares.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

func stamp(t EventType) BaseEvent {
	return BaseEvent{EventType: t, Time: time.Now()}
}

// TransferEvent is a snapshot of one engine at a lifecycle change.
type TransferEvent struct {
	BaseEvent
	TransferID string
	Account    string
	Locator    string
	Path       string // final path, or the staging path while running
	Written    int64
	Total      int64  // 0 when unknown
	Reason     string // failure reason code, EventTransferFailed only
	Cdn        bool   // EventTransferRedirect: reading from a CDN endpoint
	Error      error
}

// Progress returns Written/Total in [0, 1], or 0 when the total is unknown.
func (e *TransferEvent) Progress() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Written) / float64(e.Total)
}

type subscription struct {
	ch    chan Event
	types []EventType // empty means every type
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// EventBus fans events out to buffered subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels hold bufferSize events,
// clamped to constants.EventBusMaxBuffer.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	return &EventBus{buffer: min(bufferSize, constants.EventBusMaxBuffer)}
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given. On a closed bus the channel is already
// closed.
func (eb *EventBus) Subscribe(types ...EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	sub := &subscription{ch: make(chan Event, eb.buffer), types: types}
	eb.subs = append(eb.subs, sub)
	return sub.ch
}

// SubscribeAll is Subscribe with no filter.
func (eb *EventBus) SubscribeAll() <-chan Event {
	return eb.Subscribe()
}

// Unsubscribe stops delivery to ch. The channel is left open.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subs = slices.DeleteFunc(eb.subs, func(s *subscription) bool {
		return (<-chan Event)(s.ch) == ch
	})
}

// Publish delivers event to every interested subscriber.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	t := event.Type()
	for _, s := range eb.subs {
		if !s.wants(t) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// PublishTransfer stamps ev with eventType and the current time and
// publishes it.
func (eb *EventBus) PublishTransfer(eventType EventType, ev TransferEvent) {
	ev.BaseEvent = stamp(eventType)
	eb.Publish(&ev)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored and
// later Close calls do nothing.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for _, s := range eb.subs {
		close(s.ch)
	}
	eb.subs = nil
}
