package events

import (
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func pending(ch <-chan Event) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func TestPublishTransferStampsEvent(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()
	ch := bus.Subscribe(EventTransferProgress)

	bus.PublishTransfer(EventTransferProgress, TransferEvent{TransferID: "t-1", Written: 50, Total: 100})

	ev, ok := receive(t, ch).(*TransferEvent)
	if !ok {
		t.Fatal("expected *TransferEvent")
	}
	if ev.TransferID != "t-1" || ev.Type() != EventTransferProgress {
		t.Errorf("got %s / %s", ev.TransferID, ev.Type())
	}
	if ev.Progress() != 0.5 {
		t.Errorf("Progress() = %f, want 0.5", ev.Progress())
	}
	if ev.Timestamp().IsZero() {
		t.Error("timestamp not set")
	}
}

func TestSubscribeFilters(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	terminal := bus.Subscribe(EventTransferFinished, EventTransferFailed)
	progress := bus.Subscribe(EventTransferProgress)
	all := bus.SubscribeAll()

	bus.PublishTransfer(EventTransferFinished, TransferEvent{TransferID: "a"})
	bus.PublishTransfer(EventTransferFailed, TransferEvent{TransferID: "b", Reason: "default"})
	bus.PublishTransfer(EventTransferStarted, TransferEvent{TransferID: "c"})

	tests := []struct {
		name string
		ch   <-chan Event
		want int
	}{
		{"terminal", terminal, 2},
		{"progress", progress, 0},
		{"all", all, 3},
	}
	for _, tt := range tests {
		if got := pending(tt.ch); got != tt.want {
			t.Errorf("%s: got %d events, want %d", tt.name, got, tt.want)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(2)
	defer bus.Close()
	ch := bus.Subscribe(EventTransferProgress)

	for i := range 10 {
		bus.PublishTransfer(EventTransferProgress, TransferEvent{Written: int64(i)})
	}
	if bus.Dropped() != 8 {
		t.Errorf("Dropped() = %d, want 8", bus.Dropped())
	}
	if n := pending(ch); n != 2 {
		t.Errorf("buffered %d events, want 2", n)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTransferFailed)

	bus.Close()
	bus.Close()
	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	bus.PublishTransfer(EventTransferFailed, TransferEvent{Error: errors.New("boom")})
	if _, ok := <-bus.SubscribeAll(); ok {
		t.Error("subscription on a closed bus should be closed")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferCancelled)
	bus.Unsubscribe(ch)
	bus.PublishTransfer(EventTransferCancelled, TransferEvent{TransferID: "x"})

	if n := pending(ch); n != 0 {
		t.Errorf("unsubscribed channel received %d events", n)
	}
}

func TestProgressUnknownTotal(t *testing.T) {
	ev := &TransferEvent{Written: 100}
	if ev.Progress() != 0 {
		t.Errorf("Progress() = %f, want 0", ev.Progress())
	}
}
