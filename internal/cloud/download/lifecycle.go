package download

import "fmt"

// State is the engine lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateDownloading
	StateFinished
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is sticky.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCanceled
}

// lifecycle is owned by the control goroutine. Each transition method
// reports whether it happened; a false return means the caller must not
// produce any side effect.
type lifecycle struct {
	state  State
	reason FailReason
}

func (l *lifecycle) begin() bool {
	if l.state != StateIdle {
		return false
	}
	l.state = StateDownloading
	return true
}

func (l *lifecycle) finish() bool {
	if l.state != StateDownloading {
		return false
	}
	l.state = StateFinished
	return true
}

func (l *lifecycle) fail(reason FailReason) bool {
	if l.state.Terminal() {
		return false
	}
	l.state = StateFailed
	l.reason = reason
	return true
}

func (l *lifecycle) cancel() bool {
	if l.state.Terminal() {
		return false
	}
	l.state = StateCanceled
	l.reason = FailCanceled
	return true
}

// event is a message handled on the control goroutine.
type event interface {
	handle(e *Engine)
}

// activeEvent is an event that may only mutate a downloading engine.
// Embedding guard is what makes an event an activeEvent; dispatch drops
// such events in any other state and calls discard instead.
type activeEvent interface {
	event
	guarded()
	discard()
}

type guard struct{}

func (guard) guarded() {}
func (guard) discard() {}

func (e *Engine) dispatch(ev event) {
	if a, ok := ev.(activeEvent); ok && e.life.state != StateDownloading {
		a.discard()
		return
	}
	ev.handle(e)
}
