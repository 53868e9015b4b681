package transfer

import (
	"sync"
	"time"

	"github.com/rescale/rescale-fetch/internal/cloud/download"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/events"
)

// hostDelegate sits between an engine and the host's delegate. It keeps
// the task record current, publishes events and answers reference
// questions from the whole registry.
type hostDelegate struct {
	reg   *Registry
	inner download.Delegate
	entry *entry

	mu          sync.Mutex
	lastPublish time.Time
}

func (h *hostDelegate) OnProgress(written, total int64) {
	h.entry.task.updateProgress(written, total)

	h.mu.Lock()
	due := time.Since(h.lastPublish) >= constants.ProgressUpdateInterval || (total > 0 && written >= total)
	if due {
		h.lastPublish = time.Now()
	}
	h.mu.Unlock()
	if due {
		h.reg.publish(events.EventTransferProgress, h.entry.task)
	}
	h.inner.OnProgress(written, total)
}

func (h *hostDelegate) OnPreFinish(path string) {
	h.inner.OnPreFinish(path)
}

func (h *hostDelegate) OnFinish(path string) {
	h.entry.task.finish(path)
	h.reg.publish(events.EventTransferFinished, h.entry.task)
	h.inner.OnFinish(path)
}

func (h *hostDelegate) OnFail(reason download.FailReason) {
	state, eventType := TaskFailed, events.EventTransferFailed
	if reason == download.FailCanceled {
		state, eventType = TaskCancelled, events.EventTransferCancelled
	}
	h.entry.task.fail(state, reason.String(), h.entry.engine.Err())
	h.reg.publish(eventType, h.entry.task)
	h.inner.OnFail(reason)
}

func (h *hostDelegate) HasOtherReferenceTo(path string) bool {
	return h.reg.referenced(path, h.entry.task.ID) || h.inner.HasOtherReferenceTo(path)
}

func (h *hostDelegate) IsLocallyCreatedFile(path string) bool {
	return h.inner.IsLocallyCreatedFile(path)
}

func (h *hostDelegate) OnRedirect(dc int, active bool) {
	if h.reg.bus != nil {
		ev := h.entry.task.event()
		ev.Cdn = active
		h.reg.bus.PublishTransfer(events.EventTransferRedirect, ev)
	}
	if o, ok := h.inner.(download.RedirectObserver); ok {
		o.OnRedirect(dc, active)
	}
}
