// Package download is the chunked, resumable transfer engine.
//
// An Engine fetches one remote object in fixed-size chunks through a
// cloud.Transport and writes them at their offsets into a staging file,
// tolerating out-of-order arrival, datacenter migration, CDN redirects and
// restarts. Resume state lives in sidecar files next to the staging file
// (see internal/cloud/state).
//
// All transfer state is owned by one control goroutine. Network responses,
// timers and host calls (Start, Cancel, SetPriority) are posted to it as
// events, so the range tracker, request bookkeeping and CDN session need no
// locks. Sidecar writes happen on a separate writer goroutine.
package download

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/ranges"
)

// RedirectObserver is an optional Delegate extension notified when the
// transfer moves to or away from a CDN endpoint.
type RedirectObserver interface {
	OnRedirect(cdnDC int, active bool)
}

// Engine downloads one object. Create it with New, then call Start.
type Engine struct {
	id        string
	params    Params
	transport cloud.Transport
	delegate  Delegate
	base      *logging.Logger
	logger    *logging.Logger

	inbox    chan event
	loopOnce sync.Once
	done     chan struct{}
	ctx      context.Context // parent of every request
	stop     context.CancelFunc

	stateVal atomic.Int32
	written  atomic.Int64
	total    atomic.Int64
	errMu    sync.Mutex
	err      error

	// Owned by the control goroutine.
	life        lifecycle
	mode        transferMode
	tracker     *ranges.Tracker
	codec       codec
	file        *os.File
	writer      *state.Writer
	inflight    map[uint64]*chunkRequest
	delayed     map[int64][]byte // sequential codec: chunks waiting for their turn
	reqSeq      uint64
	dc          int
	chunk       int64
	priority    int64
	transient   int
	cdnDisabled bool
	chunkStats  cloud.ChunkStats
}

// New creates an idle engine.
func New(params Params, transport cloud.Transport, delegate Delegate, logger *logging.Logger) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer parameters: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if delegate == nil {
		delegate = NopDelegate{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var mode transferMode = normalMode{}
	if params.Preload {
		mode = &preloadMode{}
	}

	id := uuid.NewString()
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		id:        id,
		params:    params,
		transport: transport,
		delegate:  delegate,
		base:      logger,
		logger:    logger.ForTransfer(id, params.Locator, mode.name()),
		inbox:     make(chan event, 2*params.MaxConcurrent+8),
		done:      make(chan struct{}),
		ctx:       ctx,
		stop:      stop,
		mode:      mode,
		inflight:  make(map[uint64]*chunkRequest),
		delayed:   make(map[int64][]byte),
		dc:        params.DC,
		chunk:     params.ChunkSize,
		priority:  params.Priority,
	}
	e.total.Store(params.Total)
	return e, nil
}

// ID returns the engine's unique id.
func (e *Engine) ID() string { return e.id }

// Params returns the transfer parameters.
func (e *Engine) Params() Params { return e.params }

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.stateVal.Load()) }

// Progress returns bytes written and the total (0 when unknown).
func (e *Engine) Progress() (written, total int64) {
	return e.written.Load(), e.total.Load()
}

// Err returns the cause of a failure or cancellation, nil otherwise.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Done is closed once the engine reached a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the engine stops or ctx ends, and returns Err.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins the transfer. Calling it again while downloading only
// nudges the pipeline; after a terminal state it does nothing.
func (e *Engine) Start() {
	e.ensureLoop()
	e.post(startEvent{})
}

// SetPriority sets the seek hint: the next request starts at off if off is
// still missing. A negative offset clears it. Ignored by the ordered scheme.
func (e *Engine) SetPriority(off int64) {
	e.ensureLoop()
	e.post(priorityEvent{off: off})
}

// Cancel stops the transfer, keeping the staging file and sidecars for a
// later resume.
func (e *Engine) Cancel() {
	e.ensureLoop()
	e.post(cancelEvent{})
}

func (e *Engine) ensureLoop() {
	e.loopOnce.Do(func() { go e.run() })
}

func (e *Engine) run() {
	defer close(e.done)
	for ev := range e.inbox {
		e.dispatch(ev)
		if e.life.state.Terminal() {
			e.drain()
			return
		}
	}
}

// drain releases events that were queued behind the terminal one.
func (e *Engine) drain() {
	for {
		select {
		case ev := <-e.inbox:
			if a, ok := ev.(activeEvent); ok {
				a.discard()
			}
		default:
			return
		}
	}
}

// post hands ev to the control goroutine, or drops it once the engine
// stopped.
func (e *Engine) post(ev event) {
	select {
	case e.inbox <- ev:
	case <-e.done:
		if a, ok := ev.(activeEvent); ok {
			a.discard()
		}
	}
}

type startEvent struct{}

func (startEvent) handle(e *Engine) {
	if e.life.state == StateDownloading {
		e.refill()
		return
	}
	if !e.life.begin() {
		return
	}
	e.publishState()
	e.logger.Info().Int64("total", e.params.Total).Int64("chunk", e.chunk).
		Int("concurrent", e.params.MaxConcurrent).Str("scheme", e.params.Scheme.String()).Msg("Transfer started")

	if done, err := e.checkDestination(); err != nil {
		e.failWith(err)
		return
	} else if done {
		e.finishExisting()
		return
	}

	done, err := e.mode.open(e)
	if err != nil {
		e.failWith(err)
		return
	}
	e.reportProgress()
	if done {
		e.finishTransfer()
		return
	}
	e.refill()
	e.checkComplete()
}

type priorityEvent struct{ off int64 }

func (ev priorityEvent) handle(e *Engine) {
	e.priority = ev.off
	if e.life.state == StateDownloading {
		e.refill()
	}
}

type cancelEvent struct{}

func (cancelEvent) handle(e *Engine) {
	opened := e.tracker != nil
	if !e.life.cancel() {
		return
	}
	e.setErr(ErrCanceled)
	e.stopRequests()
	if opened && e.writer != nil {
		e.mode.persist(e)
	}
	e.closeResources()
	e.publishState()
	e.logger.Info().Int64("written", e.written.Load()).Msg("Transfer canceled")
	e.delegate.OnFail(FailCanceled)
}

// checkDestination deals with a file already at the destination. A file of
// the expected size means the work is done; any other file is replaced
// unless the host still needs it.
func (e *Engine) checkDestination() (bool, error) {
	dest := e.params.Destination
	info, err := os.Stat(dest)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat destination: %w", err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("%w: %s is a directory", ErrAlreadyExists, dest)
	}
	if e.params.Total > 0 && info.Size() == e.params.Total {
		return true, nil
	}
	if _, preloading := e.mode.(*preloadMode); preloading {
		return false, nil
	}
	if e.delegate.HasOtherReferenceTo(dest) || e.delegate.IsLocallyCreatedFile(dest) {
		return false, fmt.Errorf("%w: %s (%d bytes)", ErrAlreadyExists, dest, info.Size())
	}
	e.logger.Warn().Int64("size", info.Size()).Str("path", dest).Msg("Replacing mismatched destination file")
	if err := os.Remove(dest); err != nil {
		return false, fmt.Errorf("failed to remove mismatched destination: %w", err)
	}
	return false, nil
}

func (e *Engine) finishExisting() {
	if !e.life.finish() {
		return
	}
	e.stopRequests()
	e.written.Store(e.params.Total)
	e.publishState()
	e.logger.Info().Msg("Destination already complete")
	e.delegate.OnPreFinish(e.params.Destination)
	e.delegate.OnFinish(e.params.Destination)
}

func (e *Engine) checkComplete() {
	if e.life.state != StateDownloading {
		return
	}
	done, err := e.mode.done(e)
	if err != nil {
		e.failWith(err)
		return
	}
	if done {
		e.finishTransfer()
	}
}

func (e *Engine) finishTransfer() {
	if e.life.state != StateDownloading {
		return
	}
	e.stopRequests()
	if err := e.mode.seal(e); err != nil {
		e.failWith(err)
		return
	}
	if !e.life.finish() {
		return
	}
	e.reportProgress()
	e.publishState()

	e.delegate.OnPreFinish(e.mode.destination(e))
	phase := cloud.StartPhase("finalize " + e.params.Locator)
	path := e.mode.finalize(e)
	e.closeResources()
	phase.End()
	e.chunkStats.Report("chunks " + e.params.Locator)
	e.logger.Info().Str("path", path).Int64("bytes", e.written.Load()).Msg("Transfer finished")
	e.delegate.OnFinish(path)
}

// failWith moves to the failed state. Integrity failures discard the
// staging file; every other failure keeps it and its sidecars.
func (e *Engine) failWith(err error) {
	reason := classify(err)
	if !e.life.fail(reason) {
		return
	}
	e.setErr(err)
	e.stopRequests()
	if isIntegrityError(err) {
		e.discardStaging()
	} else if e.tracker != nil && e.writer != nil {
		e.mode.persist(e)
	}
	e.closeResources()
	e.publishState()
	e.logger.Error().Err(err).Str("reason", reason.String()).Msg("Transfer failed")
	e.delegate.OnFail(reason)
}

// stopRequests cancels everything in flight and forgets it.
func (e *Engine) stopRequests() {
	e.stop()
	for id := range e.inflight {
		delete(e.inflight, id)
	}
	if r, ok := e.transport.(cloud.ConnectionReleaser); ok {
		r.ReleaseConnections(e.dc, e.connectionClass())
	}
}

func (e *Engine) connectionClass() cloud.ConnectionClass {
	switch e.mode.(type) {
	case *preloadMode:
		return cloud.ConnectionPreload
	case *cdnMode:
		return cloud.ConnectionCdn
	default:
		return cloud.ConnectionDownload
	}
}

func (e *Engine) closeResources() {
	if e.writer != nil {
		if err := e.writer.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to flush sidecars")
		}
	}
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	e.mode.close()
}

func (e *Engine) setMode(m transferMode) {
	old := e.mode.name()
	e.mode = m
	e.logger = e.base.ForTransfer(e.id, e.params.Locator, m.name())
	e.logger.Info().Str("from", old).Msg("Transfer mode changed")
}

func (e *Engine) setErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.err = err
}

func (e *Engine) publishState() {
	e.stateVal.Store(int32(e.life.state))
}

func (e *Engine) reportProgress() {
	if e.tracker == nil {
		return
	}
	written := e.tracker.Written()
	total := e.tracker.Total()
	if e.params.Total > 0 {
		total = e.params.Total
		written = min(written, total)
	}
	e.written.Store(written)
	e.total.Store(total)
	e.delegate.OnProgress(written, total)
}

func (e *Engine) spendTransient(cause error) bool {
	e.transient++
	if e.transient > maxTransient {
		e.failWith(fmt.Errorf("%w: %v", ErrTransientLimit, cause))
		return false
	}
	return true
}
