package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/cdn"
	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/constants"
	encryption "github.com/rescale/rescale-fetch/internal/crypto"
	"github.com/rescale/rescale-fetch/internal/diskspace"
	"github.com/rescale/rescale-fetch/internal/ranges"
	"github.com/rescale/rescale-fetch/internal/util/buffers"
)

const maxTransient = constants.MaxTransientRetries

var errNoCdnTransport = errors.New("transport cannot talk to the cdn control endpoint")

// chunkRequest is one outstanding FetchChunk call.
type chunkRequest struct {
	id       uint64
	rng      ranges.ByteRange
	token    string
	cancel   context.CancelFunc
	cdn      bool
	allowCdn bool
	sent     time.Time
}

type chunkResponse struct {
	guard
	req    *chunkRequest
	result *cloud.ChunkResult
	err    error
}

type hashesDone struct {
	guard
	sess   *cdn.Session
	hashes []cloud.WindowHash
	err    error
}

type reuploadDone struct {
	guard
	sess   *cdn.Session
	hashes []cloud.WindowHash
	err    error
}

// refill tops the pipeline up to MaxConcurrent. Ordered chunks parked in
// delayed hold a slot until they are decoded, but a request is always
// allowed when nothing is in flight so the chunk they wait for can be
// fetched again.
func (e *Engine) refill() {
	if e.life.state != StateDownloading || e.tracker == nil {
		return
	}
	for len(e.inflight) == 0 || len(e.inflight)+len(e.delayed) < e.params.MaxConcurrent {
		r, ok := e.mode.next(e)
		if !ok {
			return
		}
		e.issue(r)
	}
}

func (e *Engine) issue(r ranges.ByteRange) {
	e.reqSeq++
	ctx, cancel := context.WithCancel(e.ctx)
	req := &chunkRequest{
		id:     e.reqSeq,
		rng:    r,
		token:  uuid.NewString(),
		cancel: cancel,
		sent:   time.Now(),
	}
	creq := &cloud.ChunkRequest{
		Token:   req.token,
		Locator: e.params.Locator,
		DC:      e.dc,
		Offset:  r.Start,
		Limit:   r.Len(),
	}
	e.mode.target(e, creq)
	req.cdn = creq.Cdn != nil
	req.allowCdn = creq.AllowCdn

	e.inflight[req.id] = req
	e.tracker.MarkRequested(r.Start, r.End)
	e.logger.Debug().Str("range", r.String()).Int("dc", e.dc).Bool("cdn", req.cdn).Msg("Chunk requested")

	go func() {
		res, err := e.transport.FetchChunk(ctx, creq)
		e.post(&chunkResponse{req: req, result: res, err: err})
	}()
}

func (e *Engine) inflightBytes() int64 {
	var n int64
	for _, r := range e.inflight {
		n += r.rng.Len()
	}
	return n
}

// resetInflight abandons every outstanding request. Their responses are
// dropped when they arrive.
func (e *Engine) resetInflight() {
	for id, r := range e.inflight {
		r.cancel()
		e.tracker.Unrequest(r.rng.Start, r.rng.End)
		delete(e.inflight, id)
	}
}

func (ev *chunkResponse) handle(e *Engine) {
	req := ev.req
	if cur, ok := e.inflight[req.id]; !ok || cur != req {
		return
	}
	delete(e.inflight, req.id)
	req.cancel()

	switch res := ev.result; {
	case ev.err != nil:
		e.onChunkError(req, ev.err)
	case res == nil:
		e.onChunkError(req, fmt.Errorf("empty result for %s", req.rng))
	case res.Redirect != nil:
		e.tracker.Unrequest(req.rng.Start, req.rng.End)
		if !req.allowCdn {
			e.failWith(fmt.Errorf("unexpected redirect for %s", req.rng))
			break
		}
		e.onRedirect(res.Redirect)
	case res.ReuploadToken != nil:
		e.tracker.Unrequest(req.rng.Start, req.rng.End)
		e.onReupload(res.ReuploadToken)
	default:
		e.onData(req, res.Data)
	}
	e.refill()
	e.checkComplete()
}

func (e *Engine) onData(req *chunkRequest, data []byte) {
	r := req.rng
	n := int64(len(data))
	if n > r.Len() {
		data = data[:r.Len()]
		n = r.Len()
	}
	e.chunkStats.Add(time.Since(req.sent), n)

	if n < r.Len() {
		if e.params.Total > 0 {
			e.failWith(fmt.Errorf("%w: %d bytes at %d, wanted %d", ErrShortObject, n, r.Start, r.Len()))
			return
		}
		// A short chunk marks the end of an object of unknown size.
		e.shrinkTotal(r.Start + n)
	}
	if n > 0 {
		if err := e.mode.deliver(e, r.Start, data); err != nil {
			e.failWith(err)
			return
		}
	}
	e.mode.persist(e)
	e.reportProgress()
}

// shrinkTotal fixes the size of an object of unknown size. A size derived
// earlier only ever shrinks: an empty answer past the end sets an upper
// bound that a short chunk before it refines.
func (e *Engine) shrinkTotal(total int64) {
	if e.tracker.SizeKnown() && total >= e.tracker.Total() {
		return
	}
	e.tracker.SetTotal(total)
	e.total.Store(total)
	for id, r := range e.inflight {
		if r.rng.Start >= total {
			r.cancel()
			delete(e.inflight, id)
		}
	}
	e.logger.Info().Int64("total", total).Msg("Object size determined")
}

func (e *Engine) onChunkError(req *chunkRequest, err error) {
	e.tracker.Unrequest(req.rng.Start, req.rng.End)
	if errors.Is(err, context.Canceled) && e.ctx.Err() != nil {
		return
	}
	e.logger.Debug().Err(err).Str("range", req.rng.String()).Msg("Chunk request failed")

	if req.cdn {
		e.abandonCdn(err)
		return
	}
	if cloud.IsLimitInvalid(err) {
		if req.rng.Len() <= e.params.FallbackChunkSize {
			e.failWith(fmt.Errorf("chunk of %d bytes rejected: %w", req.rng.Len(), err))
			return
		}
		// Requests sent at the old size keep failing after the switch;
		// only the first one counts.
		if e.chunk > e.params.FallbackChunkSize {
			if !e.spendTransient(err) {
				return
			}
			e.logger.Warn().Int64("from", e.chunk).Int64("to", e.params.FallbackChunkSize).Msg("Chunk size rejected, shrinking")
			e.chunk = e.params.FallbackChunkSize
		}
		if r, ok := e.tracker.NextRequest(req.rng.Start, e.chunk); ok && r.Start == req.rng.Start {
			e.issue(r)
		}
		return
	}
	if dc, ok := cloud.MigrateTarget(err); ok {
		if !e.spendTransient(err) {
			return
		}
		e.switchDC(dc)
		return
	}
	if cloud.IsOffsetInvalid(err) {
		if e.params.Total <= 0 && req.rng.Start%e.chunk == 0 {
			e.shrinkTotal(req.rng.Start)
			return
		}
		e.failWith(fmt.Errorf("offset %d rejected: %w", req.rng.Start, err))
		return
	}
	if cloud.IsCdnTokenInvalid(err) {
		e.spendTransient(err)
		return
	}
	e.failWith(err)
}

func (e *Engine) switchDC(dc int) {
	old := e.dc
	e.resetInflight()
	if r, ok := e.transport.(cloud.ConnectionReleaser); ok {
		r.ReleaseConnections(old, e.connectionClass())
	}
	e.dc = dc
	e.logger.Info().Int("from", old).Int("to", dc).Msg("File migrated")
}

func (e *Engine) onRedirect(redir *cloud.Redirect) {
	if e.codec.sequential() {
		e.failWith(fmt.Errorf("cdn redirect cannot serve the %s scheme", e.params.Scheme))
		return
	}
	sess, err := cdn.NewSession(redir, e.params.CdnWindowSize)
	if err != nil {
		e.failWith(err)
		return
	}
	e.resetInflight()
	e.setMode(&cdnMode{normalMode: normalMode{}, sess: sess})
	e.logger.Info().Int("cdn", sess.DC).Int("hashes", len(redir.Hashes)).Msg("Redirected to CDN")
	if o, ok := e.delegate.(RedirectObserver); ok {
		o.OnRedirect(sess.DC, true)
	}
}

func (e *Engine) onReupload(requestToken []byte) {
	m, ok := e.mode.(*cdnMode)
	if !ok {
		return
	}
	if !m.sess.BeginReupload(constants.MaxReuploadAttempts) {
		if m.sess.Reuploading() {
			return
		}
		e.abandonCdn(errors.New("cdn still missing the file after re-upload"))
		return
	}
	ct, ok := e.transport.(cloud.CdnTransport)
	if !ok {
		e.abandonCdn(errNoCdnTransport)
		return
	}
	e.resetInflight()
	sess, dc := m.sess, e.dc
	e.logger.Info().Msg("Asking origin to re-upload file to CDN")
	go func() {
		hashes, err := ct.ReuploadCdnFile(e.ctx, dc, sess.FileToken, requestToken)
		e.post(&reuploadDone{sess: sess, hashes: hashes, err: err})
	}()
}

func (ev *reuploadDone) handle(e *Engine) {
	m, ok := e.mode.(*cdnMode)
	if !ok || m.sess != ev.sess {
		return
	}
	if ev.err != nil {
		e.abandonCdn(fmt.Errorf("re-upload failed: %w", ev.err))
	} else {
		m.sess.EndReupload(ev.hashes)
	}
	e.refill()
	e.checkComplete()
}

// requestHashes fetches a fresh digest table for the window at off.
func (e *Engine) requestHashes(sess *cdn.Session, off int64) {
	ct, ok := e.transport.(cloud.CdnTransport)
	dc := e.dc
	go func() {
		if !ok {
			e.post(&hashesDone{sess: sess, err: errNoCdnTransport})
			return
		}
		hashes, err := ct.FetchCdnHashes(e.ctx, dc, sess.FileToken, off)
		e.post(&hashesDone{sess: sess, hashes: hashes, err: err})
	}()
}

func (ev *hashesDone) handle(e *Engine) {
	m, ok := e.mode.(*cdnMode)
	if !ok || m.sess != ev.sess {
		return
	}
	if err := ev.verifyArrived(e, m); err != nil {
		e.failWith(err)
		return
	}
	e.refill()
	e.checkComplete()
}

// verifyArrived checks every window that waited for the new digest table.
// A failed request or a window still without a digest abandons the CDN.
func (ev *hashesDone) verifyArrived(e *Engine, m *cdnMode) error {
	if ev.err != nil {
		e.abandonCdn(fmt.Errorf("digest table request failed: %w", ev.err))
		return nil
	}
	bound := e.tracker.Bound()
	for _, start := range m.sess.HashesArrived(ev.hashes) {
		if _, known := m.sess.Digest(start); !known {
			e.abandonCdn(fmt.Errorf("no digest declared for window at %d", start))
			return nil
		}
		if err := m.verify(e, m.sess.Window(start, bound)); err != nil {
			return err
		}
	}
	return nil
}

// abandonCdn drops the CDN session and goes back to the primary endpoint.
// Windows that were never verified are fetched again. The CDN stays off
// for the rest of the transfer. Callers refill the pipeline afterwards.
func (e *Engine) abandonCdn(cause error) {
	m, ok := e.mode.(*cdnMode)
	if !ok {
		return
	}
	e.logger.Warn().Err(cause).Msg("Abandoning CDN")
	if !e.spendTransient(cause) {
		return
	}
	e.resetInflight()
	for _, w := range m.sess.Unverified(e.tracker.Bound()) {
		e.tracker.Invalidate(w.Start, w.End)
	}
	e.cdnDisabled = true
	e.setMode(normalMode{})
	if o, ok := e.delegate.(RedirectObserver); ok {
		o.OnRedirect(m.sess.DC, false)
	}
	e.persistStaging(nil)
	e.reportProgress()
}

// openStaging opens the staging file and restores resume state, or starts
// from scratch when the sidecars do not describe the file on disk.
func (e *Engine) openStaging() error {
	p := &e.params
	bound := p.bound()
	notWritten, cs, fresh := e.loadResume()

	if err := os.MkdirAll(filepath.Dir(p.TempPath), 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	flags := os.O_RDWR | os.O_CREATE
	if fresh {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(p.TempPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open staging file: %w", err)
	}
	e.file = f

	if fresh {
		if err := state.DeleteAll(p.TempPath); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to remove stale sidecars")
		}
		e.tracker = ranges.NewTracker(bound)
		if e.codec, err = newCodec(p, nil); err != nil {
			return err
		}
		e.seedFromPreload()
	} else {
		e.tracker = ranges.Restore(bound, notWritten)
		if e.codec, err = newCodec(p, cs); err != nil {
			return err
		}
		e.logger.Info().Int64("written", e.tracker.Written()).Int("gaps", len(notWritten)).Msg("Resuming transfer")
	}

	if bound > 0 {
		if err := diskspace.Ensure(p.TempPath, bound-e.tracker.Written()); err != nil {
			return err
		}
	}
	e.writer = state.NewWriter(p.SidecarDebounce, e.logger)
	return nil
}

// loadResume validates the sidecars against the staging file. Any
// inconsistency means a fresh start.
func (e *Engine) loadResume() (ranges.List, *state.CipherState, bool) {
	p := &e.params
	fresh := func(reason string, err error) (ranges.List, *state.CipherState, bool) {
		e.logger.Debug().Err(err).Str("reason", reason).Msg("Starting from scratch")
		return nil, nil, true
	}

	info, err := os.Stat(p.TempPath)
	if err != nil {
		return fresh("no staging file", nil)
	}
	nw, err := state.LoadRanges(p.TempPath)
	if err != nil || nw == nil {
		return fresh("no usable range list", err)
	}

	bound := p.bound()
	t := ranges.Restore(bound, nw)
	nw = t.NotWritten()
	last, hasGap := ranges.ByteRange{}, len(nw) > 0
	if hasGap {
		last = nw[len(nw)-1]
	}
	if bound <= 0 && (!hasGap || last.End != ranges.Unbounded) {
		return fresh("range list does not match an unknown size", nil)
	}

	highest := t.Bound()
	if hasGap && last.End == t.Bound() {
		highest = last.Start
	}
	if p.Total > 0 {
		highest = min(highest, p.Total)
	}
	if info.Size() < highest {
		return fresh("staging file shorter than recorded ranges", nil)
	}

	if p.Scheme != encryption.SchemeOrdered {
		return nw, nil, false
	}
	cs, err := state.LoadCipherState(p.TempPath)
	if err != nil || cs == nil {
		return fresh("no usable cipher state", err)
	}
	prefix := t.WrittenPrefix()
	if cs.Offset != prefix {
		return fresh("cipher state does not match written prefix", nil)
	}
	if hasGap && (len(nw) != 1 || last != (ranges.ByteRange{Start: prefix, End: bound})) {
		return fresh("ordered transfer has gaps past its prefix", nil)
	}
	return nw, cs, false
}

// seedFromPreload writes chunks an earlier preload fetched into a fresh
// staging file.
func (e *Engine) seedFromPreload() {
	if e.codec.sequential() || !e.tracker.SizeKnown() {
		return
	}
	_, records, err := state.ReadPreloadFile(state.PreloadPath(e.params.Destination))
	if err != nil {
		return
	}
	seeded := 0
	for _, rec := range records {
		n := int64(len(rec.Data))
		if n == 0 || rec.Offset < 0 || rec.Offset+n > e.tracker.Bound() {
			continue
		}
		if err := e.apply(rec.Offset, append([]byte(nil), rec.Data...)); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to reuse preloaded chunk")
			return
		}
		seeded++
	}
	if seeded > 0 {
		e.logger.Info().Int("chunks", seeded).Int64("bytes", e.tracker.Written()).Msg("Seeded from preload")
	}
}

// nextStaging picks the next range for the staging file. The ordered
// scheme always continues at the decoder's offset. Otherwise the seek hint
// is aligned to the chunk size and followed forward.
func (e *Engine) nextStaging() (ranges.ByteRange, bool) {
	if e.codec.sequential() {
		return e.tracker.NextRequest(e.codec.next(), e.chunk)
	}
	if e.priority < 0 {
		return e.tracker.NextRequest(-1, e.chunk)
	}
	for _, at := range []int64{e.priority / e.chunk * e.chunk, e.priority} {
		if r, ok := e.tracker.NextRequest(at, e.chunk); ok && r.Start == at {
			e.priority = r.End
			return r, true
		}
	}
	return e.tracker.NextRequest(-1, e.chunk)
}

func (e *Engine) stagingComplete() bool {
	return e.tracker.Complete() && len(e.delayed) == 0
}

// writeChunk writes a chunk of origin bytes. The ordered scheme parks
// chunks until every byte before them was decoded.
func (e *Engine) writeChunk(off int64, data []byte) error {
	if !e.codec.sequential() {
		return e.apply(off, data)
	}
	next := e.codec.next()
	switch {
	case off < next:
		return nil
	case off > next:
		e.delayed[off] = data
		return nil
	}
	if err := e.apply(off, data); err != nil {
		return err
	}
	for {
		next = e.codec.next()
		buf, ok := e.delayed[next]
		if !ok {
			return nil
		}
		delete(e.delayed, next)
		if err := e.apply(next, buf); err != nil {
			return err
		}
	}
}

func (e *Engine) apply(off int64, raw []byte) error {
	n := int64(len(raw))
	plain, err := e.codec.decode(off, raw)
	if err != nil {
		return fmt.Errorf("failed to decode chunk at %d: %w", off, err)
	}
	if len(plain) > 0 {
		if _, err := e.file.WriteAt(plain, off); err != nil {
			return fmt.Errorf("failed to write chunk at %d: %w", off, err)
		}
	}
	e.tracker.MarkWritten(off, off+n)
	return nil
}

// readStaging reads a written window back. release returns the buffer.
func (e *Engine) readStaging(w ranges.ByteRange) ([]byte, func(), error) {
	size := int(w.Len())
	buf := buffers.Get(size)
	n, err := e.file.ReadAt(*buf, w.Start)
	if err != nil && !(errors.Is(err, io.EOF) && n == size) {
		buffers.Put(buf)
		return nil, nil, fmt.Errorf("failed to read window %s: %w", w, err)
	}
	return (*buf)[:n], func() { buffers.Put(buf) }, nil
}

// persistStaging submits the resume sidecars. extra lists written ranges
// that must still be treated as missing after a restart.
func (e *Engine) persistStaging(extra ranges.List) {
	if e.writer == nil || e.tracker == nil {
		return
	}
	nw := e.tracker.NotWritten()
	for _, r := range extra {
		nw.Add(r.Start, r.End)
	}
	e.writer.Submit(state.RangesPath(e.params.TempPath), state.MarshalRanges(nw))
	if oc, ok := e.codec.(*orderedCodec); ok {
		e.writer.Submit(state.CipherStatePath(e.params.TempPath), state.MarshalCipherState(oc.cipherState()))
	}
}

func (e *Engine) sealStaging() error {
	size := e.tracker.Total()
	if e.params.Total > 0 {
		size = e.params.Total
	}
	if err := e.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to size staging file: %w", err)
	}
	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync staging file: %w", err)
	}
	return nil
}

// finalizeStaging moves the staging file to the destination. If neither a
// rename nor a copy works the staging path itself is the result.
func (e *Engine) finalizeStaging() string {
	p := &e.params
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	e.writer.Discard(sidecarPaths(p.TempPath)...)

	path, err := moveIntoPlace(p.TempPath, p.Destination, p.RenameRetries, p.RenameRetryDelay, e.logger)
	if err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("Keeping file at staging path")
	}
	if err := state.DeleteAll(p.TempPath); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to remove sidecars")
	}
	if err := os.Remove(state.PreloadPath(p.Destination)); err != nil && !os.IsNotExist(err) {
		e.logger.Warn().Err(err).Msg("Failed to remove preload sidecar")
	}
	return path
}

// discardStaging removes the staging file and its sidecars.
func (e *Engine) discardStaging() {
	p := &e.params
	if e.writer != nil {
		e.writer.Discard(sidecarPaths(p.TempPath)...)
	}
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	if _, ok := e.mode.(*preloadMode); ok {
		return
	}
	if err := os.Remove(p.TempPath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn().Err(err).Msg("Failed to remove staging file")
	}
	if err := state.DeleteAll(p.TempPath); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to remove sidecars")
	}
}

func sidecarPaths(tempPath string) []string {
	return []string{state.RangesPath(tempPath), state.CipherStatePath(tempPath)}
}
