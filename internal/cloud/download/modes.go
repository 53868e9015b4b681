package download

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/cdn"
	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/preload"
	"github.com/rescale/rescale-fetch/internal/ranges"
)

// transferMode is the strategy the pipeline core dispatches to. A transfer
// starts in normal or preload mode; a redirect swaps normal for cdn and
// abandoning the CDN swaps it back. Modes are only touched on the control
// goroutine.
type transferMode interface {
	name() string
	// open loads or initialises resume state. done reports that nothing is
	// left to fetch.
	open(e *Engine) (done bool, err error)
	target(e *Engine, req *cloud.ChunkRequest)
	next(e *Engine) (ranges.ByteRange, bool)
	deliver(e *Engine, off int64, data []byte) error
	done(e *Engine) (bool, error)
	persist(e *Engine)
	// seal makes the result durable before the finish transition.
	seal(e *Engine) error
	destination(e *Engine) string
	finalize(e *Engine) string
	close()
}

// normalMode fetches the whole object from the primary endpoint into the
// staging file.
type normalMode struct{}

func (normalMode) name() string { return "normal" }

func (normalMode) open(e *Engine) (bool, error) {
	if err := e.openStaging(); err != nil {
		return false, err
	}
	return e.stagingComplete(), nil
}

func (normalMode) target(e *Engine, req *cloud.ChunkRequest) {
	req.AllowCdn = e.params.AllowCdn && !e.cdnDisabled
}

func (normalMode) next(e *Engine) (ranges.ByteRange, bool) {
	return e.nextStaging()
}

func (normalMode) deliver(e *Engine, off int64, data []byte) error {
	return e.writeChunk(off, data)
}

func (normalMode) done(e *Engine) (bool, error) {
	return e.stagingComplete(), nil
}

func (normalMode) persist(e *Engine) {
	e.persistStaging(nil)
}

func (normalMode) seal(e *Engine) error {
	return e.sealStaging()
}

func (normalMode) destination(e *Engine) string {
	return e.params.Destination
}

func (normalMode) finalize(e *Engine) string {
	return e.finalizeStaging()
}

func (normalMode) close() {}

// cdnMode fetches from a CDN session. Its bytes are decoded with the
// session key before the transfer codec sees them, and every window they
// land in is verified once fully written.
type cdnMode struct {
	normalMode
	sess *cdn.Session
}

func (*cdnMode) name() string { return "cdn" }

func (m *cdnMode) target(_ *Engine, req *cloud.ChunkRequest) {
	req.AllowCdn = false
	req.Cdn = m.sess.Target()
}

func (m *cdnMode) next(e *Engine) (ranges.ByteRange, bool) {
	if m.sess.Reuploading() {
		return ranges.ByteRange{}, false
	}
	return e.nextStaging()
}

func (m *cdnMode) deliver(e *Engine, off int64, data []byte) error {
	plain := m.sess.Decrypt(off, data)
	if err := e.writeChunk(off, plain); err != nil {
		return err
	}
	for _, w := range m.sess.Touch(off, off+int64(len(plain)), e.tracker.Bound()) {
		if err := m.verify(e, w); err != nil {
			return err
		}
	}
	return nil
}

// verify checks w if it is fully written, parking it when its digest is
// not known yet.
func (m *cdnMode) verify(e *Engine, w ranges.ByteRange) error {
	if w.Start >= w.End || m.sess.Verified(w.Start) || !e.tracker.IsRangeWritten(w.Start, w.End) {
		return nil
	}
	if _, ok := m.sess.Digest(w.Start); !ok {
		if m.sess.Await(w.Start) {
			e.requestHashes(m.sess, w.Start)
		}
		return nil
	}

	contents, release, err := e.readStaging(w)
	if err != nil {
		return err
	}
	defer release()
	origin, err := e.codec.encode(w.Start, contents)
	if err != nil {
		return err
	}
	if _, err := m.sess.Check(w, origin); err != nil {
		return err
	}
	e.logger.Debug().Str("window", w.String()).Msg("CDN window verified")
	return nil
}

func (m *cdnMode) done(e *Engine) (bool, error) {
	if !e.stagingComplete() {
		return false, nil
	}
	// The last window only becomes checkable once the size is known.
	for _, w := range m.sess.Unverified(e.tracker.Bound()) {
		if err := m.verify(e, w); err != nil {
			return false, err
		}
	}
	return m.sess.AllVerified(), nil
}

func (m *cdnMode) persist(e *Engine) {
	e.persistStaging(m.sess.Unverified(e.tracker.Bound()))
}

// preloadMode fetches the head of the object and the window around its
// trailer box into the preload sidecar, leaving the staging file alone.
type preloadMode struct {
	pfile   *state.PreloadFile
	scanner *preload.Scanner
	chunks  map[int64][]byte // decoded chunks fed so far, by offset
}

func (*preloadMode) name() string { return "preload" }

func (m *preloadMode) open(e *Engine) (bool, error) {
	p := &e.params
	codec, err := newCodec(p, nil)
	if err != nil {
		return false, err
	}
	e.codec = codec
	e.tracker = ranges.NewTracker(p.Total)

	m.scanner, err = preload.NewScanner(preload.Config{
		Total:      p.Total,
		ChunkSize:  e.chunk,
		HeadWindow: p.PreloadHeadWindow,
		Budget:     p.PreloadBudget,
	})
	if err != nil {
		return false, err
	}

	path := state.PreloadPath(p.Destination)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create preload directory: %w", err)
	}
	m.pfile, err = state.OpenPreloadFile(path)
	if err != nil {
		return false, err
	}
	e.writer = state.NewWriter(p.SidecarDebounce, e.logger)
	if m.pfile.Complete() {
		return true, nil
	}

	m.chunks = make(map[int64][]byte)
	for _, rec := range m.pfile.Records() {
		end := rec.Offset + int64(len(rec.Data))
		if rec.Offset < 0 || end > p.Total || len(rec.Data) == 0 {
			continue
		}
		if err := m.feed(e, rec.Offset, append([]byte(nil), rec.Data...)); err != nil {
			return false, err
		}
	}
	if n := len(m.chunks); n > 0 {
		e.logger.Info().Int("chunks", n).Int64("fed", m.scanner.Fed()).
			Str("trailer", m.scanner.Trailer.String()).Msg("Resumed preload")
	}
	return m.scanner.Done(), nil
}

func (*preloadMode) target(_ *Engine, req *cloud.ChunkRequest) {
	req.AllowCdn = false
}

func (m *preloadMode) next(e *Engine) (ranges.ByteRange, bool) {
	s := m.scanner
	if s.Done() || s.Fed()+e.inflightBytes() >= e.params.PreloadBudget {
		return ranges.ByteRange{}, false
	}
	if s.Searching() {
		if off := s.NextScanOffset; off >= 0 && off < e.params.Total && !e.tracker.IsRequested(off) {
			return e.tracker.NextRequest(off, e.chunk)
		}
		head := ranges.List{{Start: 0, End: min(e.params.PreloadHeadWindow, e.params.Total)}}
		return e.tracker.NextRequestWithin(head, e.chunk)
	}
	return e.tracker.NextRequestWithin(s.Plan(), e.chunk)
}

// feed decodes raw, hands it to the scanner and replays chunks the scanner
// asks for again (headers found out of arrival order).
func (m *preloadMode) feed(e *Engine, off int64, raw []byte) error {
	decoded, err := e.codec.decode(off, raw)
	if err != nil {
		return err
	}
	m.chunks[off] = decoded
	e.tracker.MarkWritten(off, off+int64(len(decoded)))
	m.scanner.Feed(off, decoded)

	for m.scanner.Searching() {
		want := m.scanner.NextScanOffset
		start, data, ok := m.chunkAt(want)
		if !ok {
			break
		}
		before := m.scanner.NextAtomOffset
		m.scanner.Feed(start, data)
		if m.scanner.NextScanOffset == want && m.scanner.NextAtomOffset == before {
			break
		}
	}
	return nil
}

func (m *preloadMode) chunkAt(off int64) (int64, []byte, bool) {
	if off < 0 {
		return 0, nil, false
	}
	for start, data := range m.chunks {
		if off >= start && off < start+int64(len(data)) {
			return start, data, true
		}
	}
	return 0, nil, false
}

func (m *preloadMode) deliver(e *Engine, off int64, data []byte) error {
	raw := append([]byte(nil), data...)
	if err := m.feed(e, off, data); err != nil {
		return err
	}
	rec := state.PreloadRecord{
		Offset:                off,
		Data:                  raw,
		RemainingTrailerBytes: m.scanner.RemainingTrailerBytes,
		NextScanOffset:        m.scanner.NextScanOffset,
		NextAtomOffset:        m.scanner.NextAtomOffset,
	}
	return e.writer.Enqueue(func() error { return m.pfile.Put(rec) })
}

func (m *preloadMode) done(e *Engine) (bool, error) {
	if m.scanner.Done() {
		return true, nil
	}
	if len(e.inflight) > 0 {
		return false, nil
	}
	// Nothing in flight and nothing left worth asking for.
	_, more := m.next(e)
	return !more, nil
}

func (*preloadMode) persist(*Engine) {}

func (m *preloadMode) seal(e *Engine) error {
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to store preload records: %w", err)
	}
	if gaveUp, reason := m.scanner.GaveUp(); gaveUp {
		e.logger.Info().Str("reason", reason).Msg("Preload scan stopped without a trailer box")
	}
	return m.pfile.SetComplete(true)
}

func (m *preloadMode) destination(*Engine) string {
	return m.pfile.Path()
}

func (m *preloadMode) finalize(e *Engine) string {
	path := m.pfile.Path()
	m.close()
	e.logger.Info().Int64("bytes", m.scanner.Fed()).Str("trailer", m.scanner.Trailer.String()).Msg("Preload complete")
	return path
}

func (m *preloadMode) close() {
	if m.pfile != nil {
		m.pfile.Close()
	}
}

var (
	_ transferMode = normalMode{}
	_ transferMode = (*cdnMode)(nil)
	_ transferMode = (*preloadMode)(nil)
)
