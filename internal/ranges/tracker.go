package ranges

import "math"

// Unbounded is the end used for the open gap of a transfer whose total size
// is not known yet.
const Unbounded = int64(math.MaxInt64)

// Tracker records what is still missing from a transfer.
//
// notWritten only shrinks through MarkWritten (or SetTotal trimming the open
// tail). notRequested shrinks when a range is handed out and grows back when
// a request is abandoned before its bytes were written.
type Tracker struct {
	total        int64
	known        bool
	notWritten   List
	notRequested List
	written      int64
}

// NewTracker starts a tracker for a fresh transfer. A zero total means the
// size is unknown and the gap extends to Unbounded.
func NewTracker(total int64) *Tracker {
	end := total
	if total <= 0 {
		total = 0
		end = Unbounded
	}
	return &Tracker{
		total:        total,
		known:        total > 0,
		notWritten:   List{{0, end}},
		notRequested: List{{0, end}},
	}
}

// Restore rebuilds a tracker from a persisted not-yet-written list. Nothing
// is considered requested.
func Restore(total int64, notWritten List) *Tracker {
	t := NewTracker(total)
	if !notWritten.Valid() {
		return t
	}
	bound := t.bound()
	nw := List{}
	for _, r := range notWritten {
		if r.Start >= bound {
			break
		}
		nw.Add(r.Start, min(r.End, bound))
	}
	t.notWritten = nw
	t.notRequested = nw.Clone()
	if t.known {
		t.written = t.total - nw.Size()
	} else if first, ok := nw.First(); ok {
		// only the contiguous prefix is counted for an unknown size
		t.written = first.Start
	}
	return t
}

func (t *Tracker) bound() int64 {
	if t.known {
		return t.total
	}
	return Unbounded
}

// Bound returns the end of the tracked byte space: the total when known,
// Unbounded otherwise.
func (t *Tracker) Bound() int64 {
	return t.bound()
}

// Total returns the known total size or 0.
func (t *Tracker) Total() int64 {
	return t.total
}

// SizeKnown reports whether the total size has been fixed.
func (t *Tracker) SizeKnown() bool {
	return t.known
}

// SetTotal fixes the size of a transfer that started with an unknown size,
// or shrinks a known one. Everything at or past total stops being a gap.
func (t *Tracker) SetTotal(total int64) {
	if total < 0 {
		return
	}
	old := t.bound()
	t.total = total
	t.known = true
	if total < old {
		t.notWritten.Remove(total, old)
		t.notRequested.Remove(total, old)
	}
}

// MarkWritten records [start, end) as durably written.
func (t *Tracker) MarkWritten(start, end int64) {
	t.written += t.notWritten.Remove(start, end)
	t.notRequested.Remove(start, end)
}

// MarkRequested removes [start, end) from the request pool.
func (t *Tracker) MarkRequested(start, end int64) {
	t.notRequested.Remove(start, end)
}

// Unrequest returns the still-unwritten parts of [start, end) to the request
// pool.
func (t *Tracker) Unrequest(start, end int64) {
	for _, r := range t.notWritten.Intersect(start, end) {
		t.notRequested.Add(r.Start, r.End)
	}
}

// UnrequestAll makes every unwritten byte requestable again.
func (t *Tracker) UnrequestAll() {
	t.notRequested = t.notWritten.Clone()
}

// Invalidate turns [start, end) back into a gap. It is used when written
// bytes turn out to be unusable (a rejected CDN window).
func (t *Tracker) Invalidate(start, end int64) {
	end = min(end, t.bound())
	if start >= end {
		return
	}
	before := t.notWritten.Size()
	t.notWritten.Add(start, end)
	t.written -= t.notWritten.Size() - before
	t.notRequested.Add(start, end)
}

// NextGapAt returns priority if it lies inside a not-yet-written gap,
// otherwise the start of the earliest gap. ok is false when no gap remains.
func (t *Tracker) NextGapAt(priority int64) (int64, bool) {
	return nextIn(t.notWritten, priority)
}

// NextRequest picks the next range to request, at most chunk bytes long.
// The same precedence as NextGapAt applies, on the unrequested set.
// A negative priority disables the seek hint.
func (t *Tracker) NextRequest(priority, chunk int64) (ByteRange, bool) {
	start, ok := nextIn(t.notRequested, priority)
	if !ok {
		return ByteRange{}, false
	}
	r, _ := t.notRequested.RangeAt(start)
	end := r.End
	if chunk > 0 && end-start > chunk {
		end = start + chunk
	}
	return ByteRange{start, end}, true
}

// NextRequestWithin picks the first unrequested range inside want, at most
// chunk bytes long.
func (t *Tracker) NextRequestWithin(want List, chunk int64) (ByteRange, bool) {
	for _, w := range want {
		in := t.notRequested.Intersect(w.Start, w.End)
		if len(in) == 0 {
			continue
		}
		r := in[0]
		if chunk > 0 && r.End-r.Start > chunk {
			r.End = r.Start + chunk
		}
		return r, true
	}
	return ByteRange{}, false
}

// IsRequested reports whether off has been handed out or written.
func (t *Tracker) IsRequested(off int64) bool {
	return off >= 0 && off < t.bound() && !t.notRequested.Contains(off)
}

func nextIn(l List, priority int64) (int64, bool) {
	if priority >= 0 && l.Contains(priority) {
		return priority, true
	}
	first, ok := l.First()
	return first.Start, ok
}

// IsWritten reports whether the byte at off has been written.
func (t *Tracker) IsWritten(off int64) bool {
	return off >= 0 && off < t.bound() && !t.notWritten.Contains(off)
}

// IsRangeWritten reports whether all of [start, end) has been written.
func (t *Tracker) IsRangeWritten(start, end int64) bool {
	return !t.notWritten.Intersects(start, end)
}

// WrittenPrefix returns the end of the contiguous written run starting at 0.
func (t *Tracker) WrittenPrefix() int64 {
	if first, ok := t.notWritten.First(); ok {
		return first.Start
	}
	return t.bound()
}

// Written returns the number of bytes written so far.
func (t *Tracker) Written() int64 {
	return t.written
}

// Complete reports whether the size is known and nothing remains to write.
func (t *Tracker) Complete() bool {
	return t.known && len(t.notWritten) == 0
}

// HasUnrequested reports whether any byte is still waiting to be requested.
func (t *Tracker) HasUnrequested() bool {
	return len(t.notRequested) > 0
}

// NotWritten returns a copy of the not-yet-written set.
func (t *Tracker) NotWritten() List {
	return t.notWritten.Clone()
}
