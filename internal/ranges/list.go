// Package ranges tracks which byte ranges of a transfer are still missing.
//
// A List is a sorted, disjoint, coalesced set of half-open byte ranges.
// A Tracker pairs two lists: bytes not yet durably written and bytes not yet
// requested. Neither type is safe for concurrent use; an engine mutates its
// tracker only from its control goroutine.
package ranges

import (
	"fmt"
	"sort"
)

// ByteRange is the half-open interval [Start, End).
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns End - Start.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// Contains reports whether off lies inside r.
func (r ByteRange) Contains(off int64) bool {
	return off >= r.Start && off < r.End
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// List is a sorted set of disjoint, non-adjacent ranges.
type List []ByteRange

// Add unions [start, end) into the list, merging any range it overlaps or
// touches.
func (l *List) Add(start, end int64) {
	if start >= end {
		return
	}
	s := *l
	// first range whose End reaches start (touching counts)
	i := sort.Search(len(s), func(k int) bool { return s[k].End >= start })
	// first range that starts strictly after end
	j := sort.Search(len(s), func(k int) bool { return s[k].Start > end })

	if i == j {
		s = append(s, ByteRange{})
		copy(s[i+1:], s[i:])
		s[i] = ByteRange{start, end}
		*l = s
		return
	}

	merged := ByteRange{Start: min(start, s[i].Start), End: max(end, s[j-1].End)}
	s[i] = merged
	*l = append(s[:i+1], s[j:]...)
}

// Remove subtracts [start, end) from the list and returns how many bytes
// were actually removed.
func (l *List) Remove(start, end int64) int64 {
	if start >= end {
		return 0
	}
	s := *l
	i := sort.Search(len(s), func(k int) bool { return s[k].End > start })
	j := sort.Search(len(s), func(k int) bool { return s[k].Start >= end })
	if i >= j {
		return 0
	}

	var removed int64
	for k := i; k < j; k++ {
		removed += min(end, s[k].End) - max(start, s[k].Start)
	}

	var keep []ByteRange
	if s[i].Start < start {
		keep = append(keep, ByteRange{s[i].Start, start})
	}
	if s[j-1].End > end {
		keep = append(keep, ByteRange{end, s[j-1].End})
	}

	out := make(List, 0, len(s)-(j-i)+len(keep))
	out = append(out, s[:i]...)
	out = append(out, keep...)
	out = append(out, s[j:]...)
	*l = out
	return removed
}

// find returns the index of the range containing off, or -1.
func (l List) find(off int64) int {
	i := sort.Search(len(l), func(k int) bool { return l[k].End > off })
	if i < len(l) && l[i].Start <= off {
		return i
	}
	return -1
}

// Contains reports whether off lies inside any range.
func (l List) Contains(off int64) bool {
	return l.find(off) >= 0
}

// RangeAt returns the range containing off.
func (l List) RangeAt(off int64) (ByteRange, bool) {
	if i := l.find(off); i >= 0 {
		return l[i], true
	}
	return ByteRange{}, false
}

// Covers reports whether [start, end) lies entirely inside one range.
func (l List) Covers(start, end int64) bool {
	if start >= end {
		return true
	}
	r, ok := l.RangeAt(start)
	return ok && r.End >= end
}

// Intersects reports whether any byte of [start, end) is in the list.
func (l List) Intersects(start, end int64) bool {
	if start >= end {
		return false
	}
	i := sort.Search(len(l), func(k int) bool { return l[k].End > start })
	return i < len(l) && l[i].Start < end
}

// Intersect returns the parts of [start, end) that are in the list.
func (l List) Intersect(start, end int64) List {
	var out List
	i := sort.Search(len(l), func(k int) bool { return l[k].End > start })
	for ; i < len(l) && l[i].Start < end; i++ {
		out = append(out, ByteRange{max(start, l[i].Start), min(end, l[i].End)})
	}
	return out
}

// First returns the lowest range.
func (l List) First() (ByteRange, bool) {
	if len(l) == 0 {
		return ByteRange{}, false
	}
	return l[0], true
}

// Size returns the number of bytes covered by the list.
func (l List) Size() int64 {
	var n int64
	for _, r := range l {
		n += r.Len()
	}
	return n
}

// Clone returns an independent copy.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	copy(out, l)
	return out
}

// Valid reports whether the list is sorted, disjoint, non-adjacent and made
// of non-empty non-negative ranges. Lists read from disk are checked with it.
func (l List) Valid() bool {
	for k, r := range l {
		if r.Start < 0 || r.Start >= r.End {
			return false
		}
		if k > 0 && l[k-1].End >= r.Start {
			return false
		}
	}
	return true
}
