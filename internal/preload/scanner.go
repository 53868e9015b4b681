// Package preload locates the trailer box of an MP4-style container so that
// the head of the file and the box holding the playback index can be fetched
// before the rest of the object.
//
// The Scanner is fed chunks as they arrive. While the trailer has not been
// found it walks top-level boxes one header at a time and asks for the chunk
// containing the next header. Once found, it asks for the head window and a
// window around the trailer, and stops when that plan is fetched or the byte
// budget is spent.
package preload

import (
	"encoding/binary"
	"fmt"

	"github.com/rescale/rescale-fetch/internal/ranges"
)

// TrailerTag is the box type holding the playback index.
const TrailerTag = "moov"

// carrySize is large enough for an extended box header.
const carrySize = 16

// Trailer describes where the trailer box was found.
type Trailer int

const (
	TrailerUnknown Trailer = iota
	TrailerNear            // inside the head window
	TrailerFar             // past the head window, usually after the media data
)

func (t Trailer) String() string {
	switch t {
	case TrailerNear:
		return "near"
	case TrailerFar:
		return "far"
	default:
		return "unknown"
	}
}

// Config sizes a scan.
type Config struct {
	Total      int64 // object size, must be known
	ChunkSize  int64 // requests are aligned to this
	HeadWindow int64 // bytes at the start always fetched
	Budget     int64 // stop once this many bytes were fed
}

// Scanner is not safe for concurrent use.
type Scanner struct {
	cfg Config

	Trailer               Trailer
	NextAtomOffset        int64 // next top-level box header to parse
	NextScanOffset        int64 // next chunk offset wanted while searching, -1 when none
	RemainingTrailerBytes int64 // trailer bytes not fed yet, valid once found

	trailer ranges.ByteRange
	fed     ranges.List
	wanted  ranges.List
	gaveUp  bool
	reason  string
	fedSize int64

	carry    [carrySize]byte
	carryLen int
	carryAt  int64
}

// NewScanner starts a scan at offset 0.
func NewScanner(cfg Config) (*Scanner, error) {
	if cfg.Total <= 0 {
		return nil, fmt.Errorf("preload needs a known size")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", cfg.ChunkSize)
	}
	return &Scanner{cfg: cfg}, nil
}

// Searching reports whether the trailer is still being looked for.
func (s *Scanner) Searching() bool {
	return s.Trailer == TrailerUnknown && !s.gaveUp
}

// Done reports whether the scan needs nothing more: the plan is fetched, the
// budget is spent, or the container could not be walked.
func (s *Scanner) Done() bool {
	if s.gaveUp || s.fedSize >= s.cfg.Budget {
		return true
	}
	return !s.Searching() && len(s.Plan()) == 0
}

// GaveUp reports whether the scan stopped without finding the trailer, with
// the reason.
func (s *Scanner) GaveUp() (bool, string) {
	return s.gaveUp, s.reason
}

// Fed returns the bytes fed so far.
func (s *Scanner) Fed() int64 {
	return s.fedSize
}

// TrailerRange returns the trailer box extent once found.
func (s *Scanner) TrailerRange() (ranges.ByteRange, bool) {
	return s.trailer, s.Trailer != TrailerUnknown
}

// Plan returns the wanted ranges not fed yet. Empty while searching.
func (s *Scanner) Plan() ranges.List {
	var out ranges.List
	for _, w := range s.wanted {
		out = append(out, w)
	}
	for _, f := range s.fed {
		out.Remove(f.Start, f.End)
	}
	return out
}

// Feed consumes the chunk at offset.
func (s *Scanner) Feed(offset int64, data []byte) {
	if len(data) == 0 {
		return
	}
	end := offset + int64(len(data))
	before := s.fed.Size()
	s.fed.Add(offset, end)
	s.fedSize += s.fed.Size() - before

	if s.Searching() {
		s.walk(offset, data)
	}
	s.updateRemaining()
}

func (s *Scanner) align(off int64) int64 {
	return off / s.cfg.ChunkSize * s.cfg.ChunkSize
}

// walk parses every box header reachable inside data.
func (s *Scanner) walk(offset int64, data []byte) {
	end := offset + int64(len(data))

	// A header split at the previous chunk's end continues here.
	if s.carryLen > 0 && offset == s.carryAt+int64(s.carryLen) {
		need := min(carrySize-s.carryLen, len(data))
		var hdr [carrySize]byte
		copy(hdr[:], s.carry[:s.carryLen])
		copy(hdr[s.carryLen:], data[:need])
		n := s.carryLen + need
		s.carryLen = 0
		if !s.parseAt(s.carryAt, hdr[:n], end) {
			return
		}
	} else {
		s.carryLen = 0
	}

	for s.Searching() && s.NextAtomOffset >= offset && s.NextAtomOffset < end {
		rel := s.NextAtomOffset - offset
		if !s.parseAt(s.NextAtomOffset, data[rel:], end) {
			return
		}
	}

	if s.Searching() && s.carryLen == 0 {
		s.NextScanOffset = s.align(s.NextAtomOffset)
	}
}

// parseAt parses the header at absolute offset at from hdr (which may be a
// prefix of the remaining data). dataEnd is the end of the bytes available.
// It returns false when walking must pause.
func (s *Scanner) parseAt(at int64, hdr []byte, dataEnd int64) bool {
	if len(hdr) < 8 {
		s.stash(at, hdr, dataEnd)
		return false
	}

	size := int64(binary.BigEndian.Uint32(hdr[0:4]))
	tag := string(hdr[4:8])
	headerLen := int64(8)

	switch size {
	case 1:
		if len(hdr) < 16 {
			s.stash(at, hdr, dataEnd)
			return false
		}
		ext := binary.BigEndian.Uint64(hdr[8:16])
		if ext > uint64(s.cfg.Total) {
			s.giveUp(fmt.Sprintf("box %q at %d claims %d bytes", tag, at, ext))
			return false
		}
		size = int64(ext)
		headerLen = 16
	case 0:
		size = s.cfg.Total - at
	}

	if size < headerLen {
		s.giveUp(fmt.Sprintf("box %q at %d has invalid size %d", tag, at, size))
		return false
	}

	if tag == TrailerTag {
		s.found(at, min(at+size, s.cfg.Total))
		return false
	}

	s.NextAtomOffset = at + size
	if s.NextAtomOffset >= s.cfg.Total {
		s.giveUp("reached end of file without a trailer box")
		return false
	}
	return true
}

// stash keeps a partial header for the next contiguous chunk.
func (s *Scanner) stash(at int64, hdr []byte, dataEnd int64) {
	s.carryLen = copy(s.carry[:], hdr)
	s.carryAt = at
	s.NextAtomOffset = at
	s.NextScanOffset = dataEnd
	if dataEnd >= s.cfg.Total {
		s.giveUp("truncated box header at end of file")
	}
}

func (s *Scanner) giveUp(reason string) {
	s.gaveUp = true
	s.reason = reason
	s.NextScanOffset = -1
}

func (s *Scanner) found(start, end int64) {
	s.trailer = ranges.ByteRange{Start: start, End: end}
	s.NextAtomOffset = start
	s.NextScanOffset = -1
	if start < s.cfg.HeadWindow {
		s.Trailer = TrailerNear
	} else {
		s.Trailer = TrailerFar
	}

	s.wanted = ranges.List{}
	s.wanted.Add(0, min(s.cfg.HeadWindow, s.cfg.Total))
	lo := max(s.align(start)-s.cfg.ChunkSize, 0)
	hi := min(end+s.cfg.ChunkSize, s.cfg.Total)
	s.wanted.Add(lo, hi)
}

func (s *Scanner) updateRemaining() {
	if s.Trailer == TrailerUnknown {
		return
	}
	missing := ranges.List{{Start: s.trailer.Start, End: s.trailer.End}}
	for _, f := range s.fed {
		missing.Remove(f.Start, f.End)
	}
	s.RemainingTrailerBytes = missing.Size()
}
