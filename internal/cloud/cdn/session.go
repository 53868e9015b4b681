// Package cdn holds the state of a transfer that was redirected to a CDN
// endpoint: the endpoint and its file token, the counter-mode codec for
// CDN bytes, and the per-window digest table used to verify them.
//
// Windows are fixed-size spans of the object (larger than a chunk). Bytes
// written from the CDN are only trusted once their whole window has been
// hashed and matched against the digest the origin declared for it.
package cdn

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/rescale/rescale-fetch/internal/cloud"
	encryption "github.com/rescale/rescale-fetch/internal/crypto"
	"github.com/rescale/rescale-fetch/internal/ranges"
)

// ErrDigestMismatch is returned when a window's contents do not match the
// declared digest. The source cannot be trusted after this.
var ErrDigestMismatch = errors.New("cdn window digest mismatch")

// Session is owned by the engine's control goroutine and is not safe for
// concurrent use.
type Session struct {
	DC        int
	FileToken []byte

	codec      *encryption.OffsetCTR
	windowSize int64

	digests  map[int64]encryption.Digest // window start -> declared digest
	touched  *roaring.Bitmap             // windows with any CDN bytes written
	verified *roaring.Bitmap             // windows whose digest matched
	awaiting *roaring.Bitmap             // windows waiting for a digest table

	hashesInFlight bool
	reuploads      int
	reuploading    bool
}

// NewSession activates a CDN session from a redirect. windowSize must be a
// positive multiple of the cipher block size.
func NewSession(r *cloud.Redirect, windowSize int64) (*Session, error) {
	if r == nil {
		return nil, fmt.Errorf("nil redirect")
	}
	if windowSize <= 0 || windowSize%16 != 0 {
		return nil, fmt.Errorf("invalid cdn window size %d", windowSize)
	}
	codec, err := encryption.NewOffsetCTR(r.Key, r.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid cdn key material: %w", err)
	}
	s := &Session{
		DC:         r.DC,
		FileToken:  append([]byte(nil), r.FileToken...),
		codec:      codec,
		windowSize: windowSize,
		digests:    make(map[int64]encryption.Digest),
		touched:    roaring.New(),
		verified:   roaring.New(),
		awaiting:   roaring.New(),
	}
	s.AddHashes(r.Hashes)
	return s, nil
}

// Target returns the request target for chunks served by this session.
func (s *Session) Target() *cloud.CdnTarget {
	return &cloud.CdnTarget{DC: s.DC, FileToken: s.FileToken}
}

// Decrypt decodes CDN bytes at offset in place.
func (s *Session) Decrypt(offset int64, data []byte) []byte {
	return s.codec.DecryptChunk(offset, data)
}

// WindowSize returns the verification window size.
func (s *Session) WindowSize() int64 {
	return s.windowSize
}

// AddHashes merges a digest table. Only entries aligned to a window start
// and covering exactly one window are kept. A later entry for the same
// window replaces the earlier one.
func (s *Session) AddHashes(hashes []cloud.WindowHash) int {
	n := 0
	for _, h := range hashes {
		if h.Offset < 0 || h.Offset%s.windowSize != 0 || h.Length <= 0 || h.Length > s.windowSize {
			continue
		}
		s.digests[h.Offset] = h.Digest
		n++
	}
	return n
}

// Digest returns the declared digest of the window starting at start.
func (s *Session) Digest(start int64) (encryption.Digest, bool) {
	d, ok := s.digests[start]
	return d, ok
}

func (s *Session) index(off int64) uint32 {
	return uint32(off / s.windowSize)
}

// Window returns the window containing off, clamped to bound.
func (s *Session) Window(off, bound int64) ranges.ByteRange {
	start := off / s.windowSize * s.windowSize
	return ranges.ByteRange{Start: start, End: min(start+s.windowSize, bound)}
}

// Touch records that CDN bytes were written in [start, end) and returns the
// windows involved.
func (s *Session) Touch(start, end, bound int64) []ranges.ByteRange {
	var out []ranges.ByteRange
	for w := start / s.windowSize * s.windowSize; w < end; w += s.windowSize {
		s.touched.Add(s.index(w))
		out = append(out, s.Window(w, bound))
	}
	return out
}

// Verified reports whether the window containing off passed verification.
func (s *Session) Verified(off int64) bool {
	return s.verified.Contains(s.index(off))
}

// MarkVerified records a successful check of the window containing off.
func (s *Session) MarkVerified(off int64) {
	idx := s.index(off)
	s.verified.Add(idx)
	s.awaiting.Remove(idx)
}

// Await parks the window containing off until a digest table arrives. It
// reports whether a digest request should be sent now.
func (s *Session) Await(off int64) bool {
	s.awaiting.Add(s.index(off))
	if s.hashesInFlight {
		return false
	}
	s.hashesInFlight = true
	return true
}

// HashesArrived clears the in-flight flag and returns the parked windows'
// start offsets, oldest first. They stay parked until verified.
func (s *Session) HashesArrived(hashes []cloud.WindowHash) []int64 {
	s.hashesInFlight = false
	s.AddHashes(hashes)
	var out []int64
	it := s.awaiting.Iterator()
	for it.HasNext() {
		out = append(out, int64(it.Next())*s.windowSize)
	}
	return out
}

// Awaiting returns the number of windows parked for a digest table.
func (s *Session) Awaiting() int {
	return int(s.awaiting.GetCardinality())
}

// Unverified returns the windows that received CDN bytes but have not been
// verified, clamped to bound.
func (s *Session) Unverified(bound int64) ranges.List {
	pending := roaring.AndNot(s.touched, s.verified)
	out := ranges.List{}
	it := pending.Iterator()
	for it.HasNext() {
		w := s.Window(int64(it.Next())*s.windowSize, bound)
		if w.Start < w.End {
			out.Add(w.Start, w.End)
		}
	}
	return out
}

// AllVerified reports whether every touched window has been verified.
func (s *Session) AllVerified() bool {
	return roaring.AndNot(s.touched, s.verified).IsEmpty()
}

// BeginReupload reports whether another re-upload may be requested, and
// marks one as in progress if so.
func (s *Session) BeginReupload(limit int) bool {
	if s.reuploading || s.reuploads >= limit {
		return false
	}
	s.reuploads++
	s.reuploading = true
	return true
}

// Reuploading reports whether a re-upload request is outstanding.
func (s *Session) Reuploading() bool {
	return s.reuploading
}

// EndReupload clears the outstanding re-upload and merges the refreshed
// digest table.
func (s *Session) EndReupload(hashes []cloud.WindowHash) {
	s.reuploading = false
	s.AddHashes(hashes)
}

// Check compares the digest of a window's contents against the declared
// digest. ok is false when no digest is known yet.
func (s *Session) Check(w ranges.ByteRange, contents []byte) (ok bool, err error) {
	want, known := s.Digest(w.Start)
	if !known {
		return false, nil
	}
	if int64(len(contents)) != w.Len() {
		return true, fmt.Errorf("window %s: read %d bytes", w, len(contents))
	}
	if encryption.DigestOf(contents) != want {
		return true, fmt.Errorf("%w: window %s", ErrDigestMismatch, w)
	}
	s.MarkVerified(w.Start)
	return true, nil
}
