// Package state persists transfer resume state in sidecar files next to the
// staging file.
//
// Sidecars are advisory. A missing, truncated or inconsistent sidecar always
// reads back as "nothing downloaded yet", never as "fully downloaded".
//
// All integers are big-endian.
package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/ranges"
)

// maxRangeCount bounds the count field so a corrupt header cannot make us
// allocate gigabytes.
const maxRangeCount = 1 << 20

// ErrCorrupt is returned when a sidecar fails structural validation.
var ErrCorrupt = errors.New("corrupt sidecar")

// RangesPath returns the range-list sidecar path for a staging file.
func RangesPath(tempPath string) string {
	return tempPath + constants.RangesSuffix
}

// EncodeRanges writes the range-list format:
// int32 count, then count x (int64 start, int64 end).
func EncodeRanges(w io.Writer, l ranges.List) error {
	if len(l) > math.MaxInt32 {
		return fmt.Errorf("too many ranges: %d", len(l))
	}
	buf := make([]byte, 4+16*len(l))
	binary.BigEndian.PutUint32(buf, uint32(len(l)))
	for i, r := range l {
		binary.BigEndian.PutUint64(buf[4+16*i:], uint64(r.Start))
		binary.BigEndian.PutUint64(buf[12+16*i:], uint64(r.End))
	}
	_, err := w.Write(buf)
	return err
}

// DecodeRanges reads the range-list format and validates it.
func DecodeRanges(r io.Reader) (ranges.List, error) {
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read range count: %w", err)
	}
	if count < 0 || count > maxRangeCount {
		return nil, fmt.Errorf("%w: range count %d", ErrCorrupt, count)
	}

	raw := make([]int64, 2*int(count))
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, fmt.Errorf("failed to read ranges: %w", err)
	}

	l := make(ranges.List, count)
	for i := range l {
		l[i] = ranges.ByteRange{Start: raw[2*i], End: raw[2*i+1]}
	}
	if !l.Valid() {
		return nil, fmt.Errorf("%w: ranges not sorted and disjoint", ErrCorrupt)
	}
	return l, nil
}

// MarshalRanges returns the encoded range list.
func MarshalRanges(l ranges.List) []byte {
	var b bytes.Buffer
	_ = EncodeRanges(&b, l)
	return b.Bytes()
}

// SaveRanges writes the not-yet-written list for tempPath atomically.
func SaveRanges(tempPath string, l ranges.List) error {
	return writeAtomic(RangesPath(tempPath), MarshalRanges(l))
}

// LoadRanges reads the not-yet-written list for tempPath.
// Returns nil without error if no sidecar exists.
func LoadRanges(tempPath string) (ranges.List, error) {
	data, err := os.ReadFile(RangesPath(tempPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read range sidecar: %w", err)
	}
	r := bytes.NewReader(data)
	l, err := DecodeRanges(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return l, nil
}

// writeAtomic writes data to path via a temp file and rename.
// Sidecars are owner-readable only since the cipher state holds key stream
// material.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp sidecar: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename sidecar: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}
