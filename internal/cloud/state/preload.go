package state

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rescale/rescale-fetch/internal/constants"
)

// maxPreloadRecord bounds a single record's data length.
const maxPreloadRecord = 64 * 1024 * 1024

// PreloadRecord is one preloaded chunk plus the scanner cursor after it was
// fed.
type PreloadRecord struct {
	Offset                int64
	Data                  []byte
	RemainingTrailerBytes int64
	NextScanOffset        int64
	NextAtomOffset        int64
}

// PreloadPath returns the preload sidecar path for a destination.
func PreloadPath(path string) string {
	return path + constants.PreloadSuffix
}

// PreloadFile is the preload sidecar: one leading "preload complete" flag
// byte, then records of
// (int64 offset, int64 length, data, int64 remainingTrailerBytes,
// int64 nextScanOffset, int64 nextAtomOffset).
//
// A record for an offset that was already stored is rewritten in place when
// its length matches, otherwise appended.
type PreloadFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	complete bool
	end      int64           // offset of the first byte after the last good record
	slots    map[int64]slot  // requested offset -> record position
	records  []PreloadRecord // records read at open, in file order
}

type slot struct {
	pos    int64
	length int64
}

// OpenPreloadFile opens or creates the sidecar at path and reads back every
// intact record. A torn or corrupt tail is cut off; a file whose header is
// unreadable is reset to empty.
func OpenPreloadFile(path string) (*PreloadFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open preload file: %w", err)
	}

	p := &PreloadFile{f: f, path: path, slots: make(map[int64]slot)}
	if err := p.load(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *PreloadFile) load() error {
	info, err := p.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat preload file: %w", err)
	}

	if info.Size() == 0 {
		if _, err := p.f.WriteAt([]byte{0}, 0); err != nil {
			return fmt.Errorf("failed to write preload header: %w", err)
		}
		p.end = 1
		return nil
	}

	r := bufio.NewReader(io.NewSectionReader(p.f, 0, info.Size()))
	flag, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read preload header: %w", err)
	}
	p.complete = flag != 0
	p.end = 1

	for {
		rec, n, err := readPreloadRecord(r)
		if err != nil {
			break
		}
		if prev, ok := p.slots[rec.Offset]; ok && prev.length == int64(len(rec.Data)) {
			// duplicate slot would never be written by us; treat as corrupt
			break
		}
		p.slots[rec.Offset] = slot{pos: p.end, length: int64(len(rec.Data))}
		p.records = append(p.records, rec)
		p.end += n
	}

	if p.end < info.Size() {
		// drop the torn tail so appends start at a record boundary; the
		// complete flag cannot be trusted either
		if err := p.f.Truncate(p.end); err != nil {
			return fmt.Errorf("failed to truncate preload file: %w", err)
		}
		if p.complete {
			p.complete = false
			if _, err := p.f.WriteAt([]byte{0}, 0); err != nil {
				return fmt.Errorf("failed to reset preload flag: %w", err)
			}
		}
	}
	return nil
}

func readPreloadRecord(r io.Reader) (PreloadRecord, int64, error) {
	var hdr [2]int64
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return PreloadRecord{}, 0, err
	}
	offset, length := hdr[0], hdr[1]
	if offset < 0 || length < 0 || length > maxPreloadRecord {
		return PreloadRecord{}, 0, ErrCorrupt
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return PreloadRecord{}, 0, err
	}

	var tail [3]int64
	if err := binary.Read(r, binary.BigEndian, &tail); err != nil {
		return PreloadRecord{}, 0, err
	}

	rec := PreloadRecord{
		Offset:                offset,
		Data:                  data,
		RemainingTrailerBytes: tail[0],
		NextScanOffset:        tail[1],
		NextAtomOffset:        tail[2],
	}
	return rec, 16 + length + 24, nil
}

func encodePreloadRecord(rec PreloadRecord) []byte {
	buf := make([]byte, 16+len(rec.Data)+24)
	binary.BigEndian.PutUint64(buf[0:], uint64(rec.Offset))
	binary.BigEndian.PutUint64(buf[8:], uint64(len(rec.Data)))
	copy(buf[16:], rec.Data)
	tail := buf[16+len(rec.Data):]
	binary.BigEndian.PutUint64(tail[0:], uint64(rec.RemainingTrailerBytes))
	binary.BigEndian.PutUint64(tail[8:], uint64(rec.NextScanOffset))
	binary.BigEndian.PutUint64(tail[16:], uint64(rec.NextAtomOffset))
	return buf
}

// Records returns the records read when the file was opened.
func (p *PreloadFile) Records() []PreloadRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records
}

// Complete reports the leading flag.
func (p *PreloadFile) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.complete
}

// Path returns the sidecar path.
func (p *PreloadFile) Path() string {
	return p.path
}

// Put stores rec, reusing the record's slot when one of the same length
// exists for rec.Offset.
func (p *PreloadFile) Put(rec PreloadRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return errors.New("preload file closed")
	}

	buf := encodePreloadRecord(rec)
	pos := p.end
	if s, ok := p.slots[rec.Offset]; ok && s.length == int64(len(rec.Data)) {
		pos = s.pos
	}

	if _, err := p.f.WriteAt(buf, pos); err != nil {
		return fmt.Errorf("failed to write preload record: %w", err)
	}
	if pos == p.end {
		p.end += int64(len(buf))
	}
	p.slots[rec.Offset] = slot{pos: pos, length: int64(len(rec.Data))}
	return nil
}

// SetComplete writes the leading flag and syncs the file.
func (p *PreloadFile) SetComplete(complete bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return errors.New("preload file closed")
	}

	var b byte
	if complete {
		b = 1
	}
	if _, err := p.f.WriteAt([]byte{b}, 0); err != nil {
		return fmt.Errorf("failed to write preload flag: %w", err)
	}
	p.complete = complete
	return p.f.Sync()
}

// Close closes the underlying file.
func (p *PreloadFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// ReadPreloadFile parses a preload sidecar without opening it for writing.
func ReadPreloadFile(path string) (complete bool, records []PreloadRecord, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, nil, fmt.Errorf("failed to open preload file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	flag, err := r.ReadByte()
	if err != nil {
		return false, nil, fmt.Errorf("failed to read preload header: %w", err)
	}
	for {
		rec, _, err := readPreloadRecord(r)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return flag != 0, records, nil
}
