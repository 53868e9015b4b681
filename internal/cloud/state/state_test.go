// Package state tests
package state

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rescale/rescale-fetch/internal/ranges"
)

func TestEncodeRangesLayout(t *testing.T) {
	var b bytes.Buffer
	if err := EncodeRanges(&b, ranges.List{{Start: 1, End: 2}}); err != nil {
		t.Fatalf("EncodeRanges failed: %v", err)
	}
	want := "00000001" + "0000000000000001" + "0000000000000002"
	if got := hex.EncodeToString(b.Bytes()); got != want {
		t.Errorf("layout got %s, want %s", got, want)
	}
}

func TestRangesRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ranges-state-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	temp := filepath.Join(tmpDir, "file.part")
	want := ranges.List{{Start: 0, End: 100}, {Start: 300000, End: 400000}}

	if err := SaveRanges(temp, want); err != nil {
		t.Fatalf("SaveRanges failed: %v", err)
	}
	got, err := LoadRanges(temp)
	if err != nil {
		t.Fatalf("LoadRanges failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	info, err := os.Stat(RangesPath(temp))
	if err != nil {
		t.Fatalf("Failed to stat sidecar: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("sidecar permissions should be 0600, got %o", info.Mode().Perm())
	}
}

func TestLoadRangesMissing(t *testing.T) {
	got, err := LoadRanges(filepath.Join(t.TempDir(), "none.part"))
	if err != nil || got != nil {
		t.Errorf("expected nil, nil for missing sidecar, got %v, %v", got, err)
	}
}

func TestLoadRangesCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated body", MarshalRanges(ranges.List{{Start: 0, End: 10}})[:10]},
		{"negative count", []byte{0xff, 0xff, 0xff, 0xff}},
		{"huge count", []byte{0x7f, 0xff, 0xff, 0xff}},
		{"unsorted", MarshalRanges(ranges.List{{Start: 50, End: 60}, {Start: 70, End: 80}})},
		{"trailing bytes", append(MarshalRanges(ranges.List{{Start: 0, End: 10}}), 0)},
	}
	// make "unsorted" actually unsorted by swapping the two records
	unsorted := tests[4].data
	rec1 := append([]byte(nil), unsorted[4:20]...)
	copy(unsorted[4:20], unsorted[20:36])
	copy(unsorted[20:36], rec1)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			temp := filepath.Join(t.TempDir(), "f.part")
			if err := os.WriteFile(RangesPath(temp), tt.data, 0600); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			got, err := LoadRanges(temp)
			if err == nil {
				t.Errorf("expected error, got %v", got)
			}
		})
	}
}

func TestCipherStateRoundTrip(t *testing.T) {
	temp := filepath.Join(t.TempDir(), "f.part")
	iv := bytes.Repeat([]byte{7}, 16)

	if err := writeAtomic(CipherStatePath(temp), MarshalCipherState(CipherState{Offset: 4096, IV: iv})); err != nil {
		t.Fatalf("writeAtomic failed: %v", err)
	}
	cs, err := LoadCipherState(temp)
	if err != nil {
		t.Fatalf("LoadCipherState failed: %v", err)
	}
	if cs.Offset != 4096 || !bytes.Equal(cs.IV, iv) {
		t.Errorf("got %+v", cs)
	}

	if err := os.WriteFile(CipherStatePath(temp), []byte{1, 2, 3}, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCipherState(temp); err == nil {
		t.Error("expected error for short cipher state")
	}
}

func TestPreloadFileAppendAndReopen(t *testing.T) {
	path := PreloadPath(filepath.Join(t.TempDir(), "movie.mp4"))

	p, err := OpenPreloadFile(path)
	if err != nil {
		t.Fatalf("OpenPreloadFile failed: %v", err)
	}
	recs := []PreloadRecord{
		{Offset: 0, Data: []byte("head"), RemainingTrailerBytes: 10, NextScanOffset: 4, NextAtomOffset: 32},
		{Offset: 9000, Data: []byte("moov-bytes"), RemainingTrailerBytes: 0, NextScanOffset: 9010, NextAtomOffset: 9500},
	}
	for _, r := range recs {
		if err := p.Put(r); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// same offset and length rewrites in place
	recs[0].Data = []byte("HEAD")
	if err := p.Put(recs[0]); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := p.SetComplete(true); err != nil {
		t.Fatalf("SetComplete failed: %v", err)
	}
	p.Close()

	reopened, err := OpenPreloadFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if !reopened.Complete() {
		t.Error("expected complete flag")
	}
	got := reopened.Records()
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if string(got[0].Data) != "HEAD" || got[1].NextAtomOffset != 9500 {
		t.Errorf("unexpected records %+v", got)
	}
}

func TestPreloadFileTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.preload")

	p, _ := OpenPreloadFile(path)
	p.Put(PreloadRecord{Offset: 0, Data: []byte("abc"), NextScanOffset: 3})
	p.SetComplete(true)
	p.Close()

	// append half a record
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 9, 0, 0})
	f.Close()

	reopened, err := OpenPreloadFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if len(reopened.Records()) != 1 {
		t.Errorf("expected 1 intact record, got %d", len(reopened.Records()))
	}
	if reopened.Complete() {
		t.Error("complete flag must be cleared when the tail was torn")
	}

	info, _ := os.Stat(path)
	if info.Size() != 1+16+3+24 {
		t.Errorf("file not truncated to last record, size %d", info.Size())
	}
}

func TestWriterLatestWins(t *testing.T) {
	temp := filepath.Join(t.TempDir(), "f.part")
	w := NewWriter(50*time.Millisecond, nil)
	defer w.Close()

	for i := int64(1); i <= 5; i++ {
		w.Submit(RangesPath(temp), MarshalRanges(ranges.List{{Start: i, End: 100}}))
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, err := LoadRanges(temp)
	if err != nil {
		t.Fatalf("LoadRanges failed: %v", err)
	}
	if len(got) != 1 || got[0].Start != 5 {
		t.Errorf("expected latest snapshot, got %v", got)
	}
}

func TestWriterDebounce(t *testing.T) {
	temp := filepath.Join(t.TempDir(), "f.part")
	w := NewWriter(20*time.Millisecond, nil)
	defer w.Close()

	w.Submit(RangesPath(temp), MarshalRanges(ranges.List{{Start: 0, End: 1}}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(RangesPath(temp)); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("debounced snapshot was never written")
}

func TestWriterDiscard(t *testing.T) {
	temp := filepath.Join(t.TempDir(), "f.part")
	w := NewWriter(time.Hour, nil)

	w.Submit(RangesPath(temp), MarshalRanges(nil))
	w.Discard(RangesPath(temp))
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(RangesPath(temp)); !os.IsNotExist(err) {
		t.Error("discarded snapshot was written")
	}
}

func TestWriterJobsInOrder(t *testing.T) {
	w := NewWriter(time.Hour, nil)
	defer w.Close()

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if err := w.Enqueue(func() error { order = append(order, i); return nil }); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
	if len(order) != 10 {
		t.Errorf("expected 10 jobs, got %d", len(order))
	}
}

func TestDeleteAll(t *testing.T) {
	temp := filepath.Join(t.TempDir(), "f.part")
	SaveRanges(temp, nil)
	os.WriteFile(CipherStatePath(temp), make([]byte, 24), 0600)

	if err := DeleteAll(temp); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	for _, p := range []string{RangesPath(temp), CipherStatePath(temp), PreloadPath(temp)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
}
