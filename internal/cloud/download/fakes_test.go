package download

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rescale/rescale-fetch/internal/cloud"
)

// fakeTransport serves slices of data. A handler, when set, decides every
// response instead.
type fakeTransport struct {
	mu      sync.Mutex
	data    []byte
	handler func(ctx context.Context, req *cloud.ChunkRequest) (*cloud.ChunkResult, error)
	calls   []cloud.ChunkRequest

	hashes   func(off int64) ([]cloud.WindowHash, error)
	reupload func() ([]cloud.WindowHash, error)
}

func (f *fakeTransport) FetchChunk(ctx context.Context, req *cloud.ChunkRequest) (*cloud.ChunkResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		return h(ctx, req)
	}
	return f.serve(req), nil
}

func (f *fakeTransport) serve(req *cloud.ChunkRequest) *cloud.ChunkResult {
	start := min(req.Offset, int64(len(f.data)))
	end := min(req.Offset+req.Limit, int64(len(f.data)))
	return &cloud.ChunkResult{Data: append([]byte(nil), f.data[start:end]...)}
}

func (f *fakeTransport) FetchCdnHashes(_ context.Context, _ int, _ []byte, off int64) ([]cloud.WindowHash, error) {
	if f.hashes == nil {
		return nil, nil
	}
	return f.hashes(off)
}

func (f *fakeTransport) ReuploadCdnFile(_ context.Context, _ int, _, _ []byte) ([]cloud.WindowHash, error) {
	if f.reupload == nil {
		return nil, nil
	}
	return f.reupload()
}

func (f *fakeTransport) requests() []cloud.ChunkRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cloud.ChunkRequest(nil), f.calls...)
}

// recorder is a Delegate that remembers every callback.
type recorder struct {
	mu        sync.Mutex
	progress  [][2]int64
	preFinish []string
	finish    []string
	fail      []FailReason
	redirects []bool

	referenced bool
	local      bool
}

func (r *recorder) OnProgress(written, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int64{written, total})
}

func (r *recorder) OnPreFinish(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preFinish = append(r.preFinish, path)
}

func (r *recorder) OnFinish(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finish = append(r.finish, path)
}

func (r *recorder) OnFail(reason FailReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = append(r.fail, reason)
}

func (r *recorder) OnRedirect(_ int, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redirects = append(r.redirects, active)
}

func (r *recorder) HasOtherReferenceTo(string) bool { return r.referenced }
func (r *recorder) IsLocallyCreatedFile(string) bool { return r.local }

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func testParams(t *testing.T, total, chunk int64) Params {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "out", "file.bin")
	return Params{
		Account:           "acct",
		Locator:           "file-1",
		DC:                1,
		Total:             total,
		ChunkSize:         chunk,
		FallbackChunkSize: min(32*1024, chunk),
		MaxConcurrent:     4,
		Priority:          -1,
		AllowCdn:          true,
		Destination:       dest,
		TempPath:          dest + ".part",
		CdnWindowSize:     64 * 1024,
		PreloadBudget:     1 << 20,
		PreloadHeadWindow: 32 * 1024,
		SidecarDebounce:   time.Millisecond,
		RenameRetries:     3,
		RenameRetryDelay:  time.Millisecond,
	}
}

func runEngine(t *testing.T, p Params, tr cloud.Transport, d Delegate) *Engine {
	t.Helper()
	e, err := New(p, tr, d, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	select {
	case <-e.Done():
	case <-ctx.Done():
		t.Fatalf("engine did not stop, state %s", e.State())
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	if len(got) != len(want) {
		t.Fatalf("%s has %d bytes, want %d", path, len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s differs at byte %d", path, i)
		}
	}
}

func assertGone(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists (err=%v)", p, err)
		}
	}
}
