package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/models"
	"github.com/rescale/rescale-fetch/internal/ranges"
	"github.com/rescale/rescale-fetch/internal/transfer"
)

// objectStore serves objects by locator. Unknown locators fail with a
// non-retryable RPC error.
type objectStore map[string][]byte

func (s objectStore) FetchChunk(ctx context.Context, req *cloud.ChunkRequest) (*cloud.ChunkResult, error) {
	data, ok := s[req.Locator]
	if !ok {
		return nil, &cloud.RPCError{Code: 400, Text: "FILE_ID_INVALID"}
	}
	start := min(req.Offset, int64(len(data)))
	end := min(req.Offset+req.Limit, int64(len(data)))
	return &cloud.ChunkResult{Data: append([]byte(nil), data[start:end]...)}, nil
}

func (s objectStore) TransportFor(context.Context, *models.Descriptor) (cloud.Transport, error) {
	return s, nil
}

func writeDescriptors(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "batch.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAllAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeDescriptors(t, dir, `locator: a
dc: 1
destination: /elsewhere/a.bin
---
locator: b
dc: 1
account: team-b
destination: b.bin
`)
	out, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	descs, err := loadAll([]string{path}, out, "team-a")
	if err != nil {
		t.Fatalf("loadAll: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors", len(descs))
	}
	if descs[0].Destination != filepath.Join(out, "a.bin") || descs[0].Account != "team-a" {
		t.Errorf("first = %s / %s", descs[0].Destination, descs[0].Account)
	}
	if descs[1].Account != "team-b" {
		t.Errorf("explicit account overridden: %s", descs[1].Account)
	}

	clash := writeDescriptors(t, dir, `locator: x/1
dc: 1
destination: /a/result.tar
---
locator: x/2
dc: 1
destination: /b/result.tar
`)
	descs, err = loadAll([]string{clash}, out, "")
	if err != nil {
		t.Fatalf("loadAll: %v", err)
	}
	if descs[0].Destination != filepath.Join(out, "result_x_1.tar") || descs[1].Destination != filepath.Join(out, "result_x_2.tar") {
		t.Errorf("collisions not resolved: %s, %s", descs[0].Destination, descs[1].Destination)
	}

	if _, err := loadAll([]string{filepath.Join(dir, "missing.yaml")}, "", ""); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestResolveConflicts(t *testing.T) {
	dir := t.TempDir()
	same := filepath.Join(dir, "same.bin")
	diff := filepath.Join(dir, "diff.bin")
	fresh := filepath.Join(dir, "fresh.bin")
	if err := os.WriteFile(same, make([]byte, 10), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(diff, make([]byte, 3), 0644); err != nil {
		t.Fatal(err)
	}
	descs := func() []*models.Descriptor {
		return []*models.Descriptor{
			{Locator: "same", Size: 10, Destination: same},
			{Locator: "diff", Size: 10, Destination: diff},
			{Locator: "fresh", Size: 10, Destination: fresh},
		}
	}
	locators := func(ds []*models.Descriptor) string {
		var names []string
		for _, d := range ds {
			names = append(names, d.Locator)
		}
		return strings.Join(names, ",")
	}

	tests := []struct {
		name    string
		policy  conflictPolicy
		answers string
		want    string
		wantErr error
	}{
		{"skip", policySkip, "", "same,fresh", nil},
		{"overwrite", policyOverwrite, "", "same,diff,fresh", nil},
		{"ask overwrite once", policyAsk, "3\n", "same,diff,fresh", nil},
		{"ask retries invalid", policyAsk, "9\n1\n", "same,fresh", nil},
		{"ask abort", policyAsk, "5\n", "", errAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := resolveConflicts(descs(), tt.policy, newPrompter(strings.NewReader(tt.answers), &out))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && locators(got) != tt.want {
				t.Errorf("kept %s, want %s", locators(got), tt.want)
			}
		})
	}
}

func TestRunTransfers(t *testing.T) {
	dir := t.TempDir()
	store := objectStore{
		"one": bytes.Repeat([]byte("1"), 200000),
		"two": bytes.Repeat([]byte("2"), 5000),
	}
	cfg := config.Default()
	cfg.SidecarDebounce = time.Millisecond
	reg := transfer.NewRegistry(cfg, store, nil, nil)
	t.Cleanup(func() { reg.Close(context.Background()) })

	descs := []*models.Descriptor{
		{Locator: "one", Source: models.SourceDatacenter, DC: 1, Size: 200000, Destination: filepath.Join(dir, "one.bin")},
		{Locator: "two", Source: models.SourceDatacenter, DC: 1, Size: 5000, Destination: filepath.Join(dir, "two.bin")},
		{Locator: "missing", Source: models.SourceDatacenter, DC: 1, Size: 100, Destination: filepath.Join(dir, "missing.bin")},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := runTransfers(ctx, reg, descs, 2, false, logging.NewNopLogger())
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("err = %v, want failure for missing", err)
	}

	for _, name := range []string{"one", "two"} {
		got, err := os.ReadFile(filepath.Join(dir, name+".bin"))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(got, store[name]) {
			t.Errorf("%s: content mismatch", name)
		}
	}
	if s := reg.Stats(); s.Finished != 2 || s.Failed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPrintStatus(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "movie.mp4")
	temp := dest + constants.TempSuffix
	if err := os.WriteFile(temp, make([]byte, 4096), 0644); err != nil {
		t.Fatal(err)
	}
	missing := ranges.List{{Start: 1024, End: 2048}, {Start: 3072, End: ranges.Unbounded}}
	if err := state.SaveRanges(temp, missing); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	var out bytes.Buffer
	printStatus(&out, cfg, dest)
	text := out.String()
	for _, want := range []string{"not present", "2 missing ranges", "size unknown", "[1024,2048)", "[3072, end)"} {
		if !strings.Contains(text, want) {
			t.Errorf("status missing %q:\n%s", want, text)
		}
	}

	out.Reset()
	printStatus(&out, cfg, filepath.Join(dir, "other.bin"))
	if !strings.Contains(out.String(), "none") {
		t.Errorf("expected no staging file:\n%s", out.String())
	}
}
