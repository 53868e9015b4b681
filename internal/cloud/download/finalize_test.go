package download

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rescale/rescale-fetch/internal/logging"
)

func stubRename(t *testing.T, failures int) *int {
	t.Helper()
	calls := 0
	rename = func(from, to string) error {
		calls++
		if calls <= failures {
			return errors.New("sharing violation")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })
	return &calls
}

func TestMoveIntoPlaceRetriesRename(t *testing.T) {
	dir := t.TempDir()
	temp := filepath.Join(dir, "f.part")
	dest := filepath.Join(dir, "sub", "f")
	if err := os.WriteFile(temp, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	calls := stubRename(t, 2)

	got, err := moveIntoPlace(temp, dest, 3, time.Millisecond, logging.NewNopLogger())
	if err != nil || got != dest {
		t.Fatalf("moveIntoPlace = %q, %v", got, err)
	}
	if *calls != 3 {
		t.Errorf("rename called %d times, want 3", *calls)
	}
	assertFile(t, dest, []byte("payload"))
}

func TestMoveIntoPlaceFallsBackToCopy(t *testing.T) {
	dir := t.TempDir()
	temp := filepath.Join(dir, "f.part")
	dest := filepath.Join(dir, "f")
	if err := os.WriteFile(temp, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	stubRename(t, 100)

	got, err := moveIntoPlace(temp, dest, 2, time.Millisecond, logging.NewNopLogger())
	if err != nil || got != dest {
		t.Fatalf("moveIntoPlace = %q, %v", got, err)
	}
	assertFile(t, dest, []byte("payload"))
	assertGone(t, temp)
}

func TestMoveIntoPlaceKeepsTempWhenCopyFails(t *testing.T) {
	dir := t.TempDir()
	temp := filepath.Join(dir, "f.part")
	if err := os.WriteFile(temp, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	// the destination is a directory, so neither rename nor copy can work
	dest := filepath.Join(dir, "taken")
	if err := os.Mkdir(dest, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dest, "x"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := moveIntoPlace(temp, dest, 1, time.Millisecond, logging.NewNopLogger())
	if err == nil || got != temp {
		t.Fatalf("moveIntoPlace = %q, %v", got, err)
	}
	assertFile(t, temp, []byte("payload"))
}

func TestEngineRefusesDirectoryDestination(t *testing.T) {
	p := testParams(t, 1000, 65536)
	if err := os.MkdirAll(p.Destination, 0755); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}

	e := runEngine(t, p, &fakeTransport{data: randomBytes(t, 1000)}, rec)
	if !errors.Is(e.Err(), ErrAlreadyExists) {
		t.Fatalf("err = %v", e.Err())
	}
	if len(rec.fail) != 1 || rec.fail[0] != FailAlreadyExists {
		t.Errorf("fail = %v", rec.fail)
	}
}
