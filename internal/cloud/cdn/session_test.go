package cdn

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rescale/rescale-fetch/internal/cloud"
	encryption "github.com/rescale/rescale-fetch/internal/crypto"
	"github.com/rescale/rescale-fetch/internal/ranges"
)

const window = 64

func newRedirect(t *testing.T, hashes ...cloud.WindowHash) *cloud.Redirect {
	t.Helper()
	key, err := encryption.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	iv, err := encryption.GenerateIV()
	if err != nil {
		t.Fatalf("GenerateIV: %v", err)
	}
	return &cloud.Redirect{DC: 201, FileToken: []byte("tok"), Key: key, IV: iv, Hashes: hashes}
}

func TestNewSessionValidates(t *testing.T) {
	if _, err := NewSession(nil, window); err == nil {
		t.Error("expected error for nil redirect")
	}
	if _, err := NewSession(newRedirect(t), 10); err == nil {
		t.Error("expected error for unaligned window size")
	}
	bad := newRedirect(t)
	bad.Key = bad.Key[:5]
	if _, err := NewSession(bad, window); err == nil {
		t.Error("expected error for short key")
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	r := newRedirect(t)
	s, err := NewSession(r, window)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	plain := bytes.Repeat([]byte("abcdefgh"), 16)

	enc, _ := encryption.NewOffsetCTR(r.Key, r.IV)
	cipherText := make([]byte, len(plain))
	enc.XORKeyStreamAt(cipherText, plain, 48)

	if got := s.Decrypt(48, cipherText); !bytes.Equal(got, plain) {
		t.Error("Decrypt did not restore plaintext")
	}
}

func TestAddHashesFiltersMisaligned(t *testing.T) {
	s, _ := NewSession(newRedirect(t), window)
	n := s.AddHashes([]cloud.WindowHash{
		{Offset: 0, Length: window},
		{Offset: 10, Length: window},         // misaligned
		{Offset: window, Length: window * 2}, // too long
		{Offset: window * 2, Length: 5},      // short tail window
	})
	if n != 2 {
		t.Errorf("AddHashes kept %d, want 2", n)
	}
	if _, ok := s.Digest(window * 2); !ok {
		t.Error("tail window digest missing")
	}
}

func TestCheckWindow(t *testing.T) {
	good := bytes.Repeat([]byte{7}, window)
	s, _ := NewSession(newRedirect(t, cloud.WindowHash{Offset: 0, Length: window, Digest: encryption.DigestOf(good)}), window)

	w := s.Window(10, 1000)
	if w != (ranges.ByteRange{Start: 0, End: window}) {
		t.Fatalf("Window = %v", w)
	}

	s.Touch(0, window, 1000)
	if s.AllVerified() {
		t.Fatal("touched window reported verified")
	}

	bad := append([]byte(nil), good...)
	bad[3] ^= 1
	if ok, err := s.Check(w, bad); !ok || !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Check(bad) = %v, %v", ok, err)
	}
	if ok, err := s.Check(w, good); !ok || err != nil {
		t.Errorf("Check(good) = %v, %v", ok, err)
	}
	if !s.Verified(0) || !s.AllVerified() {
		t.Error("window should be verified")
	}

	unknown := s.Window(window, 1000)
	if ok, err := s.Check(unknown, good); ok || err != nil {
		t.Errorf("Check without digest = %v, %v", ok, err)
	}
}

func TestAwaitAndHashesArrived(t *testing.T) {
	s, _ := NewSession(newRedirect(t), window)

	if !s.Await(0) {
		t.Error("first Await should request a table")
	}
	if s.Await(window * 3) {
		t.Error("second Await should piggyback on the request in flight")
	}
	if s.Awaiting() != 2 {
		t.Errorf("Awaiting = %d", s.Awaiting())
	}

	parked := s.HashesArrived([]cloud.WindowHash{{Offset: 0, Length: window}})
	if len(parked) != 2 || parked[0] != 0 || parked[1] != window*3 {
		t.Errorf("parked = %v", parked)
	}
	if !s.Await(window * 3) {
		t.Error("Await after arrival should request again")
	}
}

func TestUnverifiedClampsToBound(t *testing.T) {
	s, _ := NewSession(newRedirect(t), window)
	s.Touch(0, window*2+10, window*2+10)
	s.MarkVerified(window)

	got := s.Unverified(window*2 + 10)
	want := ranges.List{{Start: 0, End: window}, {Start: window * 2, End: window*2 + 10}}
	if len(got) != len(want) {
		t.Fatalf("Unverified = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Unverified[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReuploadLimit(t *testing.T) {
	s, _ := NewSession(newRedirect(t), window)
	if !s.BeginReupload(1) {
		t.Fatal("first reupload should be allowed")
	}
	if s.BeginReupload(1) {
		t.Error("reupload while one is outstanding")
	}
	s.EndReupload(nil)
	if s.Reuploading() {
		t.Error("still reuploading after EndReupload")
	}
	if s.BeginReupload(1) {
		t.Error("reupload beyond the limit")
	}
}
