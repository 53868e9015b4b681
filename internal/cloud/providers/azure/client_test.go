package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/rescale/rescale-fetch/internal/cloud"
)

func TestBuildSASURL(t *testing.T) {
	tests := []struct {
		name       string
		accountURL string
		sas        string
		want       string
		wantErr    bool
	}{
		{"account name", "myaccount", "sv=1&sig=abc", "https://myaccount.blob.core.windows.net/?sv=1&sig=abc", false},
		{"full url", "https://acct.blob.core.windows.net", "?sig=x", "https://acct.blob.core.windows.net/?sig=x", false},
		{"url with query keeps it", "https://acct.blob.core.windows.net/?sig=y", "sig=x", "https://acct.blob.core.windows.net/?sig=y", false},
		{"no sas", "http://127.0.0.1:10000/devstoreaccount1", "", "http://127.0.0.1:10000/devstoreaccount1", false},
		{"missing", "", "sig=x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildSASURL(tt.accountURL, tt.sas)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildSASURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("buildSASURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// fakeBlob serves a single blob honoring x-ms-range.
func fakeBlob(t *testing.T, container, name string, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ms-version", "2023-11-03")
		if !strings.HasSuffix(r.URL.Path, "/"+container+"/"+name) {
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		rng := r.Header.Get("x-ms-range")
		if rng == "" {
			rng = r.Header.Get("Range")
		}
		var start, end int64
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			t.Errorf("bad range header %q", rng)
		}
		if start >= int64(len(body)) {
			w.Header().Set("x-ms-error-code", "InvalidRange")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= int64(len(body)) {
			end = int64(len(body)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func newTestTransport(t *testing.T, srv *httptest.Server, container string) *Transport {
	t.Helper()
	client, err := newClient(srv.URL+"/account", srv.Client())
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	tr := NewTransportWithClient(client, container, nil)
	tr.retry.Attempts = 1
	return tr
}

func TestFetchChunkRanges(t *testing.T) {
	body := []byte(strings.Repeat("abcdefghij", 20))
	srv := fakeBlob(t, "media", "clip.mp4", body)
	defer srv.Close()
	tr := newTestTransport(t, srv, "media")

	res, err := tr.FetchChunk(context.Background(), &cloud.ChunkRequest{Locator: "clip.mp4", Offset: 10, Limit: 30})
	if err != nil {
		t.Fatalf("FetchChunk: %v", err)
	}
	if string(res.Data) != string(body[10:40]) {
		t.Errorf("data = %q", res.Data)
	}
}

func TestFetchChunkPastEndIsOffsetInvalid(t *testing.T) {
	srv := fakeBlob(t, "media", "clip.mp4", make([]byte, 32))
	defer srv.Close()
	tr := newTestTransport(t, srv, "media")

	_, err := tr.FetchChunk(context.Background(), &cloud.ChunkRequest{Locator: "clip.mp4", Offset: 32, Limit: 32})
	if !cloud.IsOffsetInvalid(err) {
		t.Fatalf("expected OFFSET_INVALID, got %v", err)
	}
}

func TestMapError(t *testing.T) {
	err := mapError(&azcore.ResponseError{StatusCode: http.StatusRequestedRangeNotSatisfiable, ErrorCode: "InvalidRange"})
	if !cloud.IsOffsetInvalid(err) {
		t.Errorf("416 not mapped: %v", err)
	}
	err = mapError(&azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "BlobNotFound"})
	if rpc, ok := cloud.AsRPCError(err); !ok || rpc.Text != "BlobNotFound" {
		t.Errorf("404 not mapped: %v", err)
	}
	plain := errors.New("connection reset")
	if mapError(plain) != plain {
		t.Error("unrelated errors must pass through unchanged")
	}
}
