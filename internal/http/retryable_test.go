package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rescale/rescale-fetch/internal/cloud"
)

// retries counts attempts after the first, as retryablehttp does.
func fastRetries(retries int) Policy {
	return fastPolicy(retries + 1)
}

func TestRetryableClientRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewRetryableClient(srv.Client(), fastRetries(5), nil).StandardClient()
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if hits != 3 {
		t.Errorf("server hits = %d, want 3", hits)
	}
}

func TestRetryableClientPassesProtocolErrorsThrough(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewRetryableClient(srv.Client(), fastRetries(5), nil).StandardClient()
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if hits != 1 {
		t.Errorf("400 was retried: %d hits", hits)
	}
}

func TestRetryableClientExhaustionIsRetryLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewRetryableClient(srv.Client(), fastRetries(2), nil).StandardClient()
	_, err := client.Get(srv.URL)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !cloud.IsRetryLimit(err) {
		t.Errorf("expected ErrRetryLimit in chain, got %v", err)
	}
}

func TestRetryableClientStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := Policy{Attempts: 11, Initial: time.Second, Max: time.Second}
	client := NewRetryableClient(srv.Client(), opts, nil).StandardClient()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)

	start := time.Now()
	if _, err := client.Do(req); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("cancel took %v", elapsed)
	}
}
