package httpx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noWait(int) time.Duration { return 0 }

func TestTransportRetriesServerErrorAndReplaysBody(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"method":"eth_chainId"}` {
			t.Errorf("unexpected body on attempt %d: %s", atomic.LoadInt32(&count)+1, body)
		}
		if atomic.AddInt32(&count, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"result":"0x171"}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Retries: 1, Backoff: noWait}}
	resp, err := client.Post(srv.URL, "application/json", strings.NewReader(`{"method":"eth_chainId"}`))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&count); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestTransportReturnsLastResponseWhenRetriesExhausted(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Retries: 2, Backoff: noWait}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&count); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestTransportDoesNotRetryClientError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := New(2*time.Second, 3).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()
	if n := atomic.LoadInt32(&count); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}
