// Package httpx builds the HTTP client used for JSON-RPC calls. Transient
// failures (network errors, 429 and 5xx) are retried with jittered backoff.
package httpx

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

const userAgent = "defichat/1.0"

// New returns an http.Client with the given overall timeout whose transport
// retries each request up to retries extra times.
func New(timeout time.Duration, retries int) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{Base: http.DefaultTransport, Retries: retries},
	}
}

type Transport struct {
	Base    http.RoundTripper
	Retries int
	// Backoff overrides the delay before a retry. Nil uses the default.
	Backoff func(attempt int) time.Duration
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	retries := t.Retries
	if retries < 0 {
		retries = 0
	}
	wait := t.Backoff
	if wait == nil {
		wait = backoff
	}

	var body []byte
	if req.Body != nil {
		buf, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = buf
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(wait(attempt)):
			}
		}

		clone := req.Clone(req.Context())
		if body != nil {
			clone.Body = io.NopCloser(bytes.NewReader(body))
			clone.ContentLength = int64(len(body))
		}
		if clone.Header.Get("User-Agent") == "" {
			clone.Header.Set("User-Agent", userAgent)
		}

		resp, lastErr = base.RoundTrip(clone)
		if lastErr != nil {
			if attempt < retries {
				continue
			}
			return nil, lastErr
		}
		if !retryable(resp.StatusCode) || attempt == retries {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	return resp, lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
