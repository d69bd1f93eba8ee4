// Package httpclient provides shared HTTP client construction, retry/backoff,
// and per-host concurrency limiting for outbound calls to the remote object
// store and the metadata API.
package httpclient

import (
	"net/http"
	"time"
)

// Default returns an HTTP client with timeouts so a dead upstream (the remote
// store, the metadata API) can't hang a caller forever.
func Default() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// ForStreaming returns a client with no overall timeout since a chunk fetch
// or remux feed may be long-lived, but keeps a ResponseHeaderTimeout so a
// hung upstream still fails fast.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
