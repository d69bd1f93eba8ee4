package rangeserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/streamvault/streamvaultd/internal/chunkstore"
	"github.com/streamvault/streamvaultd/internal/remote"
)

func newTestServer(t *testing.T, content []byte) (*Server, *remote.Fake) {
	t.Helper()
	f := remote.NewFake()
	f.AddFile(1, "movie.mp4", "video/mp4", content)
	store := chunkstore.New(f, 1<<20, 100<<20)
	resolve := func(ctx context.Context, id int64) (*remote.FileHandle, error) {
		return f.Resolve(ctx, id)
	}
	return &Server{Store: store, Resolve: resolve}, f
}

func TestServeDirectFullContent(t *testing.T) {
	content := make([]byte, 5000)
	s, _ := newTestServer(t, content)

	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	rr := httptest.NewRecorder()
	s.ServeDirect(rr, req, 1)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() != len(content) {
		t.Errorf("body len = %d, want %d", rr.Body.Len(), len(content))
	}
	if rr.Header().Get("Accept-Ranges") != "bytes" {
		t.Errorf("Accept-Ranges missing")
	}
}

func TestServeDirectPartialRange(t *testing.T) {
	content := make([]byte, 5000)
	for i := range content {
		content[i] = byte(i % 256)
	}
	s, _ := newTestServer(t, content)

	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Range", "bytes=100-199")
	rr := httptest.NewRecorder()
	s.ServeDirect(rr, req, 1)

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rr.Code)
	}
	if rr.Body.Len() != 100 {
		t.Fatalf("body len = %d, want 100", rr.Body.Len())
	}
	if !bytesEqual(rr.Body.Bytes(), content[100:200]) {
		t.Errorf("body mismatch")
	}
	if cr := rr.Header().Get("Content-Range"); cr != "bytes 100-199/5000" {
		t.Errorf("Content-Range = %q", cr)
	}
}

func TestServeDirectSuffixRange(t *testing.T) {
	content := make([]byte, 1000)
	s, _ := newTestServer(t, content)

	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Range", "bytes=-100")
	rr := httptest.NewRecorder()
	s.ServeDirect(rr, req, 1)

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rr.Code)
	}
	if rr.Body.Len() != 100 {
		t.Errorf("body len = %d, want 100", rr.Body.Len())
	}
}

func TestServeDirectOutOfBoundsRange(t *testing.T) {
	content := make([]byte, 1000)
	s, _ := newTestServer(t, content)

	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Range", "bytes=5000-6000")
	rr := httptest.NewRecorder()
	s.ServeDirect(rr, req, 1)

	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rr.Code)
	}
	if cr := rr.Header().Get("Content-Range"); cr != "bytes */1000" {
		t.Errorf("Content-Range = %q", cr)
	}
}

func TestServeDirectUnknownFile(t *testing.T) {
	s, _ := newTestServer(t, []byte("x"))
	req := httptest.NewRequest(http.MethodGet, "/stream/99", nil)
	rr := httptest.NewRecorder()
	s.ServeDirect(rr, req, 99)
	if rr.Code != http.StatusInternalServerError && rr.Code < 400 {
		t.Fatalf("status = %d, want an error status", rr.Code)
	}
}

func TestServeRawRejectsNonLoopback(t *testing.T) {
	s, _ := newTestServer(t, []byte("hello"))
	req := httptest.NewRequest(http.MethodGet, "/internal/raw/1", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	rr := httptest.NewRecorder()
	s.ServeRaw(rr, req, 1)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestServeRawAllowsLoopback(t *testing.T) {
	content := []byte("hello world")
	s, _ := newTestServer(t, content)
	req := httptest.NewRequest(http.MethodGet, "/internal/raw/1", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rr := httptest.NewRecorder()
	s.ServeRaw(rr, req, 1)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
