package subtitle

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeFakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

func TestExtractStreamsWebVTT(t *testing.T) {
	tool := writeFakeTool(t, `printf 'WEBVTT\n\n00:00:01.000 --> 00:00:02.000\nhello\n'`)
	e := New(tool, "http://127.0.0.1:8081/internal/raw")

	rr := httptest.NewRecorder()
	err := e.Extract(context.Background(), rr, Request{FileID: 1, StreamIndex: 3})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasPrefix(rr.Body.String(), "WEBVTT") {
		t.Errorf("body = %q, want WEBVTT prefix", rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != "text/vtt; charset=utf-8" {
		t.Errorf("Content-Type = %q", rr.Header().Get("Content-Type"))
	}
}

func TestExtractCachesFullFileRuns(t *testing.T) {
	tool := writeFakeTool(t, `printf 'WEBVTT\n\ncached\n'`)
	e := New(tool, "http://127.0.0.1:8081/internal/raw")

	rr1 := httptest.NewRecorder()
	if err := e.Extract(context.Background(), rr1, Request{FileID: 5, StreamIndex: 2}); err != nil {
		t.Fatalf("first Extract: %v", err)
	}

	// Second call points at a tool that would fail if invoked, proving the
	// cache served the response instead of re-running the extraction.
	e.ToolPath = writeFakeTool(t, `exit 1`)
	rr2 := httptest.NewRecorder()
	if err := e.Extract(context.Background(), rr2, Request{FileID: 5, StreamIndex: 2}); err != nil {
		t.Fatalf("second (cached) Extract: %v", err)
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Errorf("cached body = %q, want %q", rr2.Body.String(), rr1.Body.String())
	}
}

func TestExtractDoesNotCacheNonZeroStart(t *testing.T) {
	tool := writeFakeTool(t, `printf 'WEBVTT\n\nseeked\n'`)
	e := New(tool, "http://127.0.0.1:8081/internal/raw")

	rr := httptest.NewRecorder()
	if err := e.Extract(context.Background(), rr, Request{FileID: 9, StreamIndex: 1, StartSeconds: 30}); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, ok := e.getCached(cacheKey{fileID: 9, streamIndex: 1}); ok {
		t.Error("expected no cache entry for a seeked (non-zero start) extraction")
	}
}

func TestExtractMissingHeaderIsHardError(t *testing.T) {
	tool := writeFakeTool(t, `printf 'not a subtitle file'`)
	e := New(tool, "http://127.0.0.1:8081/internal/raw")

	rr := httptest.NewRecorder()
	err := e.Extract(context.Background(), rr, Request{FileID: 1, StreamIndex: 1})
	if err == nil {
		t.Fatal("expected hard error when WEBVTT header is absent")
	}
}

func TestCacheEvictsBeyondMaxEntries(t *testing.T) {
	e := New("unused", "http://127.0.0.1:8081/internal/raw")
	for i := 0; i < maxCacheEntries+10; i++ {
		e.putCached(cacheKey{fileID: int64(i), streamIndex: 0}, []byte("x"))
	}
	e.mu.Lock()
	n := len(e.entries)
	e.mu.Unlock()
	if n != maxCacheEntries {
		t.Errorf("cache size = %d, want %d", n, maxCacheEntries)
	}
	if _, ok := e.getCached(cacheKey{fileID: 0, streamIndex: 0}); ok {
		t.Error("oldest entry should have been evicted")
	}
}
