package transcode

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestBuildArgsCopiesBrowserPlayableAudio(t *testing.T) {
	args := buildArgs("http://127.0.0.1:8081/internal/raw", Request{
		FileID: 7, StartSeconds: 0, AudioStreamIdx: 1, AudioCodec: "aac",
	})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-c:a copy") {
		t.Errorf("expected copy for browser-playable codec, got: %s", joined)
	}
	if strings.Contains(joined, "-ss") {
		t.Errorf("did not expect -ss for StartSeconds=0: %s", joined)
	}
	if !strings.Contains(joined, "http://127.0.0.1:8081/internal/raw/7") {
		t.Errorf("expected raw url in args: %s", joined)
	}
}

func TestBuildArgsTranscodesNonBrowserPlayableAudio(t *testing.T) {
	args := buildArgs("http://127.0.0.1:8081/internal/raw", Request{
		FileID: 7, StartSeconds: 42.5, AudioStreamIdx: 0, AudioCodec: "dts",
	})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-c:a aac") {
		t.Errorf("expected aac transcode for non-browser-playable codec, got: %s", joined)
	}
	if !strings.Contains(joined, "-ss 42.500") {
		t.Errorf("expected -ss seek, got: %s", joined)
	}
}

func writeFakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

func TestRunStreamsChildStdout(t *testing.T) {
	tool := writeFakeTool(t, "printf 'hello world'\n")
	s := New(tool, "http://127.0.0.1:8081/internal/raw")

	rr := httptest.NewRecorder()
	err := s.Run(context.Background(), rr, Request{FileID: 1, AudioCodec: "aac"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rr.Body.String() != "hello world" {
		t.Errorf("body = %q, want %q", rr.Body.String(), "hello world")
	}
	if rr.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("Content-Type = %q", rr.Header().Get("Content-Type"))
	}
	if s.ActiveJobs() != 0 {
		t.Errorf("expected no active jobs after completion, got %d", s.ActiveJobs())
	}
}

func TestRunKilledOnContextCancel(t *testing.T) {
	tool := writeFakeTool(t, "trap '' INT; sleep 5\n")
	s := New(tool, "http://127.0.0.1:8081/internal/raw")

	ctx, cancel := context.WithCancel(context.Background())
	rr := httptest.NewRecorder()
	doneCh := make(chan error, 1)
	go func() { doneCh <- s.Run(ctx, rr, Request{FileID: 1, AudioCodec: "aac"}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-doneCh:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(killTimeout + 2*time.Second):
		t.Fatal("Run did not return after context cancellation + kill timeout")
	}
}

func TestStartingNewJobKillsPreviousForSameFile(t *testing.T) {
	tool := writeFakeTool(t, "trap '' INT; sleep 5\n")
	s := New(tool, "http://127.0.0.1:8081/internal/raw")

	rr1 := httptest.NewRecorder()
	done1 := make(chan error, 1)
	go func() { done1 <- s.Run(context.Background(), rr1, Request{FileID: 3, AudioCodec: "aac"}) }()
	time.Sleep(50 * time.Millisecond)

	tool2 := writeFakeTool(t, "printf done\n")
	s.FFmpegPath = tool2
	rr2 := httptest.NewRecorder()
	if err := s.Run(context.Background(), rr2, Request{FileID: 3, AudioCodec: "aac"}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	select {
	case <-done1:
	case <-time.After(killTimeout + 2*time.Second):
		t.Fatal("first job was not killed by the second Run")
	}
}
