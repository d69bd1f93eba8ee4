// Package subtitle extracts a single subtitle track to WebVTT on demand
// (C6), caching full-file extractions in a bounded LRU.
package subtitle

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
)

const maxCacheEntries = 50

// Request describes one subtitle extraction.
type Request struct {
	FileID       int64
	StreamIndex  int
	StartSeconds float64
}

type cacheKey struct {
	fileID      int64
	streamIndex int
}

// Extractor runs the media tool and serves WebVTT, caching full-file runs.
type Extractor struct {
	ToolPath   string
	RawBaseURL string

	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	key  cacheKey
	vtt  []byte
}

func New(toolPath, rawBaseURL string) *Extractor {
	return &Extractor{
		ToolPath:   toolPath,
		RawBaseURL: rawBaseURL,
		entries:    make(map[cacheKey]*list.Element),
		order:      list.New(),
	}
}

// Extract writes WebVTT for req to w. For the full-file case (StartSeconds
// == 0) a cached extraction is served directly when present.
func (e *Extractor) Extract(ctx context.Context, w http.ResponseWriter, req Request) error {
	key := cacheKey{fileID: req.FileID, streamIndex: req.StreamIndex}
	cacheable := req.StartSeconds == 0

	if cacheable {
		if vtt, ok := e.getCached(key); ok {
			w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, err := w.Write(vtt)
			return err
		}
	}

	args := buildArgs(e.RawBaseURL, req)
	cmd := exec.CommandContext(ctx, e.ToolPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("subtitle: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("subtitle: start media tool: %w", err)
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	var buf *bytes.Buffer
	var dst io.Writer = w
	if cacheable {
		buf = &bytes.Buffer{}
		dst = io.MultiWriter(w, buf)
	}

	headerOK, err := streamVTT(w, dst, stdout)
	if err != nil {
		return err
	}
	if !headerOK {
		return fmt.Errorf("subtitle: media tool did not produce a WEBVTT header")
	}

	if cacheable {
		e.putCached(key, buf.Bytes())
	}
	return nil
}

// streamVTT copies r to dst (w already flushed as data arrives), reporting
// whether a WEBVTT header was observed in the first bytes produced.
func streamVTT(w http.ResponseWriter, dst io.Writer, r io.Reader) (bool, error) {
	flusher, _ := w.(http.Flusher)
	headerWritten := false
	headerSeen := false
	buf := make([]byte, 32<<10)
	var head bytes.Buffer

	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !headerWritten {
				head.Write(chunk)
				if head.Len() >= 6 || rerr == io.EOF {
					headerSeen = bytes.HasPrefix(bytes.TrimLeft(head.Bytes(), "\xEF\xBB\xBF\r\n\t "), []byte("WEBVTT"))
					if !headerSeen {
						return false, nil
					}
					headerWritten = true
					w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
					w.WriteHeader(http.StatusOK)
					if _, werr := dst.Write(head.Bytes()); werr != nil {
						return true, werr
					}
					if flusher != nil {
						flusher.Flush()
					}
				}
			} else {
				if _, werr := dst.Write(chunk); werr != nil {
					return true, werr
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if !headerWritten {
					return headerSeen, nil
				}
				return true, nil
			}
			return headerWritten, rerr
		}
	}
}

func buildArgs(rawBaseURL string, req Request) []string {
	url := fmt.Sprintf("%s/%d", rawBaseURL, req.FileID)
	args := []string{}
	if req.StartSeconds > 0 {
		args = append(args, "-ss", strconv.FormatFloat(req.StartSeconds, 'f', 3, 64))
	}
	args = append(args, "-i", url)
	args = append(args, "-map", fmt.Sprintf("0:%d", req.StreamIndex))
	args = append(args, "-c:s", "webvtt", "-f", "webvtt", "pipe:1")
	return args
}

func (e *Extractor) getCached(key cacheKey) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	elem, ok := e.entries[key]
	if !ok {
		return nil, false
	}
	e.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).vtt, true
}

func (e *Extractor) putCached(key cacheKey, vtt []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if elem, ok := e.entries[key]; ok {
		elem.Value.(*cacheEntry).vtt = vtt
		e.order.MoveToFront(elem)
		return
	}
	elem := e.order.PushFront(&cacheEntry{key: key, vtt: vtt})
	e.entries[key] = elem
	for e.order.Len() > maxCacheEntries {
		back := e.order.Back()
		if back == nil {
			break
		}
		e.order.Remove(back)
		delete(e.entries, back.Value.(*cacheEntry).key)
	}
}
