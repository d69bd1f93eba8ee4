// Package rangeserver implements HTTP Range-capable playback (C2) and the
// loopback-only raw endpoint the transcode supervisor seeks against (C3).
package rangeserver

import (
	"context"
	"fmt"
	"log"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/streamvault/streamvaultd/internal/apierr"
	"github.com/streamvault/streamvaultd/internal/chunkstore"
	"github.com/streamvault/streamvaultd/internal/remote"
)

const (
	retryDelay      = 1500 * time.Millisecond
	writeChunkBytes = 256 << 10
)

// Resolver resolves a file id to a remote handle. The implementation in
// internal/httpapi (Server.Resolver) asks the remote client only; it does not
// fall back to the listing cache or to metadata records.
type Resolver func(ctx context.Context, fileID int64) (*remote.FileHandle, error)

// Server streams bytes for one file id, backed by the chunk store.
type Server struct {
	Store   *chunkstore.Store
	Resolve Resolver
}

// byteRange is a parsed, validated Range request.
type byteRange struct {
	start, end int64 // inclusive
}

// ServeDirect implements the C2 direct-playback path: resolve, parse Range,
// write headers, stream bytes in strictly increasing offset order.
func (s *Server) ServeDirect(w http.ResponseWriter, r *http.Request, fileID int64) {
	handle, err := s.Resolve(r.Context(), fileID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	rng, status, err := parseRange(r.Header.Get("Range"), handle.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", handle.Size))
		w.WriteHeader(status)
		return
	}

	start, end := int64(0), handle.Size-1
	if rng != nil {
		start, end = rng.start, rng.end
	}
	length := end - start + 1

	w.Header().Set("Content-Type", contentTypeFor(handle.Name))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if rng != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, handle.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if r.Method == http.MethodHead {
		return
	}

	s.stream(r.Context(), w, handle, start, length)
}

// ServeRaw implements C3: the same byte stream as ServeDirect, restricted to
// loopback callers so the transcode supervisor can hand ffmpeg a seekable URL.
func (s *Server) ServeRaw(w http.ResponseWriter, r *http.Request, fileID int64) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.ServeDirect(w, r, fileID)
}

func (s *Server) stream(ctx context.Context, w http.ResponseWriter, handle *remote.FileHandle, start, length int64) {
	flusher, _ := w.(http.Flusher)
	pos := start
	remaining := length
	failedOnce := false

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		aligned := pos - (pos % s.Store.ChunkSize())
		want := s.Store.ChunkSize() - (pos - aligned)
		if want > remaining {
			want = remaining
		}

		data, err := s.Store.Read(ctx, handle, pos, want)
		if err != nil {
			kind := apierr.As(err)
			if (kind == apierr.Timeout || kind == apierr.RemoteError) && !failedOnce {
				failedOnce = true
				log.Printf("rangeserver: transient error reading file=%d pos=%d: %v; retrying once", handle.ID, pos, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
				continue
			}
			log.Printf("rangeserver: giving up reading file=%d pos=%d: %v", handle.ID, pos, err)
			return
		}
		failedOnce = false
		if len(data) == 0 {
			return // EOF
		}

		n, werr := writeInChunks(w, data)
		pos += int64(n)
		remaining -= int64(n)
		if werr != nil {
			log.Printf("rangeserver: write error file=%d pos=%d: %v", handle.ID, pos, werr)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeInChunks(w http.ResponseWriter, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		end := total + writeChunkBytes
		if end > len(data) {
			end = len(data)
		}
		n, err := w.Write(data[total:end])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// parseRange parses a single "bytes=a-b" Range header against size.
// Returns (nil, 0, nil) for an absent header (full-content response).
func parseRange(header string, size int64) (*byteRange, int, error) {
	if header == "" {
		return nil, 0, nil
	}
	if !strings.HasPrefix(header, "bytes=") {
		return nil, http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("malformed range")
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return nil, http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("multiple ranges not supported")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil, http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("malformed range")
	}

	var start, end int64
	var err error
	switch {
	case parts[0] == "" && parts[1] != "":
		// suffix range: last N bytes
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return nil, http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("malformed range")
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
	case parts[1] == "":
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("malformed range")
		}
		end = size - 1
	default:
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("malformed range")
		}
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("malformed range")
		}
	}

	if start < 0 || end < start || start >= size {
		return nil, http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("range out of bounds")
	}
	if end >= size {
		end = size - 1
	}
	return &byteRange{start: start, end: end}, 0, nil
}

func contentTypeFor(name string) string {
	ext := filepath.Ext(name)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "video/mp4"
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeAPIError(w http.ResponseWriter, err error) {
	kind := apierr.As(err)
	http.Error(w, err.Error(), apierr.StatusCode(kind))
}
