// Package httpapi wires the streaming, metadata, and admin HTTP surface
// together: stdlib net/http routing, brotli-compressed JSON responses, and
// request-duration metrics per route.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamvault/streamvaultd/internal/activity"
	"github.com/streamvault/streamvaultd/internal/apierr"
	"github.com/streamvault/streamvaultd/internal/health"
	"github.com/streamvault/streamvaultd/internal/library"
	"github.com/streamvault/streamvaultd/internal/mediaprobe"
	"github.com/streamvault/streamvaultd/internal/metadata"
	"github.com/streamvault/streamvaultd/internal/metrics"
	"github.com/streamvault/streamvaultd/internal/rangeserver"
	"github.com/streamvault/streamvaultd/internal/remote"
	syncloop "github.com/streamvault/streamvaultd/internal/sync"
	"github.com/streamvault/streamvaultd/internal/subtitle"
	"github.com/streamvault/streamvaultd/internal/transcode"
)

// Server holds every dependency the HTTP surface dispatches to.
type Server struct {
	Remote     remote.Client
	Range      *rangeserver.Server
	Activity   *activity.Tracker
	MetaStore  *metadata.Store
	Aggregates *metadata.AggregateStore
	Prober     *mediaprobe.Prober
	Transcode  *transcode.Supervisor
	Subtitle   *subtitle.Extractor
	SyncLoop   *syncloop.Loop
	Health     *health.Checker
}

// Resolver builds a rangeserver.Resolver bound to this server's remote client.
func (s *Server) Resolver() rangeserver.Resolver {
	return func(ctx context.Context, fileID int64) (*remote.FileHandle, error) {
		return s.Remote.Resolve(ctx, fileID)
	}
}

// Routes builds the full streaming, metadata, and admin mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stream/{id}", s.handleStream)
	mux.HandleFunc("HEAD /stream/{id}", s.handleStream)
	mux.HandleFunc("GET /stream/{id}/tracks", s.handleTracks)
	mux.HandleFunc("GET /stream/{id}/subtitle/{stream_index}", s.handleSubtitle)
	mux.HandleFunc("POST /stream/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /internal/raw/{id}", s.handleRaw)

	mux.HandleFunc("GET /metadata", s.withJSONCompression(s.handleLibrary))
	mux.HandleFunc("GET /metadata/{id}", s.withJSONCompression(s.handleMetadataOne))
	mux.HandleFunc("GET /tv/{show_tmdb_id}", s.withJSONCompression(s.handleShow))
	mux.HandleFunc("GET /search", s.withJSONCompression(s.handleSearch))

	mux.HandleFunc("POST /admin/metadata/{id}/fix", s.handleAdminFix)
	mux.HandleFunc("POST /admin/metadata/{id}/refetch", s.handleAdminRefetch)
	mux.HandleFunc("POST /admin/sync-telegram", s.handleAdminSync)
	mux.HandleFunc("POST /admin/rebuild-tv-caches", s.handleAdminRebuild)
	mux.HandleFunc("GET /admin/worker-status", s.withJSONCompression(s.handleWorkerStatus))
	mux.HandleFunc("POST /admin/worker/pause", s.handleWorkerPause)
	mux.HandleFunc("POST /admin/worker/resume", s.handleWorkerResume)

	if s.Health != nil {
		mux.Handle("GET /healthz", s.Health)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return withMetrics(mux)
}

// MetricsHandler exposes the Prometheus registry on its own, so it can be
// bound to a separate internal listener (config.MetricsAddr) instead of the
// public-facing mux.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// withMetrics records HTTPRequestDuration per route template and status.
func withMetrics(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		handler, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = r.URL.Path
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		metrics.HTTPRequestDuration.WithLabelValues(pattern, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withJSONCompression brotli-encodes the JSON body when the client accepts
// it.
func (s *Server) withJSONCompression(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			h(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "br")
		w.Header().Set("Content-Type", "application/json")
		bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
		defer bw.Close()
		h(&brotliResponseWriter{ResponseWriter: w, enc: bw}, r)
	}
}

// brotliResponseWriter redirects Write calls through the brotli encoder
// while leaving header/status handling on the underlying writer.
type brotliResponseWriter struct {
	http.ResponseWriter
	enc io.Writer
}

func (b *brotliResponseWriter) Write(p []byte) (int, error) { return b.enc.Write(p) }

func pathID(r *http.Request, name string) (int64, bool) {
	v := r.PathValue(name)
	id, err := strconv.ParseInt(v, 10, 64)
	return id, err == nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	kind := apierr.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.StatusCode(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": string(kind)})
}

// handleStream implements GET/HEAD /stream/{id} (C2). Every view registers
// activity so background work backs off while this stream is live; the
// session id (a uuid) is attached as a response header for client-side
// correlation in logs.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	w.Header().Set("X-Stream-Session", uuid.NewString())
	s.Activity.RegisterActivity(id, r.RemoteAddr)

	if audioStr := r.URL.Query().Get("audioTrack"); audioStr != "" {
		s.handleStreamTranscoded(w, r, id, audioStr)
		return
	}
	s.Range.ServeDirect(w, r, id)
}

// handleStreamTranscoded routes to the transcode supervisor (C5) when the
// client requests a non-default audio track or a default one the browser
// cannot play, per the C2-or-C5 data flow; the default browser-playable
// track is served on the direct path.
func (s *Server) handleStreamTranscoded(w http.ResponseWriter, r *http.Request, id int64, audioStr string) {
	audioIdx, err := strconv.Atoi(audioStr)
	if err != nil {
		http.Error(w, "bad audio index", http.StatusBadRequest)
		return
	}
	startSeconds, _ := strconv.ParseFloat(r.URL.Query().Get("start"), 64)

	handle, err := s.Remote.Resolve(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	info, err := s.Prober.Probe(r.Context(), handle)
	if err != nil {
		writeErr(w, err)
		return
	}
	codec := ""
	isDefault := false
	for _, a := range info.AudioStreams {
		if a.Index == audioIdx {
			codec = a.Codec
			isDefault = a.IsDefault
		}
	}
	if isDefault && mediaprobe.IsBrowserPlayable(codec) {
		s.Range.ServeDirect(w, r, id)
		return
	}

	req := transcode.Request{FileID: id, StartSeconds: startSeconds, AudioStreamIdx: audioIdx, AudioCodec: codec}
	if err := s.Transcode.Run(r.Context(), w, req); err != nil {
		writeErr(w, err)
	}
}

// handleRaw implements GET /internal/raw/{id} (C3), loopback-restricted
// inside rangeserver.ServeRaw.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	s.Range.ServeRaw(w, r, id)
}

// handleHeartbeat implements POST /stream/{id}/heartbeat, refreshing a
// session's inactivity timer for players that poll instead of holding the
// connection open between range requests.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	s.Activity.RegisterActivity(id, r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

// tracksResponse is the GET /stream/{id}/tracks DTO: it surfaces the
// playable-without-transcoding verdict a client needs to drive an
// "unsupported audio" warning before playback starts.
type tracksResponse struct {
	AudioTracks         []mediaprobe.AudioStream    `json:"audio_tracks"`
	SubtitleTracks      []mediaprobe.SubtitleStream `json:"subtitle_tracks"`
	HasUnsupportedAudio bool                        `json:"has_unsupported_audio"`
	Duration            float64                     `json:"duration"`
	DefaultAudioCodec   string                      `json:"default_audio_codec"`
	BrowserPlayable     bool                        `json:"browser_playable"`
}

// handleTracks implements GET /stream/{id}/tracks (C4): probe the file and
// report its audio/subtitle layout so a client can pick a track.
func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	handle, err := s.Remote.Resolve(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	info, err := s.Prober.Probe(r.Context(), handle)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := tracksResponse{
		AudioTracks:    info.AudioStreams,
		SubtitleTracks: info.SubtitleStreams,
		Duration:       info.DurationSeconds,
	}
	defaultCodec := ""
	defaultPlayable := true
	for _, a := range info.AudioStreams {
		if a.IsDefault {
			defaultCodec = a.Codec
			defaultPlayable = mediaprobe.IsBrowserPlayable(a.Codec)
		}
		if !mediaprobe.IsBrowserPlayable(a.Codec) {
			resp.HasUnsupportedAudio = true
		}
	}
	if defaultCodec == "" && len(info.AudioStreams) > 0 {
		defaultCodec = info.AudioStreams[0].Codec
		defaultPlayable = mediaprobe.IsBrowserPlayable(defaultCodec)
	}
	resp.DefaultAudioCodec = defaultCodec
	resp.BrowserPlayable = defaultPlayable

	writeJSON(w, resp)
}

// handleSubtitle implements GET /stream/{id}/subtitle/{stream_index} (C6).
// Falling back to on-the-fly ffmpeg-extracted WebVTT is handled inside
// subtitle.Extractor; this handler only parses the request.
func (s *Server) handleSubtitle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	idx, err := strconv.Atoi(r.PathValue("stream_index"))
	if err != nil {
		http.Error(w, "bad stream index", http.StatusBadRequest)
		return
	}
	start, _ := strconv.ParseFloat(r.URL.Query().Get("start"), 64)

	w.Header().Set("Content-Type", "text/vtt")
	if err := s.Subtitle.Extract(r.Context(), w, subtitle.Request{FileID: id, StreamIndex: idx, StartSeconds: start}); err != nil {
		writeErr(w, err)
	}
}

// handleLibrary implements GET /metadata (C11): the full aggregated view.
func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	lib, err := s.buildLibrary()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, lib)
}

// handleMetadataOne implements GET /metadata/{id}: one raw record.
func (s *Server) handleMetadataOne(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	rec, err := s.MetaStore.Load(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, rec)
}

// handleShow implements GET /tv/{show_tmdb_id}: one show aggregate.
func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "show_tmdb_id")
	if !ok {
		http.Error(w, "bad show id", http.StatusBadRequest)
		return
	}
	agg, err := s.Aggregates.Load(id)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.NotFound, "show not cached", err))
		return
	}
	writeJSON(w, agg)
}

// handleSearch implements GET /search?q=....
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	lib, err := s.buildLibrary()
	if err != nil {
		writeErr(w, err)
		return
	}
	results := library.Search(lib.Movies, lib.TVShows, r.URL.Query().Get("q"))
	writeJSON(w, results)
}

func (s *Server) buildLibrary() (library.Library, error) {
	records, err := s.MetaStore.Snapshot(fileExists)
	if err != nil {
		return library.Library{}, err
	}
	aggregates, err := s.loadAllAggregates(records)
	if err != nil {
		return library.Library{}, err
	}
	return library.Build(records, aggregates), nil
}

func (s *Server) loadAllAggregates(records []metadata.Record) ([]metadata.ShowAggregate, error) {
	seen := map[int64]bool{}
	var out []metadata.ShowAggregate
	for _, r := range records {
		if !r.IsTV() || seen[r.TV.ShowTMDBID] {
			continue
		}
		seen[r.TV.ShowTMDBID] = true
		agg, err := s.Aggregates.Load(r.TV.ShowTMDBID)
		if err != nil {
			continue
		}
		out = append(out, *agg)
	}
	return out, nil
}

// handleAdminFix implements POST /admin/metadata/{id}/fix: an operator sets
// an explicit tmdb_id override, which the next sync pass resolves directly
// against that id instead of searching.
func (s *Server) handleAdminFix(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	var body struct {
		TMDBID int64 `json:"tmdb_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TMDBID == 0 {
		http.Error(w, "body must be {\"tmdb_id\": N}", http.StatusBadRequest)
		return
	}
	rec, err := s.MetaStore.Load(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec.ManualTMDBID = &body.TMDBID
	rec.NeedsRefetch = true
	if err := s.MetaStore.Save(rec); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleAdminRefetch implements POST /admin/metadata/{id}/refetch.
func (s *Server) handleAdminRefetch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	rec, err := s.MetaStore.Load(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec.NeedsRefetch = true
	if err := s.MetaStore.Save(rec); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleAdminSync implements POST /admin/sync-telegram: one synchronous
// full channel scan.
func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	n := s.SyncLoop.TriggerFullScan(r.Context())
	writeJSON(w, map[string]int{"changes": n})
}

// handleAdminRebuild implements POST /admin/rebuild-tv-caches.
func (s *Server) handleAdminRebuild(w http.ResponseWriter, r *http.Request) {
	s.SyncLoop.RebuildAggregates()
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkerStatus implements GET /admin/worker-status.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"paused":            s.Activity.Paused(),
		"active_streams":    s.Activity.ActiveStreams(),
		"active_transcodes": s.Transcode.ActiveJobs(),
	})
}

func (s *Server) handleWorkerPause(w http.ResponseWriter, r *http.Request) {
	s.Activity.ForcePause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerResume(w http.ResponseWriter, r *http.Request) {
	s.Activity.ForceResume()
	w.WriteHeader(http.StatusNoContent)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
