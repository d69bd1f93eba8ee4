// Package metadataworker enriches metadata stubs via the external TMDB-style
// API (C9): movie/TV classification, part/episode grouping, image fetching,
// and per-entry retry with backoff.
package metadataworker

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/streamvault/streamvaultd/internal/activity"
	"github.com/streamvault/streamvaultd/internal/apierr"
	"github.com/streamvault/streamvaultd/internal/mediaprobe"
	"github.com/streamvault/streamvaultd/internal/metadata"
	"github.com/streamvault/streamvaultd/internal/metrics"
	"github.com/streamvault/streamvaultd/internal/remote"
	"github.com/streamvault/streamvaultd/internal/tmdb"
)

// maxAttempts caps the backoff schedule; the final interval (7 days) is
// sticky beyond this point.
const maxAttempts = 10

var backoffSchedule = []time.Duration{
	time.Hour, 6 * time.Hour, 24 * time.Hour, 7 * 24 * time.Hour,
}

// Input is one file awaiting classification and enrichment.
type Input struct {
	FileID   int64
	FileName string
}

// Worker processes batches of newly discovered or retry-eligible files.
type Worker struct {
	Store      *metadata.Store
	Aggregates *metadata.AggregateStore
	TMDB       *tmdb.Client
	Prober     *mediaprobe.Prober
	Remote     remote.Client
	Activity   *activity.Tracker
	DataDir    string

	showGroup singleflight.Group
}

func (w *Worker) postersDir() string   { return filepath.Join(w.DataDir, "posters") }
func (w *Worker) backdropsDir() string { return filepath.Join(w.DataDir, "backdrops") }

// ProcessBatch runs the per-file classification and enrichment pipeline,
// yielding to the activity tracker between records.
func (w *Worker) ProcessBatch(ctx context.Context, inputs []Input) {
	shows := map[string][]Input{}
	var movies []Input
	for _, in := range inputs {
		c := Classify(in.FileName)
		if c.IsTV {
			shows[c.NormalizedShow] = append(shows[c.NormalizedShow], in)
		} else {
			movies = append(movies, in)
		}
	}

	for _, in := range movies {
		w.yield(ctx)
		if err := w.processMovie(ctx, in); err != nil {
			log.Printf("metadataworker: movie file=%d: %v", in.FileID, err)
		}
	}

	for showKey, episodes := range shows {
		w.yield(ctx)
		if err := w.processShow(ctx, showKey, episodes); err != nil {
			log.Printf("metadataworker: show=%q: %v", showKey, err)
		}
	}
}

func (w *Worker) yield(ctx context.Context) {
	if w.Activity != nil && w.Activity.ActiveStreams() > 0 {
		_ = sleepCtx(ctx, 2*time.Second)
	} else {
		_ = sleepCtx(ctx, jitterDelay(150*time.Millisecond, 500*time.Millisecond))
	}
}

func (w *Worker) processMovie(ctx context.Context, in Input) error {
	c := Classify(in.FileName)

	if c.PartNumber > 1 {
		if copied, err := w.tryCopyFromPartOne(in, c); err != nil {
			return err
		} else if copied {
			return nil
		}
	}

	existing, _ := w.Store.Load(in.FileID)
	needsRefetch := existing != nil && (existing.NeedsRefetch || existing.ManualTMDBID != nil)
	if existing != nil && !existing.NeedsRetry && !needsRefetch {
		metrics.MetadataWorkerRuns.WithLabelValues("skipped").Inc()
		return nil // already enriched
	}

	var stub *metadata.Record
	if needsRefetch {
		stub = existing
		stub.NeedsRetry = true
	} else {
		tracks := w.probeTracks(ctx, in.FileID)
		stub = &metadata.Record{
			FileID:         in.FileID,
			FileName:       in.FileName,
			Type:           "movie",
			Title:          c.Title,
			Year:           c.Year,
			NeedsRetry:     true,
			AudioTracks:    tracks.audio,
			SubtitleTracks: tracks.subtitle,
			PartNumber:     c.PartNumber,
			IsSplit:        c.PartNumber > 0,
		}
	}
	if err := w.Store.Save(stub); err != nil {
		return fmt.Errorf("save stub: %w", err)
	}

	var details *tmdb.Details
	var tmdbID int64
	if stub.ManualTMDBID != nil {
		tmdbID = *stub.ManualTMDBID
		d, err := w.TMDB.MovieDetails(ctx, tmdbID)
		if err != nil {
			return w.failStub(stub, classifyFailure(err))
		}
		details = d
	} else {
		hits, err := w.TMDB.SearchMovie(ctx, c.Title, c.Year)
		if (err != nil || len(hits) == 0) && c.Year > 0 {
			hits, err = w.TMDB.SearchMovie(ctx, c.Title, 0)
		}
		if err != nil {
			return w.failStub(stub, classifyFailure(err))
		}
		if len(hits) == 0 {
			return w.failStub(stub, metadata.FailureNotFound)
		}
		tmdbID = hits[0].ID
		d, err := w.TMDB.MovieDetails(ctx, tmdbID)
		if err != nil {
			return w.failStub(stub, classifyFailure(err))
		}
		details = d
	}

	stub.TMDBID = tmdbID
	stub.NeedsRefetch = false
	stub.ManualTMDBID = nil
	stub.Overview = details.Overview
	stub.Genres = details.GenreNames()
	stub.Rating = details.VoteAverage
	stub.Runtime = details.Runtime
	stub.FetchedAt = time.Now()
	stub.NeedsRetry = false
	stub.Retry = metadata.Retry{}

	stub.PosterPath = w.downloadIfMissing(ctx, details.PosterPath, filepath.Join(w.postersDir(), fmt.Sprintf("%d.jpg", in.FileID)))
	stub.BackdropPath = w.downloadIfMissing(ctx, details.BackdropPath, filepath.Join(w.backdropsDir(), fmt.Sprintf("%d_bd.jpg", in.FileID)))

	if err := w.Store.Save(stub); err != nil {
		return err
	}
	metrics.MetadataWorkerRuns.WithLabelValues("enriched").Inc()
	return nil
}

func (w *Worker) tryCopyFromPartOne(in Input, c Classification) (bool, error) {
	ids, err := w.Store.AllFileIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		r, err := w.Store.Load(id)
		if err != nil {
			continue
		}
		rc := Classify(r.FileName)
		if rc.IsTV || rc.NormalizedTitle != c.NormalizedTitle || rc.Year != c.Year || rc.PartNumber != 1 {
			continue
		}
		copyRec := *r
		copyRec.FileID = in.FileID
		copyRec.FileName = in.FileName
		copyRec.PartNumber = c.PartNumber
		copyRec.IsSplit = true
		return true, w.Store.Save(&copyRec)
	}
	return false, nil
}

func (w *Worker) processShow(ctx context.Context, showKey string, episodes []Input) error {
	if len(episodes) == 0 {
		return nil
	}
	c := Classify(episodes[0].FileName)

	showIface, err, _ := w.showGroup.Do(showKey, func() (any, error) {
		hits, err := w.TMDB.SearchTV(ctx, c.ShowTitle)
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			return nil, apierr.New(apierr.NotFound, "show not found")
		}
		details, err := w.TMDB.TVDetails(ctx, hits[0].ID)
		if err != nil {
			return nil, err
		}
		poster := w.downloadIfMissing(ctx, details.PosterPath, filepath.Join(w.postersDir(), fmt.Sprintf("show_%d.jpg", hits[0].ID)))
		backdrop := w.downloadIfMissing(ctx, details.BackdropPath, filepath.Join(w.backdropsDir(), fmt.Sprintf("show_%d_bd.jpg", hits[0].ID)))
		return &showFetch{id: hits[0].ID, details: details, poster: poster, backdrop: backdrop}, nil
	})
	if err != nil {
		for _, ep := range episodes {
			stub := w.newEpisodeStub(ep, c, nil)
			_ = w.failStub(stub, classifyFailure(err))
		}
		return err
	}
	show := showIface.(*showFetch)

	for _, ep := range episodes {
		epClass := Classify(ep.FileName)
		w.yield(ctx)
		if err := w.processEpisode(ctx, ep, epClass, show); err != nil {
			log.Printf("metadataworker: episode file=%d show=%d: %v", ep.FileID, show.id, err)
		}
	}
	return nil
}

type showFetch struct {
	id       int64
	details  *tmdb.Details
	poster   string
	backdrop string
}

func (w *Worker) processEpisode(ctx context.Context, in Input, c Classification, show *showFetch) error {
	tracks := w.probeTracks(ctx, in.FileID)
	rec := w.newEpisodeStub(in, c, show)
	rec.AudioTracks = tracks.audio
	rec.SubtitleTracks = tracks.subtitle

	epDetails, err := w.TMDB.EpisodeDetails(ctx, show.id, c.Season, c.Episode)
	if err != nil {
		// Fall back to show-level data only, per spec §4.9 step 3.
		rec.NeedsRetry = false
		rec.FetchedAt = time.Now()
		if err := w.Store.Save(rec); err != nil {
			return err
		}
		metrics.MetadataWorkerRuns.WithLabelValues("enriched").Inc()
		return nil
	}
	rec.TV.EpisodeTitle = epDetails.Name
	rec.TV.EpisodeOverview = epDetails.Overview
	rec.NeedsRetry = false
	rec.FetchedAt = time.Now()
	if err := w.Store.Save(rec); err != nil {
		return err
	}
	metrics.MetadataWorkerRuns.WithLabelValues("enriched").Inc()
	return nil
}

func (w *Worker) newEpisodeStub(in Input, c Classification, show *showFetch) *metadata.Record {
	rec := &metadata.Record{
		FileID:     in.FileID,
		FileName:   in.FileName,
		Type:       "tv",
		Title:      c.ShowTitle,
		NeedsRetry: true,
		TV: &metadata.TVInfo{
			ShowTitle: c.ShowTitle,
			Season:    c.Season,
			Episode:   c.Episode,
		},
	}
	if show != nil {
		rec.TV.ShowTMDBID = show.id
		rec.TV.TotalSeasons = show.details.NumberOfSeasons
		rec.TV.TotalEpisodes = show.details.NumberOfEpisodes
		rec.Overview = show.details.Overview
		rec.Genres = show.details.GenreNames()
		rec.Rating = show.details.VoteAverage
		rec.TMDBID = show.id
		rec.PosterPath = show.poster
		rec.BackdropPath = show.backdrop
	}
	return rec
}

type probedTracks struct {
	audio    []metadata.AudioTrack
	subtitle []metadata.SubtitleTrack
}

func (w *Worker) probeTracks(ctx context.Context, fileID int64) probedTracks {
	if w.Prober == nil || w.Remote == nil {
		return probedTracks{}
	}
	handle, err := w.Remote.Resolve(ctx, fileID)
	if err != nil {
		return probedTracks{}
	}
	info, err := w.Prober.Probe(ctx, handle)
	if err != nil || info == nil {
		return probedTracks{}
	}
	out := probedTracks{}
	for _, a := range info.AudioStreams {
		out.audio = append(out.audio, metadata.AudioTrack{
			Index: a.Index, Codec: a.Codec, Language: a.Language, Channels: a.Channels, IsDefault: a.IsDefault,
		})
	}
	for _, s := range info.SubtitleStreams {
		out.subtitle = append(out.subtitle, metadata.SubtitleTrack{
			Index: s.Index, Codec: s.Codec, Language: s.Language, IsTextBased: s.IsTextBased, IsImageBased: s.IsImageBased,
		})
	}
	return out
}

// downloadIfMissing fetches tmdbPath to destPath unless destPath already
// exists and is non-empty, per spec §4.9's convention-path skip rule. It
// returns the local path to record on the metadata record (empty on failure
// or when there is no image to fetch).
func (w *Worker) downloadIfMissing(ctx context.Context, tmdbPath, destPath string) string {
	if tmdbPath == "" {
		return ""
	}
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		return destPath
	}
	data, err := w.TMDB.DownloadImage(ctx, tmdbPath)
	if err != nil {
		return ""
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return ""
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return ""
	}
	log.Printf("metadataworker: downloaded %s (%s) -> %s", tmdbPath, humanize.Bytes(uint64(len(data))), destPath)
	return destPath
}

func (w *Worker) failStub(rec *metadata.Record, kind metadata.FailureKind) error {
	rec.NeedsRetry = true
	rec.Retry.FailureKind = kind
	rec.Retry.AttemptCount++
	rec.Retry.LastAttemptAt = time.Now()
	metrics.MetadataWorkerRuns.WithLabelValues("failed").Inc()
	return w.Store.Save(rec)
}

func classifyFailure(err error) metadata.FailureKind {
	switch apierr.As(err) {
	case apierr.NotFound:
		return metadata.FailureNotFound
	case apierr.RateLimited:
		return metadata.FailureRateLimited
	case apierr.Corrupted:
		return metadata.FailureCorrupted
	default:
		return metadata.FailureNetworkError
	}
}

// NextBackoff returns the delay before attempt+1 is eligible, per the 1h /
// 6h / 24h / 7d schedule (sticky at 7d, capped at maxAttempts).
func NextBackoff(attemptCount int) time.Duration {
	if attemptCount >= maxAttempts {
		attemptCount = maxAttempts - 1
	}
	idx := attemptCount
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return backoffSchedule[idx]
}

// Eligible reports whether r's backoff window has elapsed.
func Eligible(r *metadata.Record, now time.Time) bool {
	if !r.NeedsRetry {
		return false
	}
	if r.Retry.AttemptCount >= maxAttempts {
		return now.Sub(r.Retry.LastAttemptAt) >= backoffSchedule[len(backoffSchedule)-1]
	}
	return now.Sub(r.Retry.LastAttemptAt) >= NextBackoff(r.Retry.AttemptCount)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func jitterDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(time.Now().UnixNano())%span
}
