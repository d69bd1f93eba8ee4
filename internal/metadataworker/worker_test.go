package metadataworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/streamvault/streamvaultd/internal/metadata"
	"github.com/streamvault/streamvaultd/internal/remote"
	"github.com/streamvault/streamvaultd/internal/tmdb"
)

func newTestWorker(t *testing.T, handler http.HandlerFunc) (*Worker, *metadata.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := tmdb.New("test-key")
	client.BaseURL = srv.URL
	client.ImgBase = srv.URL
	client.HTTP = srv.Client()

	dir := t.TempDir()
	store := metadata.NewStore(filepath.Join(dir, "meta"))
	agg := metadata.NewAggregateStore(filepath.Join(dir, "agg"))

	w := &Worker{
		Store:      store,
		Aggregates: agg,
		TMDB:       client,
		Remote:     remote.NewFake(),
		DataDir:    dir,
	}
	return w, store
}

func TestProcessMovieEnrichesAndSaves(t *testing.T) {
	w, store := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/search/movie":
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"results": []tmdb.SearchHit{{ID: 603, Title: "The Matrix"}},
			})
		case r.URL.Path == "/movie/603":
			_ = json.NewEncoder(rw).Encode(tmdb.Details{
				ID: 603, Overview: "A hacker discovers reality is a simulation.",
				VoteAverage: 8.2,
			})
		default:
			rw.WriteHeader(http.StatusOK)
		}
	})

	w.ProcessBatch(context.Background(), []Input{{FileID: 1, FileName: "The.Matrix.1999.1080p.mkv"}})

	rec, err := store.Load(1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.NeedsRetry {
		t.Error("expected record to be enriched, not pending retry")
	}
	if rec.TMDBID != 603 {
		t.Errorf("TMDBID = %d, want 603", rec.TMDBID)
	}
	if rec.Type != "movie" {
		t.Errorf("Type = %q, want movie", rec.Type)
	}
}

func TestProcessMovieNoSearchHitsMarksNotFound(t *testing.T) {
	w, store := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(rw).Encode(map[string]any{"results": []tmdb.SearchHit{}})
	})

	w.ProcessBatch(context.Background(), []Input{{FileID: 2, FileName: "Unknown.Film.2020.mkv"}})

	rec, err := store.Load(2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !rec.NeedsRetry {
		t.Error("expected NeedsRetry after a no-hit search")
	}
	if rec.Retry.FailureKind != metadata.FailureNotFound {
		t.Errorf("FailureKind = %q, want not_found", rec.Retry.FailureKind)
	}
}

func TestProcessShowFetchesOncePerBatch(t *testing.T) {
	var tvDetailCalls int
	w, store := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/search/tv":
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"results": []tmdb.SearchHit{{ID: 1396, Name: "Breaking Bad"}},
			})
		case r.URL.Path == "/tv/1396":
			tvDetailCalls++
			_ = json.NewEncoder(rw).Encode(tmdb.Details{ID: 1396, Overview: "A chemistry teacher."})
		default:
			_ = json.NewEncoder(rw).Encode(tmdb.EpisodeDetails{Name: "Pilot"})
		}
	})

	w.ProcessBatch(context.Background(), []Input{
		{FileID: 10, FileName: "Breaking.Bad.S01E01.mkv"},
		{FileID: 11, FileName: "Breaking.Bad.S01E02.mkv"},
	})

	if tvDetailCalls != 1 {
		t.Errorf("TVDetails called %d times, want 1 (episodes of one show share one show fetch)", tvDetailCalls)
	}

	rec1, err := store.Load(10)
	if err != nil {
		t.Fatalf("Load(10): %v", err)
	}
	if rec1.TV == nil || rec1.TV.ShowTMDBID != 1396 {
		t.Errorf("rec1.TV = %+v", rec1.TV)
	}
	if rec1.Type != "tv" {
		t.Errorf("Type = %q, want tv", rec1.Type)
	}
}

func TestProcessEpisodeFallsBackToShowLevelOnFailure(t *testing.T) {
	w, store := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/search/tv":
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"results": []tmdb.SearchHit{{ID: 5, Name: "Some Show"}},
			})
		case r.URL.Path == "/tv/5":
			_ = json.NewEncoder(rw).Encode(tmdb.Details{ID: 5})
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	})

	w.ProcessBatch(context.Background(), []Input{{FileID: 20, FileName: "Some.Show.S02E03.mkv"}})

	rec, err := store.Load(20)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.NeedsRetry {
		t.Error("show-level fallback should not leave the record pending retry")
	}
	if rec.TV.ShowTMDBID != 5 {
		t.Errorf("ShowTMDBID = %d, want 5", rec.TV.ShowTMDBID)
	}
}

func TestNextBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     string
	}{
		{0, "1h0m0s"},
		{1, "6h0m0s"},
		{2, "24h0m0s"},
		{3, "168h0m0s"},
		{9, "168h0m0s"},
	}
	for _, c := range cases {
		got := NextBackoff(c.attempts)
		if got.String() != c.want {
			t.Errorf("NextBackoff(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}
