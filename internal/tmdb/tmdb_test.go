package tmdb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"

	"github.com/streamvault/streamvaultd/internal/apierr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New("test-key")
	c.BaseURL = srv.URL
	c.ImgBase = srv.URL
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	return c, srv
}

func TestSearchMovieParsesResults(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/movie" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []SearchHit{{ID: 603, Title: "The Matrix", ReleaseDate: "1999-03-30"}},
		})
	})
	defer srv.Close()

	hits, err := c.SearchMovie(context.Background(), "The Matrix", 1999)
	if err != nil {
		t.Fatalf("SearchMovie: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != 603 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestMovieDetailsNotFound(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	_, err := c.MovieDetails(context.Background(), 999)
	if apierr.As(err) != apierr.NotFound {
		t.Errorf("kind = %v, want NotFound", apierr.As(err))
	}
}

func TestMovieDetailsParsesGenres(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Details{
			ID: 603, Title: "The Matrix", VoteAverage: 8.2,
			Genres: []genre{{ID: 1, Name: "Action"}, {ID: 2, Name: "Sci-Fi"}},
		})
	})
	defer srv.Close()

	d, err := c.MovieDetails(context.Background(), 603)
	if err != nil {
		t.Fatalf("MovieDetails: %v", err)
	}
	names := d.GenreNames()
	if len(names) != 2 || names[0] != "Action" || names[1] != "Sci-Fi" {
		t.Errorf("GenreNames = %v", names)
	}
}

func TestDownloadImageRejectsEmptyPath(t *testing.T) {
	c := New("k")
	_, err := c.DownloadImage(context.Background(), "")
	if apierr.As(err) != apierr.NotFound {
		t.Errorf("kind = %v, want NotFound", apierr.As(err))
	}
}

func TestDownloadImageReturnsBytes(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake-jpeg-bytes"))
	})
	defer srv.Close()

	data, err := c.DownloadImage(context.Background(), "/poster.jpg")
	if err != nil {
		t.Fatalf("DownloadImage: %v", err)
	}
	if string(data) != "fake-jpeg-bytes" {
		t.Errorf("data = %q", data)
	}
}

func TestRateLimitedResponseSurfacesKind(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()
	c.HTTP = srv.Client()

	_, err := c.SearchMovie(context.Background(), "x", 0)
	if apierr.As(err) != apierr.RateLimited {
		t.Errorf("kind = %v, want RateLimited (got %v)", apierr.As(err), err)
	}
}
