// Package tmdb is a client for an external TMDB-style metadata API: search,
// details, and image download, rate-limited per spec §4.9 (~40 calls/s).
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/streamvault/streamvaultd/internal/apierr"
	"github.com/streamvault/streamvaultd/internal/httpclient"
	"github.com/streamvault/streamvaultd/internal/metrics"
)

const (
	defaultBaseURL  = "https://api.themoviedb.org/3"
	defaultImgBase  = "https://image.tmdb.org/t/p/original"
	callTimeout     = 15 * time.Second
	ratePerSecond   = 40
)

// SearchHit is one result from a title search.
type SearchHit struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Name        string  `json:"name"` // TV search uses "name" instead of "title"
	ReleaseDate string  `json:"release_date"`
	FirstAirDate string `json:"first_air_date"`
	PosterPath  string  `json:"poster_path"`
}

// Details is the full-detail response for a movie or show.
type Details struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	Name         string   `json:"name"`
	Overview     string   `json:"overview"`
	Genres       []genre  `json:"genres"`
	VoteAverage  float64  `json:"vote_average"`
	Runtime      int      `json:"runtime"`
	PosterPath   string   `json:"poster_path"`
	BackdropPath string   `json:"backdrop_path"`
	NumberOfSeasons  int  `json:"number_of_seasons"`
	NumberOfEpisodes int  `json:"number_of_episodes"`
}

type genre struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GenreNames flattens Details.Genres for storage in metadata.Record.
func (d *Details) GenreNames() []string {
	names := make([]string, 0, len(d.Genres))
	for _, g := range d.Genres {
		names = append(names, g.Name)
	}
	return names
}

// EpisodeDetails is the per-episode response within a show/season.
type EpisodeDetails struct {
	Name     string `json:"name"`
	Overview string `json:"overview"`
}

// Client talks to the external metadata API under a leaky-bucket limiter.
type Client struct {
	APIKey  string
	BaseURL string
	ImgBase string
	HTTP    *http.Client

	limiter *rate.Limiter
}

func New(apiKey string) *Client {
	return &Client{
		APIKey:  apiKey,
		BaseURL: defaultBaseURL,
		ImgBase: defaultImgBase,
		HTTP:    httpclient.Default(),
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apierr.Wrap(apierr.Timeout, "rate limiter wait", err)
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.APIKey)
	u := fmt.Sprintf("%s%s?%s", c.BaseURL, path, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("tmdb: build request: %w", err)
	}

	resp, err := httpclient.DoWithRetry(ctx, c.HTTP, req, httpclient.MetadataRetryPolicy)
	if err != nil {
		metrics.MetadataAPIRequests.WithLabelValues("error").Inc()
		return apierr.Wrap(apierr.RemoteError, "tmdb request failed", err)
	}
	defer resp.Body.Close()
	metrics.MetadataAPIRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apierr.New(apierr.NotFound, "not found")
	case resp.StatusCode == http.StatusTooManyRequests:
		return apierr.New(apierr.RateLimited, "rate limited")
	case resp.StatusCode >= 400:
		return apierr.New(apierr.RemoteError, fmt.Sprintf("tmdb status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.Wrap(apierr.Corrupted, "decode tmdb response", err)
	}
	return nil
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// SearchMovie queries by title, retried once without year by the caller
// (metadataworker owns the retry-without-year policy per spec §4.9).
func (c *Client) SearchMovie(ctx context.Context, title string, year int) ([]SearchHit, error) {
	q := url.Values{"query": {title}}
	if year > 0 {
		q.Set("year", fmt.Sprintf("%d", year))
	}
	var out struct {
		Results []SearchHit `json:"results"`
	}
	if err := c.get(ctx, "/search/movie", q, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) SearchTV(ctx context.Context, title string) ([]SearchHit, error) {
	q := url.Values{"query": {title}}
	var out struct {
		Results []SearchHit `json:"results"`
	}
	if err := c.get(ctx, "/search/tv", q, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) MovieDetails(ctx context.Context, id int64) (*Details, error) {
	var d Details
	if err := c.get(ctx, fmt.Sprintf("/movie/%d", id), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) TVDetails(ctx context.Context, id int64) (*Details, error) {
	var d Details
	if err := c.get(ctx, fmt.Sprintf("/tv/%d", id), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) EpisodeDetails(ctx context.Context, showID int64, season, episode int) (*EpisodeDetails, error) {
	var d EpisodeDetails
	path := fmt.Sprintf("/tv/%d/season/%d/episode/%d", showID, season, episode)
	if err := c.get(ctx, path, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DownloadImage fetches an image at tmdbPath (e.g. "/abc123.jpg") and
// returns its raw bytes. The caller handles the by-convention destination
// path and skip-if-non-empty-exists rule.
func (c *Client) DownloadImage(ctx context.Context, tmdbPath string) ([]byte, error) {
	if tmdbPath == "" {
		return nil, apierr.New(apierr.NotFound, "no image path")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apierr.Wrap(apierr.Timeout, "rate limiter wait", err)
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ImgBase+tmdbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("tmdb: build image request: %w", err)
	}
	resp, err := httpclient.DoWithRetry(ctx, c.HTTP, req, httpclient.MetadataRetryPolicy)
	if err != nil {
		return nil, apierr.Wrap(apierr.RemoteError, "image download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.RemoteError, fmt.Sprintf("image status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.RemoteError, "read image body", err)
	}
	return data, nil
}
