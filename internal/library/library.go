// Package library builds the browsable catalog view (C11): multi-part
// movie grouping, per-show TV aggregation, genre rows, hero items, and
// weighted title search, all derived from the metadata store's valid
// snapshot plus the show-aggregate cache.
package library

import (
	"regexp"
	"sort"
	"strings"

	"github.com/streamvault/streamvaultd/internal/metadata"
)

var nonAlphaNum = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeSortKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlphaNum.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func sortTuple(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = normalizeSortKey(p)
	}
	return strings.Join(normalized, "\x1f")
}

// Part describes one file belonging to a multi-part movie entry.
type Part struct {
	FileID     int64  `json:"file_id"`
	FileName   string `json:"file_name"`
	PartNumber int    `json:"part_number"`
}

// Movie is one browsable movie entry, possibly a merge of several parts.
type Movie struct {
	FileID       int64    `json:"file_id"`
	Title        string   `json:"title"`
	Year         int      `json:"year,omitempty"`
	Overview     string   `json:"overview,omitempty"`
	Genres       []string `json:"genres,omitempty"`
	Rating       float64  `json:"rating,omitempty"`
	PosterPath   string   `json:"poster_path,omitempty"`
	BackdropPath string   `json:"backdrop_path,omitempty"`
	TMDBID       int64    `json:"tmdb_id,omitempty"`

	IsSplit    bool   `json:"is_split,omitempty"`
	TotalParts int    `json:"total_parts,omitempty"`
	Parts      []Part `json:"parts,omitempty"`
}

// TVShow is one browsable show entry, built from the aggregate cache.
type TVShow struct {
	ShowTMDBID     int64                           `json:"show_tmdb_id"`
	Title          string                          `json:"title"`
	Overview       string                          `json:"overview,omitempty"`
	Genres         []string                        `json:"genres,omitempty"`
	Rating         float64                         `json:"rating,omitempty"`
	PosterPath     string                          `json:"poster_path,omitempty"`
	BackdropPath   string                          `json:"backdrop_path,omitempty"`
	Seasons        []int                           `json:"seasons"`
	EpisodesBySeason map[int][]metadata.Episode   `json:"episodes_by_season"`
}

// GenreRow groups items sharing a genre, sorted by row size descending.
type GenreRow struct {
	Genre string        `json:"genre"`
	Items []LibraryItem `json:"items"`
}

// LibraryItem is a genre-row/hero-item entry: either a movie or a show,
// flattened to the fields those views need.
type LibraryItem struct {
	Kind         string  `json:"kind"` // "movie" or "tv"
	FileID       int64   `json:"file_id,omitempty"`
	ShowTMDBID   int64   `json:"show_tmdb_id,omitempty"`
	Title        string  `json:"title"`
	Rating       float64 `json:"rating,omitempty"`
	PosterPath   string  `json:"poster_path,omitempty"`
	BackdropPath string  `json:"backdrop_path,omitempty"`
}

// Counts summarizes the library for quick display.
type Counts struct {
	Movies        int `json:"movies"`
	TVShows       int `json:"tv_shows"`
	TotalEpisodes int `json:"total_episodes"`
}

// Library is the full aggregated view produced by Build.
type Library struct {
	Movies     []Movie     `json:"movies"`
	TVShows    []TVShow    `json:"tv_shows"`
	GenreRows  []GenreRow  `json:"genre_rows"`
	HeroItems  []LibraryItem `json:"hero_items"`
	Counts     Counts      `json:"counts"`
}

const minGenreRowSize = 2
const maxHeroItems = 8
const minHeroRating = 5.0

// Build assembles the library view from the metadata store's valid records
// and the persisted show-aggregate cache.
func Build(records []metadata.Record, aggregates []metadata.ShowAggregate) Library {
	var movieRecords []metadata.Record
	for _, r := range records {
		if !r.IsTV() {
			movieRecords = append(movieRecords, r)
		}
	}

	movies := groupMovies(movieRecords)
	shows := buildShows(aggregates)

	items := make([]LibraryItem, 0, len(movies)+len(shows))
	for _, m := range movies {
		items = append(items, LibraryItem{Kind: "movie", FileID: m.FileID, Title: m.Title, Rating: m.Rating, PosterPath: m.PosterPath, BackdropPath: m.BackdropPath})
	}
	for _, s := range shows {
		items = append(items, LibraryItem{Kind: "tv", ShowTMDBID: s.ShowTMDBID, Title: s.Title, Rating: s.Rating, PosterPath: s.PosterPath, BackdropPath: s.BackdropPath})
	}

	genreRows := buildGenreRows(movies, shows)
	hero := buildHeroItems(items)

	totalEpisodes := 0
	for _, s := range shows {
		for _, eps := range s.EpisodesBySeason {
			totalEpisodes += len(eps)
		}
	}

	return Library{
		Movies:    movies,
		TVShows:   shows,
		GenreRows: genreRows,
		HeroItems: hero,
		Counts: Counts{
			Movies:        len(movies),
			TVShows:       len(shows),
			TotalEpisodes: totalEpisodes,
		},
	}
}

// groupMovies implements spec §4.11's two grouping strategies: by shared
// tmdb_id (≥2 records), else by normalized-title+part-marker for records
// lacking a tmdb_id.
func groupMovies(records []metadata.Record) []Movie {
	byTMDBID := map[int64][]metadata.Record{}
	var unmatched []metadata.Record
	for _, r := range records {
		if r.TMDBID != 0 {
			byTMDBID[r.TMDBID] = append(byTMDBID[r.TMDBID], r)
		} else {
			unmatched = append(unmatched, r)
		}
	}

	var movies []Movie
	for _, group := range byTMDBID {
		movies = append(movies, mergeMovieGroup(group))
	}

	byTitle := map[string][]metadata.Record{}
	for _, r := range unmatched {
		key := normalizeSortKey(r.Title)
		byTitle[key] = append(byTitle[key], r)
	}
	for _, group := range byTitle {
		if len(group) >= 2 && hasPartMarkers(group) {
			movies = append(movies, mergeMovieGroup(group))
			continue
		}
		for _, r := range group {
			movies = append(movies, singleMovie(r))
		}
	}

	sort.SliceStable(movies, func(i, j int) bool {
		ak, bk := sortTuple(movies[i].Title), sortTuple(movies[j].Title)
		if ak != bk {
			return ak < bk
		}
		return movies[i].FileID < movies[j].FileID
	})
	return movies
}

func hasPartMarkers(group []metadata.Record) bool {
	for _, r := range group {
		if r.PartNumber > 0 {
			return true
		}
	}
	return false
}

func mergeMovieGroup(group []metadata.Record) Movie {
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].PartNumber != group[j].PartNumber {
			if group[i].PartNumber == 0 {
				return false
			}
			if group[j].PartNumber == 0 {
				return true
			}
			return group[i].PartNumber < group[j].PartNumber
		}
		return group[i].FileName < group[j].FileName
	})

	primary := group[0]
	m := singleMovie(primary)
	if len(group) < 2 {
		return m
	}
	m.IsSplit = true
	m.TotalParts = len(group)
	m.Parts = make([]Part, 0, len(group))
	for _, r := range group {
		m.Parts = append(m.Parts, Part{FileID: r.FileID, FileName: r.FileName, PartNumber: r.PartNumber})
	}
	return m
}

func singleMovie(r metadata.Record) Movie {
	return Movie{
		FileID:       r.FileID,
		Title:        r.Title,
		Year:         r.Year,
		Overview:     r.Overview,
		Genres:       r.Genres,
		Rating:       r.Rating,
		PosterPath:   r.PosterPath,
		BackdropPath: r.BackdropPath,
		TMDBID:       r.TMDBID,
	}
}

func buildShows(aggregates []metadata.ShowAggregate) []TVShow {
	shows := make([]TVShow, 0, len(aggregates))
	for _, a := range aggregates {
		seasons := append([]int(nil), a.AvailableSeasons...)
		sort.Ints(seasons)
		episodesBySeason := map[int][]metadata.Episode{}
		for season, eps := range a.Seasons {
			sorted := append([]metadata.Episode(nil), eps...)
			sort.SliceStable(sorted, func(i, j int) bool {
				if sorted[i].Season != sorted[j].Season {
					return sorted[i].Season < sorted[j].Season
				}
				return sorted[i].Episode < sorted[j].Episode
			})
			episodesBySeason[season] = sorted
		}
		shows = append(shows, TVShow{
			ShowTMDBID:       a.ShowTMDBID,
			Title:            a.ShowTitle,
			Overview:         a.Overview,
			Genres:           a.Genres,
			Rating:           a.Rating,
			PosterPath:       a.PosterPath,
			BackdropPath:     a.BackdropPath,
			Seasons:          seasons,
			EpisodesBySeason: episodesBySeason,
		})
	}
	sort.SliceStable(shows, func(i, j int) bool {
		ak, bk := sortTuple(shows[i].Title), sortTuple(shows[j].Title)
		if ak != bk {
			return ak < bk
		}
		return shows[i].ShowTMDBID < shows[j].ShowTMDBID
	})
	return shows
}

func buildGenreRows(movies []Movie, shows []TVShow) []GenreRow {
	rows := map[string][]LibraryItem{}
	for _, m := range movies {
		for _, g := range m.Genres {
			rows[g] = append(rows[g], LibraryItem{Kind: "movie", FileID: m.FileID, Title: m.Title, Rating: m.Rating, PosterPath: m.PosterPath, BackdropPath: m.BackdropPath})
		}
	}
	for _, s := range shows {
		for _, g := range s.Genres {
			rows[g] = append(rows[g], LibraryItem{Kind: "tv", ShowTMDBID: s.ShowTMDBID, Title: s.Title, Rating: s.Rating, PosterPath: s.PosterPath, BackdropPath: s.BackdropPath})
		}
	}

	var out []GenreRow
	for genre, items := range rows {
		if len(items) < minGenreRowSize {
			continue
		}
		out = append(out, GenreRow{Genre: genre, Items: items})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].Items) != len(out[j].Items) {
			return len(out[i].Items) > len(out[j].Items)
		}
		return out[i].Genre < out[j].Genre
	})
	return out
}

func buildHeroItems(items []LibraryItem) []LibraryItem {
	var withBackdrop []LibraryItem
	for _, it := range items {
		if it.BackdropPath != "" && it.Rating >= minHeroRating {
			withBackdrop = append(withBackdrop, it)
		}
	}
	pool := withBackdrop
	if len(pool) == 0 {
		pool = append([]LibraryItem(nil), items...)
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Rating > pool[j].Rating })
	if len(pool) > maxHeroItems {
		pool = pool[:maxHeroItems]
	}
	return pool
}

// SearchResult is one scored match from Search.
type SearchResult struct {
	Item  LibraryItem
	Score int
}

// Search ranks items per spec §4.11: exact title 100, prefix 80, substring
// 60, genre substring 40, overview substring 20; ties break by rating desc
// then title asc.
func Search(movies []Movie, shows []TVShow, query string) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var results []SearchResult
	for _, m := range movies {
		if score, ok := scoreMatch(q, m.Title, m.Overview, m.Genres); ok {
			results = append(results, SearchResult{
				Item:  LibraryItem{Kind: "movie", FileID: m.FileID, Title: m.Title, Rating: m.Rating, PosterPath: m.PosterPath, BackdropPath: m.BackdropPath},
				Score: score,
			})
		}
	}
	for _, s := range shows {
		if score, ok := scoreMatch(q, s.Title, s.Overview, s.Genres); ok {
			results = append(results, SearchResult{
				Item:  LibraryItem{Kind: "tv", ShowTMDBID: s.ShowTMDBID, Title: s.Title, Rating: s.Rating, PosterPath: s.PosterPath, BackdropPath: s.BackdropPath},
				Score: score,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Item.Rating != results[j].Item.Rating {
			return results[i].Item.Rating > results[j].Item.Rating
		}
		return results[i].Item.Title < results[j].Item.Title
	})
	return results
}

func scoreMatch(q, title, overview string, genres []string) (int, bool) {
	lowerTitle := strings.ToLower(title)
	switch {
	case lowerTitle == q:
		return 100, true
	case strings.HasPrefix(lowerTitle, q):
		return 80, true
	case strings.Contains(lowerTitle, q):
		return 60, true
	}
	for _, g := range genres {
		if strings.Contains(strings.ToLower(g), q) {
			return 40, true
		}
	}
	if strings.Contains(strings.ToLower(overview), q) {
		return 20, true
	}
	return 0, false
}
