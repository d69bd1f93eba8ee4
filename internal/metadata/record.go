// Package metadata implements the on-disk per-file JSON record store (C8):
// atomic whole-file writes, a TTL-memoized "all valid records" snapshot, and
// read-time auto-fix of the type/tv.show_tmdb_id relationship.
package metadata

import "time"

// AudioTrack mirrors mediaprobe.AudioStream in the record's persisted shape.
type AudioTrack struct {
	Index     int    `json:"index"`
	Codec     string `json:"codec"`
	Language  string `json:"language,omitempty"`
	Channels  int    `json:"channels"`
	IsDefault bool   `json:"is_default"`
}

// SubtitleTrack mirrors mediaprobe.SubtitleStream.
type SubtitleTrack struct {
	Index        int    `json:"index"`
	Codec        string `json:"codec"`
	Language     string `json:"language,omitempty"`
	IsTextBased  bool   `json:"is_text_based"`
	IsImageBased bool   `json:"is_image_based"`
}

// TVInfo is present only for series episodes.
type TVInfo struct {
	ShowTMDBID      int64  `json:"show_tmdb_id"`
	ShowTitle       string `json:"show_title"`
	Season          int    `json:"season"`
	Episode         int    `json:"episode"`
	EpisodeTitle    string `json:"episode_title,omitempty"`
	EpisodeOverview string `json:"episode_overview,omitempty"`
	TotalSeasons    int    `json:"total_seasons,omitempty"`
	TotalEpisodes   int    `json:"total_episodes,omitempty"`
}

// Part describes one file belonging to a multi-part movie.
type Part struct {
	FileID      int64  `json:"file_id"`
	FileName    string `json:"file_name"`
	PartNumber  int    `json:"part_number"`
}

// FailureKind classifies why a retry is pending.
type FailureKind string

const (
	FailureNotFound      FailureKind = "not_found"
	FailureRateLimited   FailureKind = "rate_limited"
	FailureNetworkError  FailureKind = "network_error"
	FailurePendingTMDB   FailureKind = "pending_tmdb"
	FailureCorrupted     FailureKind = "corrupted"
)

// Retry is the backoff descriptor attached to a record pending re-enrichment.
type Retry struct {
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	AttemptCount  int         `json:"attempt_count"`
	LastAttemptAt time.Time   `json:"last_attempt_at,omitempty"`
}

// Record is one JSON-per-file metadata entry.
type Record struct {
	FileID       int64     `json:"file_id"`
	FileName     string    `json:"file_name"`
	Type         string    `json:"type"` // "movie" or "tv"; derived, see auto-fix
	Title        string    `json:"title"`
	Year         int       `json:"year,omitempty"`
	Overview     string    `json:"overview,omitempty"`
	Genres       []string  `json:"genres,omitempty"`
	Rating       float64   `json:"rating,omitempty"`
	Runtime      int       `json:"runtime,omitempty"`
	PosterPath   string    `json:"poster_path,omitempty"`
	BackdropPath string    `json:"backdrop_path,omitempty"`
	TMDBID       int64     `json:"tmdb_id,omitempty"`
	FetchedAt    time.Time `json:"fetched_at,omitempty"`
	NeedsRetry   bool      `json:"needs_retry"`
	NeedsRefetch bool      `json:"needs_refetch,omitempty"`
	Retry        Retry     `json:"retry,omitempty"`

	TV    *TVInfo `json:"tv,omitempty"`
	Parts []Part  `json:"parts,omitempty"`

	IsSplit    bool `json:"is_split,omitempty"`
	PartNumber int  `json:"part_number,omitempty"`

	AudioTracks    []AudioTrack    `json:"audio_tracks,omitempty"`
	SubtitleTracks []SubtitleTrack `json:"subtitle_tracks,omitempty"`

	// ManualTMDBID records an admin override from POST /admin/metadata/{id}/fix;
	// its presence (distinct from zero) is what the sync loop's file watcher
	// treats as a manual-refetch trigger alongside NeedsRefetch. The worker
	// clears it once it has enriched the record from that id.
	ManualTMDBID *int64 `json:"_manual_tmdb_id,omitempty"`
}

// IsTV reports whether r should be treated as a TV episode, per the
// canonical rule: tv.show_tmdb_id is the single source of truth.
func (r *Record) IsTV() bool {
	return r.TV != nil && r.TV.ShowTMDBID != 0
}

// applyAutoFix implements spec §4.8's two read-time rules. It mutates r and
// returns true if a value requiring a persisted rewrite changed (the
// promote case); the demote case is in-memory only and returns false.
func applyAutoFix(r *Record) (dirty bool) {
	switch {
	case r.TV != nil && r.TV.ShowTMDBID != 0 && r.Type != "tv":
		r.Type = "tv"
		return true
	case r.Type == "tv" && (r.TV == nil || r.TV.ShowTMDBID == 0):
		r.Type = "movie"
		return false
	}
	return false
}

// IsValid implements spec §4.8's validity predicate used to build the
// "valid" snapshot. referencedImagesExist is injected so this stays a pure
// function of the record plus a caller-supplied disk check.
func IsValid(r *Record, referencedImagesExist func(path string) bool) bool {
	if r.FileID == 0 || r.NeedsRetry || r.FetchedAt.IsZero() || r.Title == "" || r.TMDBID == 0 {
		return false
	}
	if r.PosterPath != "" && !referencedImagesExist(r.PosterPath) {
		return false
	}
	if r.BackdropPath != "" && !referencedImagesExist(r.BackdropPath) {
		return false
	}
	return true
}
