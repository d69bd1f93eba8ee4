package metadata

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/streamvault/streamvaultd/internal/apierr"
)

func alwaysExists(string) bool { return true }

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	r := &Record{FileID: 1, FileName: "movie.mkv", Type: "movie", Title: "Test", TMDBID: 603, FetchedAt: time.Now()}
	if err := s.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Title != "Test" || got.TMDBID != 603 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load(999)
	if err == nil {
		t.Fatal("expected error for missing record")
	}
	if k := apierr.As(err); k != apierr.NotFound {
		t.Errorf("kind = %q, want %q", k, apierr.NotFound)
	}
}

func TestLoadCorruptedReturnsCorruptedKind(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := writeRaw(dir, 1, "{not json"); err != nil {
		t.Fatalf("writeRaw: %v", err)
	}
	_, err := s.Load(1)
	if err == nil {
		t.Fatal("expected error for corrupted json")
	}
	if k := apierr.As(err); k != apierr.Corrupted {
		t.Errorf("kind = %q, want %q", k, apierr.Corrupted)
	}
}

func TestAutoFixPromotesTVOnRead(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	r := &Record{
		FileID: 42, Title: "Ep", Type: "movie", TMDBID: 1, FetchedAt: time.Now(),
		TV: &TVInfo{ShowTMDBID: 1399, Season: 1, Episode: 1},
	}
	if err := s.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(42)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Type != "tv" {
		t.Errorf("Type = %q, want tv after auto-fix", got.Type)
	}

	// The promotion must have been persisted.
	reread, err := s.Load(42)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reread.Type != "tv" {
		t.Errorf("persisted Type = %q, want tv", reread.Type)
	}
}

func TestAutoFixDemotesInMemoryOnly(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	r := &Record{FileID: 7, Title: "Orphan", Type: "tv", TMDBID: 1, FetchedAt: time.Now()}
	if err := s.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(7)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Type != "movie" {
		t.Errorf("Type = %q, want movie after in-memory demote", got.Type)
	}

	data, err := readRaw(dir, 7)
	if err != nil {
		t.Fatalf("readRaw: %v", err)
	}
	if !strings.Contains(data, `"type": "tv"`) {
		t.Errorf("on-disk record should remain type=tv (demote is in-memory only): %s", data)
	}
}

func TestSnapshotExcludesInvalidRecords(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	valid := &Record{FileID: 1, Title: "Valid", TMDBID: 1, FetchedAt: time.Now()}
	stub := &Record{FileID: 2, Title: "Stub", NeedsRetry: true}
	noTMDB := &Record{FileID: 3, Title: "NoTMDB", FetchedAt: time.Now()}

	for _, r := range []*Record{valid, stub, noTMDB} {
		if err := s.Save(r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	snap, err := s.Snapshot(alwaysExists)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 || snap[0].FileID != 1 {
		t.Errorf("snapshot = %+v, want only file_id=1", snap)
	}
}

func TestSnapshotExcludesMissingImage(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	r := &Record{FileID: 1, Title: "Has poster", TMDBID: 1, FetchedAt: time.Now(), PosterPath: "/posters/1.jpg"}
	if err := s.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap, err := s.Snapshot(func(string) bool { return false })
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("expected record with dangling poster to be excluded, got %+v", snap)
	}
}

func TestDeleteRemovesRecordAndInvalidatesSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	r := &Record{FileID: 1, Title: "X", TMDBID: 1, FetchedAt: time.Now()}
	if err := s.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Snapshot(alwaysExists); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := s.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists(1) {
		t.Error("expected record to be gone after Delete")
	}
	snap, err := s.Snapshot(alwaysExists)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("expected empty snapshot after delete, got %+v", snap)
	}
}

func writeRaw(dir string, fileID int64, content string) error {
	return os.WriteFile(filepath.Join(dir, strconv.FormatInt(fileID, 10)+".json"), []byte(content), 0o644)
}

func readRaw(dir string, fileID int64) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, strconv.FormatInt(fileID, 10)+".json"))
	return string(data), err
}
