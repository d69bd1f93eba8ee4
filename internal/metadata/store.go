package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/streamvault/streamvaultd/internal/apierr"
)

const snapshotTTL = time.Hour
const invalidationDebounce = time.Second

// Store is the on-disk JSON-per-file record store plus its memoized
// "all valid records" snapshot.
type Store struct {
	dir string // metadata/ directory; one {file_id}.json per record

	mu       sync.RWMutex
	snapshot []Record
	builtAt  time.Time
	dirty    bool
	timer    *time.Timer
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(fileID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.json", fileID))
}

// Dir returns the directory backing this store, e.g. for a file watcher.
func (s *Store) Dir() string { return s.dir }

// Save whole-file-rewrites the record for r.FileID, atomically.
func (s *Store) Save(r *Record) error {
	if r.FileID == 0 {
		return apierr.New(apierr.BadRequest, "record missing file_id")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.Corrupted, "marshal record", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("metadata: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".%d-*.json.tmp", r.FileID))
	if err != nil {
		return fmt.Errorf("metadata save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("metadata save: write: %w", writeErr)
		}
		return fmt.Errorf("metadata save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metadata save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.path(r.FileID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metadata save: rename: %w", err)
	}
	s.invalidate()
	return nil
}

// Load reads and auto-fixes a single record. A promote-type auto-fix is
// persisted before returning; a demote is applied in memory only.
func (s *Store) Load(fileID int64) (*Record, error) {
	data, err := os.ReadFile(s.path(fileID))
	if os.IsNotExist(err) {
		return nil, apierr.New(apierr.NotFound, "no metadata for file")
	}
	if err != nil {
		return nil, fmt.Errorf("metadata load: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, apierr.Wrap(apierr.Corrupted, "unparseable metadata json", err)
	}
	if applyAutoFix(&r) {
		if err := s.Save(&r); err != nil {
			return nil, fmt.Errorf("metadata auto-fix save: %w", err)
		}
	}
	return &r, nil
}

// Delete removes the record for fileID, e.g. when the remote file vanishes.
func (s *Store) Delete(fileID int64) error {
	err := os.Remove(s.path(fileID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.invalidate()
	return nil
}

// Exists reports whether a record file is present for fileID without
// parsing it.
func (s *Store) Exists(fileID int64) bool {
	_, err := os.Stat(s.path(fileID))
	return err == nil
}

// AllFileIDs lists every file id with a record on disk, skipping file names
// that are not a numeric id; records are not parsed (callers needing valid
// records should use Snapshot instead).
func (s *Store) AllFileIDs() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		idStr := strings.TrimSuffix(name, ".json")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// invalidate marks the snapshot stale at once, so the next Snapshot call
// rebuilds it; writes with no Snapshot call between them share one rebuild.
// A timer marks it stale again invalidationDebounce after the last write.
func (s *Store) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(invalidationDebounce, func() {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	})
}

// Snapshot returns the memoized set of valid records, rebuilding it if the
// TTL has elapsed or a write has invalidated it since the last build.
func (s *Store) Snapshot(referencedImagesExist func(path string) bool) ([]Record, error) {
	s.mu.RLock()
	fresh := !s.dirty && time.Since(s.builtAt) < snapshotTTL && s.snapshot != nil
	var cached []Record
	if fresh {
		cached = s.snapshot
	}
	s.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	ids, err := s.AllFileIDs()
	if err != nil {
		return nil, err
	}
	valid := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Load(id)
		if err != nil {
			continue
		}
		if IsValid(r, referencedImagesExist) {
			valid = append(valid, *r)
		}
	}

	s.mu.Lock()
	s.snapshot = valid
	s.builtAt = time.Now()
	s.dirty = false
	s.mu.Unlock()
	return valid, nil
}
