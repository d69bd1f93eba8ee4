// Package sync runs the continuous background reconciliation loop (C10):
// full channel scans, incomplete-record repair, the manual-refetch queue,
// retry-failed-lookups, and image retry — all yielding to playback activity.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/streamvault/streamvaultd/internal/activity"
	"github.com/streamvault/streamvaultd/internal/metadata"
	"github.com/streamvault/streamvaultd/internal/metadataworker"
	"github.com/streamvault/streamvaultd/internal/metrics"
	"github.com/streamvault/streamvaultd/internal/remote"
)

const (
	fullScanInterval = 7 * time.Minute
	channelPageSize  = 100
	workDoneSleep    = 15 * time.Second
	idleSleep        = 60 * time.Second
	watchDebounce    = 2 * time.Second
)

// listingEntry is one remembered remote file, persisted in the listing cache.
type listingEntry struct {
	FileID   int64  `json:"file_id"`
	FileName string `json:"file_name"`
}

// Loop owns the continuous sync cycle described by spec §4.10.
type Loop struct {
	Remote     remote.Client
	Store      *metadata.Store
	Aggregates *metadata.AggregateStore
	Worker     *metadataworker.Worker
	Activity   *activity.Tracker
	ListingDir string // holds list_caches.json, the atomic remote-listing cache

	refetchCh chan int64
	lastPass  atomic.Int64 // unix nanos of the last completed pass
}

// LastPass reports when the most recent reconciliation pass completed, for
// health.SyncFreshness. Zero until the first pass finishes.
func (l *Loop) LastPass() time.Time {
	nanos := l.lastPass.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func New(remoteClient remote.Client, store *metadata.Store, aggregates *metadata.AggregateStore, worker *metadataworker.Worker, tracker *activity.Tracker, listingDir string) *Loop {
	return &Loop{
		Remote:     remoteClient,
		Store:      store,
		Aggregates: aggregates,
		Worker:     worker,
		Activity:   tracker,
		ListingDir: listingDir,
		refetchCh:  make(chan int64, 1024),
	}
}

func (l *Loop) listingPath() string { return filepath.Join(l.ListingDir, "list_caches.json") }

// Run blocks until ctx is cancelled, performing one pass of the reconciliation
// loop per iteration.
func (l *Loop) Run(ctx context.Context) {
	watcher, err := l.startWatcher()
	if err != nil {
		log.Printf("sync: metadata dir watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	var lastFullScan time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		if l.Activity != nil {
			if err := l.Activity.WaitIfBusy(ctx); err != nil {
				return
			}
		}

		passStart := time.Now()
		workDone := false

		if time.Since(lastFullScan) >= fullScanInterval {
			if n := l.fullChannelScan(ctx); n > 0 {
				workDone = true
			}
			lastFullScan = time.Now()
		}

		if n := l.repairIncomplete(ctx); n > 0 {
			workDone = true
		}

		if n := l.drainRefetchQueue(ctx); n > 0 {
			workDone = true
		}

		if n := l.retryFailedLookups(ctx); n > 0 {
			workDone = true
		}

		if workDone {
			l.rebuildAggregates()
		}

		if n := l.imageRetryPass(ctx); n > 0 {
			workDone = true
		}

		metrics.SyncPassDuration.Observe(time.Since(passStart).Seconds())
		l.lastPass.Store(time.Now().UnixNano())

		sleep := idleSleep
		if workDone {
			sleep = workDoneSleep
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// fullChannelScan enumerates the remote channel and reconciles it against
// the listing cache: new files are stubbed and enriched, missing files are
// dropped, renamed files get needs_refetch=true.
func (l *Loop) fullChannelScan(ctx context.Context) int {
	prior, err := l.loadListing()
	if err != nil {
		log.Printf("sync: load listing cache: %v", err)
		prior = map[int64]listingEntry{}
	}

	seen := map[int64]listingEntry{}
	var newFiles []metadataworker.Input
	changed := 0

	err = l.Remote.ListChannel(ctx, channelPageSize, func(h *remote.FileHandle) bool {
		if ctx.Err() != nil {
			return false
		}
		entry := listingEntry{FileID: h.ID, FileName: h.Name}
		seen[h.ID] = entry

		prev, existed := prior[h.ID]
		switch {
		case !existed:
			newFiles = append(newFiles, metadataworker.Input{FileID: h.ID, FileName: h.Name})
			changed++
		case prev.FileName != h.Name:
			if rec, err := l.Store.Load(h.ID); err == nil {
				rec.FileName = h.Name
				rec.NeedsRefetch = true
				_ = l.Store.Save(rec)
				changed++
			}
		}
		return true
	})
	if err != nil {
		log.Printf("sync: list channel: %v", err)
		return changed
	}

	for id := range prior {
		if _, stillPresent := seen[id]; !stillPresent {
			log.Printf("sync: file %d removed from channel, dropping", id)
			_ = l.Store.Delete(id)
			changed++
		}
	}

	if err := l.saveListing(seen); err != nil {
		log.Printf("sync: save listing cache: %v", err)
	}

	if len(newFiles) > 0 {
		l.Worker.ProcessBatch(ctx, newFiles)
	}
	return changed
}

func (l *Loop) loadListing() (map[int64]listingEntry, error) {
	data, err := os.ReadFile(l.listingPath())
	if os.IsNotExist(err) {
		return map[int64]listingEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []listingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	out := make(map[int64]listingEntry, len(entries))
	for _, e := range entries {
		out[e.FileID] = e
	}
	return out, nil
}

func (l *Loop) saveListing(entries map[int64]listingEntry) error {
	list := make([]listingEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal listing: %w", err)
	}
	if err := os.MkdirAll(l.ListingDir, 0o755); err != nil {
		return fmt.Errorf("mkdir listing dir: %w", err)
	}
	tmp, err := os.CreateTemp(l.ListingDir, ".listing-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("write listing: %w", writeErr)
		}
		return fmt.Errorf("close listing: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod listing: %w", err)
	}
	if err := os.Rename(tmpName, l.listingPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename listing: %w", err)
	}
	return nil
}

// repairIncomplete hands the worker up to repairBatchLimit records that were
// fetched but carry no tmdb_id (an incomplete scan, per spec §4.8/§4.10
// step 3). The worker re-runs TV episodes; a movie record not marked
// needs_retry or needs_refetch is skipped by the worker as already enriched,
// so no lookup is made for it. Returns the number of records handed over.
const repairBatchLimit = 25

func (l *Loop) repairIncomplete(ctx context.Context) int {
	ids, err := l.Store.AllFileIDs()
	if err != nil {
		return 0
	}
	var toRepair []metadataworker.Input
	for _, id := range ids {
		if l.Activity != nil && l.Activity.ActiveStreams() > 0 {
			break
		}
		rec, err := l.Store.Load(id)
		if err != nil || rec.FetchedAt.IsZero() || rec.TMDBID != 0 {
			continue
		}
		toRepair = append(toRepair, metadataworker.Input{FileID: rec.FileID, FileName: rec.FileName})
		if len(toRepair) >= repairBatchLimit {
			break
		}
	}
	if len(toRepair) == 0 {
		return 0
	}
	l.Worker.ProcessBatch(ctx, toRepair)
	return len(toRepair)
}

// drainRefetchQueue processes file ids enqueued by the metadata directory
// watcher (manual needs_refetch / _manual_tmdb_id mutations).
func (l *Loop) drainRefetchQueue(ctx context.Context) int {
	var inputs []metadataworker.Input
	for {
		select {
		case id := <-l.refetchCh:
			rec, err := l.Store.Load(id)
			if err != nil {
				continue
			}
			inputs = append(inputs, metadataworker.Input{FileID: rec.FileID, FileName: rec.FileName})
		default:
			if len(inputs) == 0 {
				return 0
			}
			l.Worker.ProcessBatch(ctx, inputs)
			return len(inputs)
		}
	}
}

// retryFailedLookups re-enrolls records whose backoff window has elapsed.
func (l *Loop) retryFailedLookups(ctx context.Context) int {
	ids, err := l.Store.AllFileIDs()
	if err != nil {
		return 0
	}
	now := time.Now()
	var inputs []metadataworker.Input
	for _, id := range ids {
		if l.Activity != nil && l.Activity.ActiveStreams() > 0 {
			break
		}
		rec, err := l.Store.Load(id)
		if err != nil || !metadataworker.Eligible(rec, now) {
			continue
		}
		inputs = append(inputs, metadataworker.Input{FileID: rec.FileID, FileName: rec.FileName})
	}
	if len(inputs) == 0 {
		return 0
	}
	l.Worker.ProcessBatch(ctx, inputs)
	return len(inputs)
}

// imageRetryPass hands the worker otherwise-valid records whose images are
// missing or dangling, one episode per show for TV (per spec §4.9's last
// paragraph). For a TV episode the worker re-runs the show lookup and
// downloads the shared show images; an enriched movie record is skipped by
// the worker as already enriched, so its images are not re-fetched. Returns
// the number of records handed over.
func (l *Loop) imageRetryPass(ctx context.Context) int {
	ids, err := l.Store.AllFileIDs()
	if err != nil {
		return 0
	}
	fixed := 0
	seenShows := map[int64]bool{}
	for _, id := range ids {
		if l.Activity != nil && l.Activity.ActiveStreams() > 0 {
			break
		}
		rec, err := l.Store.Load(id)
		if err != nil || rec.TMDBID == 0 || rec.FetchedAt.IsZero() {
			continue
		}
		if rec.PosterPath != "" && fileExists(rec.PosterPath) && rec.BackdropPath != "" && fileExists(rec.BackdropPath) {
			continue
		}
		if rec.IsTV() {
			if seenShows[rec.TV.ShowTMDBID] {
				continue
			}
			seenShows[rec.TV.ShowTMDBID] = true
		}
		l.Worker.ProcessBatch(ctx, []metadataworker.Input{{FileID: rec.FileID, FileName: rec.FileName}})
		fixed++
	}
	return fixed
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// TriggerFullScan runs one full channel scan synchronously, for the
// POST /admin/sync-telegram endpoint. It returns the number of changes.
func (l *Loop) TriggerFullScan(ctx context.Context) int {
	n := l.fullChannelScan(ctx)
	if n > 0 {
		l.rebuildAggregates()
	}
	return n
}

// RebuildAggregates exposes the show-aggregate rebuild for the
// POST /admin/rebuild-tv-caches endpoint.
func (l *Loop) RebuildAggregates() {
	l.rebuildAggregates()
}

func (l *Loop) rebuildAggregates() {
	if l.Aggregates == nil {
		return
	}
	records, err := l.Store.Snapshot(fileExists)
	if err != nil {
		log.Printf("sync: snapshot for aggregate rebuild: %v", err)
		return
	}
	if err := l.Aggregates.Rebuild(records); err != nil {
		log.Printf("sync: rebuild aggregates: %v", err)
	}
}

// startWatcher watches the metadata store directory for JSON mutations and
// enqueues affected file ids onto the manual-refetch queue, debounced per
// file so a burst of writes to the same record only triggers one refetch.
func (l *Loop) startWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(l.Store.Dir()); err != nil {
		watcher.Close()
		return nil, err
	}

	pending := map[int64]*time.Timer{}
	var mu chan struct{} = make(chan struct{}, 1)
	mu <- struct{}{}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			id, ok := fileIDFromPath(event.Name)
			if !ok {
				continue
			}
			<-mu
			if t, exists := pending[id]; exists {
				t.Stop()
			}
			pending[id] = time.AfterFunc(watchDebounce, func() {
				rec, err := l.Store.Load(id)
				if err != nil || (!rec.NeedsRefetch && rec.ManualTMDBID == nil) {
					return
				}
				select {
				case l.refetchCh <- id:
				default:
				}
			})
			mu <- struct{}{}
		}
	}()
	return watcher, nil
}

func fileIDFromPath(path string) (int64, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext != ".json" {
		return 0, false
	}
	name := base[:len(base)-len(ext)]
	var id int64
	if _, err := fmt.Sscanf(name, "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
