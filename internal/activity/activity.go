// Package activity implements the activity-aware scheduler (C7): background
// work pauses while any file is actively streaming, and resumes after a
// short debounce once the last session goes quiet.
package activity

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/streamvault/streamvaultd/internal/metrics"
)

const (
	sessionTimeout = 30 * time.Second
	resumeDebounce = 10 * time.Second
)

// Session is one actively streaming file.
type Session struct {
	FileID       int64
	Peer         string
	StartedAt    time.Time
	LastActivity time.Time
}

// Tracker maintains live sessions and the paused/not-paused state background
// workers cooperate with via WaitIfBusy.
type Tracker struct {
	sessionTimeout time.Duration
	resumeDebounce time.Duration

	mu       sync.Mutex
	sessions map[int64]*session
	paused   bool
	notPause chan struct{} // closed while not-paused; replaced on each pause

	OnPause  func()
	OnResume func()
}

type session struct {
	info  Session
	timer *time.Timer
}

// New returns a Tracker starting in the not-paused state, using the default
// 30s session timeout and 10s resume debounce.
func New() *Tracker {
	return NewWithTimings(sessionTimeout, resumeDebounce)
}

// NewWithTimings is New with explicit timings, for tests that cannot afford
// to wait out the production defaults.
func NewWithTimings(sessionTO, resumeDB time.Duration) *Tracker {
	t := &Tracker{
		sessionTimeout: sessionTO,
		resumeDebounce: resumeDB,
		sessions:       make(map[int64]*session),
		notPause:       make(chan struct{}),
	}
	close(t.notPause)
	return t
}

// RegisterActivity upserts a session and (re)arms its inactivity timer.
func (t *Tracker) RegisterActivity(fileID int64, peer string) {
	t.mu.Lock()
	now := time.Now()
	s, ok := t.sessions[fileID]
	if ok {
		s.info.LastActivity = now
		s.timer.Reset(t.sessionTimeout)
	} else {
		s = &session{info: Session{FileID: fileID, Peer: peer, StartedAt: now, LastActivity: now}}
		s.timer = time.AfterFunc(t.sessionTimeout, func() { t.expire(fileID) })
		t.sessions[fileID] = s
	}
	metrics.ActiveStreams.Set(float64(len(t.sessions)))

	wasPaused := t.paused
	if !wasPaused {
		t.pauseLocked()
		t.mu.Unlock()
		log.Printf("activity: file=%d active — pausing background work", fileID)
		if t.OnPause != nil {
			t.OnPause()
		}
		return
	}
	t.mu.Unlock()
}

func (t *Tracker) expire(fileID int64) {
	t.mu.Lock()
	delete(t.sessions, fileID)
	last := len(t.sessions) == 0
	metrics.ActiveStreams.Set(float64(len(t.sessions)))
	t.mu.Unlock()

	if last {
		log.Printf("activity: last session (file=%d) expired — starting %s resume debounce", fileID, t.resumeDebounce)
		time.AfterFunc(t.resumeDebounce, t.maybeResume)
	}
}

func (t *Tracker) maybeResume() {
	t.mu.Lock()
	if len(t.sessions) > 0 || !t.paused {
		t.mu.Unlock()
		return
	}
	t.resumeLocked()
	t.mu.Unlock()
	log.Print("activity: resuming background work")
	if t.OnResume != nil {
		t.OnResume()
	}
}

func (t *Tracker) pauseLocked() {
	t.paused = true
	t.notPause = make(chan struct{})
}

func (t *Tracker) resumeLocked() {
	t.paused = false
	close(t.notPause)
}

// WaitIfBusy blocks until the tracker is not paused.
func (t *Tracker) WaitIfBusy(ctx context.Context) error {
	for {
		t.mu.Lock()
		ch := t.notPause
		paused := t.paused
		t.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// WaitIfBusyWithTimeout blocks until not-paused or d elapses, returning true
// if the timeout fired first.
func (t *Tracker) WaitIfBusyWithTimeout(ctx context.Context, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := t.WaitIfBusy(ctx)
	return err != nil && ctx.Err() == context.DeadlineExceeded
}

// ForcePause administratively pauses background work regardless of sessions.
func (t *Tracker) ForcePause() {
	t.mu.Lock()
	if !t.paused {
		t.pauseLocked()
		t.mu.Unlock()
		if t.OnPause != nil {
			t.OnPause()
		}
		return
	}
	t.mu.Unlock()
}

// ForceResume administratively clears the pause when no session is live; it
// is a no-op while any session is active.
func (t *Tracker) ForceResume() {
	t.mu.Lock()
	if t.paused && len(t.sessions) == 0 {
		t.resumeLocked()
		t.mu.Unlock()
		if t.OnResume != nil {
			t.OnResume()
		}
		return
	}
	t.mu.Unlock()
}

// ActiveStreams reports the number of live sessions, satisfying the
// ActiveStreamser contract background workers depend on.
func (t *Tracker) ActiveStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Paused reports the current pause state.
func (t *Tracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}
