// Package session tracks which class sessions are currently taking
// attendance and drives their lifecycle transitions.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/classroll/internal/database"
)

// Stats are the runtime counters of a registered session.
type Stats struct {
	SessionID       int64         `json:"session_id"`
	ClassID         string        `json:"class_id"`
	ExpectedCount   int           `json:"expected_count"`
	FramesProcessed int64         `json:"frames_processed"`
	FacesDetected   int64         `json:"faces_detected"`
	FacesRecognized int64         `json:"faces_recognized"`
	StartedAt       time.Time     `json:"started_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	Duration        time.Duration `json:"duration"`
}

type tracker struct {
	sessionID int64
	classID   string
	expected  int
	startedAt time.Time

	frames       atomic.Int64
	detected     atomic.Int64
	recognized   atomic.Int64
	lastActivity atomic.Int64 // unix nanoseconds

	mu        sync.Mutex
	lastFrame string            // key of the last recorded frame
	sightings map[string]int
	sightedIn map[string]string // student -> key of the frame that last counted
}

func (t *tracker) stats(now time.Time) Stats {
	return Stats{
		SessionID:       t.sessionID,
		ClassID:         t.classID,
		ExpectedCount:   t.expected,
		FramesProcessed: t.frames.Load(),
		FacesDetected:   t.detected.Load(),
		FacesRecognized: t.recognized.Load(),
		StartedAt:       t.startedAt,
		LastActivityAt:  time.Unix(0, t.lastActivity.Load()),
		Duration:        now.Sub(t.startedAt),
	}
}

// EnrollmentCounter reports how many students a class expects.
type EnrollmentCounter interface {
	EnrollmentCount(ctx context.Context, classID string) (int, error)
}

// Registry owns the runtime state of ongoing sessions. A session is active
// from a successful Register until Unregister, Dismiss or Cancel, which
// deactivate it before the stored status changes so in-flight work stops
// writing immediately.
type Registry struct {
	store  database.SessionWriter
	enroll EnrollmentCounter
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	active map[int64]*tracker
	locks  map[int64]*sync.Mutex
}

// NewRegistry creates a registry backed by the session store.
func NewRegistry(store database.SessionWriter, enroll EnrollmentCounter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		enroll: enroll,
		logger: logger.With("component", "session"),
		now:    time.Now,
		active: make(map[int64]*tracker),
		locks:  make(map[int64]*sync.Mutex),
	}
}

// lock serializes lifecycle operations of one session.
func (r *Registry) lock(id int64) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (r *Registry) track(s *database.ClassSession) {
	started := r.now()
	if s.StartedAt != nil {
		started = *s.StartedAt
	}
	t := &tracker{
		sessionID: s.ID,
		classID:   s.ClassID,
		expected:  s.ExpectedCount,
		startedAt: started,
		sightings: make(map[string]int),
		sightedIn: make(map[string]string),
	}
	t.lastActivity.Store(started.UnixNano())

	r.mu.Lock()
	r.active[s.ID] = t
	r.mu.Unlock()
}

func (r *Registry) untrack(id int64) *tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.active[id]
	delete(r.active, id)
	return t
}

func (r *Registry) get(id int64) *tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[id]
}

// Register starts a scheduled session: the expected count is taken from the
// class enrollment, the stored status becomes ongoing and runtime stats are
// created.
func (r *Registry) Register(ctx context.Context, id int64) (*database.ClassSession, error) {
	defer r.lock(id)()

	if r.get(id) != nil {
		return nil, fmt.Errorf("%w: session %d is already ongoing", database.ErrInvalidTransition, id)
	}

	s, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}
	if s.Status != database.SessionScheduled {
		return nil, fmt.Errorf("%w: session %d is %s", database.ErrInvalidTransition, id, s.Status)
	}

	expected, err := r.enroll.EnrollmentCount(ctx, s.ClassID)
	if err != nil {
		return nil, fmt.Errorf("count enrollment of class %s: %w", s.ClassID, err)
	}

	s, err = r.store.StartSession(ctx, id, expected)
	if err != nil {
		return nil, fmt.Errorf("start session %d: %w", id, err)
	}
	r.track(s)

	r.logger.Info("session registered", "session_id", id, "class_id", s.ClassID, "expected", expected)
	return s, nil
}

// end deactivates the session and applies the terminal transition. When the
// store fails transiently the session is reactivated so the caller can retry.
func (r *Registry) end(id int64, apply func() (*database.ClassSession, error)) (*database.ClassSession, *tracker, error) {
	t := r.untrack(id)
	s, err := apply()
	if err != nil && t != nil && database.IsTransient(err) {
		r.mu.Lock()
		r.active[id] = t
		r.mu.Unlock()
	}
	return s, t, err
}

// Unregister completes an ongoing session and returns its final stats.
func (r *Registry) Unregister(ctx context.Context, id int64) (Stats, error) {
	defer r.lock(id)()

	s, t, err := r.end(id, func() (*database.ClassSession, error) {
		return r.store.TransitionSession(ctx, id, database.SessionCompleted)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("complete session %d: %w", id, err)
	}

	var stats Stats
	if t != nil {
		stats = t.stats(r.now())
	} else {
		stats = Stats{SessionID: id, ClassID: s.ClassID, ExpectedCount: s.ExpectedCount}
	}

	r.logger.Info("session unregistered",
		"session_id", id,
		"frames", stats.FramesProcessed,
		"recognized", stats.FacesRecognized,
		"present", s.PresentCount,
		"duration", stats.Duration)
	return stats, nil
}

// Dismiss ends a scheduled or ongoing session and records why.
func (r *Registry) Dismiss(ctx context.Context, d database.Dismissal) (*database.ClassSession, error) {
	if d.Reason == "" {
		return nil, errors.New("dismissal reason is required")
	}
	if d.DismissedAt.IsZero() {
		d.DismissedAt = r.now()
	}
	d.Status = database.DismissalDismissed
	if d.RescheduledTo != nil {
		d.Status = database.DismissalRescheduled
	}

	defer r.lock(d.SessionID)()

	s, _, err := r.end(d.SessionID, func() (*database.ClassSession, error) {
		return r.store.DismissSession(ctx, &d)
	})
	if err != nil {
		return nil, fmt.Errorf("dismiss session %d: %w", d.SessionID, err)
	}
	r.logger.Info("session dismissed", "session_id", d.SessionID, "reason", d.Reason, "status", d.Status)
	return s, nil
}

// Cancel ends a scheduled or ongoing session without attendance.
func (r *Registry) Cancel(ctx context.Context, id int64) (*database.ClassSession, error) {
	defer r.lock(id)()

	s, _, err := r.end(id, func() (*database.ClassSession, error) {
		return r.store.TransitionSession(ctx, id, database.SessionCancelled)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel session %d: %w", id, err)
	}
	r.logger.Info("session cancelled", "session_id", id)
	return s, nil
}

// Restore tracks sessions stored as ongoing, e.g. after a restart.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	sessions, err := r.store.ListSessions(ctx, database.SessionOngoing)
	if err != nil {
		return 0, fmt.Errorf("list ongoing sessions: %w", err)
	}
	for i := range sessions {
		r.track(&sessions[i])
	}
	return len(sessions), nil
}

// IsActive returns true if the session accepts attendance writes.
func (r *Registry) IsActive(id int64) bool {
	return r.get(id) != nil
}

// ClassID returns the class of an active session.
func (r *Registry) ClassID(id int64) (string, bool) {
	t := r.get(id)
	if t == nil {
		return "", false
	}
	return t.classID, true
}

// Stats returns the runtime stats of an active session.
func (r *Registry) Stats(id int64) (Stats, bool) {
	t := r.get(id)
	if t == nil {
		return Stats{}, false
	}
	return t.stats(r.now()), true
}

// Active returns the stats of every active session ordered by ID.
func (r *Registry) Active() []Stats {
	now := r.now()
	r.mu.RLock()
	out := make([]Stats, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, t.stats(now))
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Stats) int { return cmp.Compare(a.SessionID, b.SessionID) })
	return out
}

// RecordFrame adds one processed frame to the session counters. key
// identifies the frame submission; a retried job passes the same key again
// and is counted once. Frames of a session are processed in order, so only
// the last key is remembered. An empty key always counts.
func (r *Registry) RecordFrame(id int64, key string, detected, recognized int) bool {
	t := r.get(id)
	if t == nil {
		return false
	}
	t.mu.Lock()
	repeat := key != "" && key == t.lastFrame
	t.lastFrame = key
	t.mu.Unlock()

	t.lastActivity.Store(r.now().UnixNano())
	if repeat {
		return true
	}
	t.frames.Add(1)
	t.detected.Add(int64(detected))
	t.recognized.Add(int64(recognized))
	return true
}

// Corroborate counts a recognition of the student within the session and
// returns the running total. A student counts at most once per frame key.
// Returns 0 for inactive sessions.
func (r *Registry) Corroborate(id int64, key, studentID string) int {
	t := r.get(id)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if key != "" && t.sightedIn[studentID] == key {
		return t.sightings[studentID]
	}
	t.sightedIn[studentID] = key
	t.sightings[studentID]++
	return t.sightings[studentID]
}
