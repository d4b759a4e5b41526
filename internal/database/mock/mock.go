// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"cmp"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/classroll/internal/database"
)

var (
	_ database.TemplateWriter   = (*MockTemplateStore)(nil)
	_ database.SessionWriter    = (*MockStore)(nil)
	_ database.AttendanceWriter = (*MockStore)(nil)
)

// MockTemplateStore is a mock implementation of database.TemplateWriter
type MockTemplateStore struct {
	mu          sync.RWMutex
	templates   map[string][]database.StudentTemplate // by student ID
	enrollments map[string][]string                   // class ID -> student IDs
	nextID      int64
	loadCalls   atomic.Int64

	// LoadDelay is slept inside LoadTemplatesForClass, for exercising concurrent loads
	LoadDelay time.Duration

	// Error injection
	LoadError    error
	GetError     error
	VersionError error
	SaveError    error
}

// NewMockTemplateStore creates a new mock template store
func NewMockTemplateStore() *MockTemplateStore {
	return &MockTemplateStore{
		templates:   make(map[string][]database.StudentTemplate),
		enrollments: make(map[string][]string),
	}
}

// Enroll adds students to a class
func (m *MockTemplateStore) Enroll(classID string, studentIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[classID] = append(m.enrollments[classID], studentIDs...)
}

// AddTemplate stores a template for a student, bypassing SaveError
func (m *MockTemplateStore) AddTemplate(studentID string, embedding []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(&database.StudentTemplate{StudentID: studentID, Embedding: embedding})
}

func (m *MockTemplateStore) addLocked(t *database.StudentTemplate) {
	m.nextID++
	t.ID = m.nextID
	if t.SourceHash == "" {
		t.SourceHash = database.SourceHash(t.Embedding)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.templates[t.StudentID] = append(m.templates[t.StudentID], *t)
}

// LoadCalls returns how many times LoadTemplatesForClass was called
func (m *MockTemplateStore) LoadCalls() int {
	return int(m.loadCalls.Load())
}

// LoadTemplatesForClass returns templates of enrolled students in student order
func (m *MockTemplateStore) LoadTemplatesForClass(ctx context.Context, classID string) ([]database.StudentTemplate, error) {
	m.loadCalls.Add(1)
	if m.LoadDelay > 0 {
		select {
		case <-time.After(m.LoadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.classTemplatesLocked(classID), nil
}

func (m *MockTemplateStore) classTemplatesLocked(classID string) []database.StudentTemplate {
	students := slices.Clone(m.enrollments[classID])
	slices.Sort(students)
	students = slices.Compact(students)

	var out []database.StudentTemplate
	for _, id := range students {
		out = append(out, m.templates[id]...)
	}
	return out
}

// GetTemplate returns all templates of a student
func (m *MockTemplateStore) GetTemplate(ctx context.Context, studentID string) ([]database.StudentTemplate, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.templates[studentID]), nil
}

// ClassVersion returns an md5 over the roster's template hashes
func (m *MockTemplateStore) ClassVersion(ctx context.Context, classID string) (string, error) {
	if m.VersionError != nil {
		return "", m.VersionError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := md5.New()
	for _, t := range m.classTemplatesLocked(classID) {
		fmt.Fprintf(h, "%s:%s;", t.StudentID, t.SourceHash)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EnrollmentCount returns the number of distinct students enrolled in the class
func (m *MockTemplateStore) EnrollmentCount(ctx context.Context, classID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	students := slices.Clone(m.enrollments[classID])
	slices.Sort(students)
	return len(slices.Compact(students)), nil
}

// SaveTemplate stores a template
func (m *MockTemplateStore) SaveTemplate(ctx context.Context, t *database.StudentTemplate) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(t)
	return nil
}

// DeleteTemplates removes all templates of a student
func (m *MockTemplateStore) DeleteTemplates(ctx context.Context, studentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.templates[studentID])
	delete(m.templates, studentID)
	return n, nil
}

type attendanceKey struct {
	sessionID int64
	studentID string
}

// MockStore is a mock implementation of database.SessionWriter and
// database.AttendanceWriter sharing one state, so that attendance writes see
// session status and update present counters like the real store does.
type MockStore struct {
	mu         sync.Mutex
	sessions   map[int64]*database.ClassSession
	dismissals map[int64]*database.Dismissal
	attendance map[attendanceKey]*database.Attendance
	nextID     int64
	inserts    atomic.Int64

	// InsertFailures makes the next N InsertAttendance calls fail with ErrTransient
	InsertFailures atomic.Int64

	// Error injection
	GetSessionError error
	InsertError     error
	CorrectError    error
}

// NewMockStore creates a new mock session and attendance store
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:   make(map[int64]*database.ClassSession),
		dismissals: make(map[int64]*database.Dismissal),
		attendance: make(map[attendanceKey]*database.Attendance),
	}
}

// AddSession stores a session as-is and returns its ID
func (m *MockStore) AddSession(s database.ClassSession) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.nextID++
		s.ID = m.nextID
	}
	if s.Status == "" {
		s.Status = database.SessionScheduled
	}
	m.sessions[s.ID] = &s
	return s.ID
}

// InsertCalls returns how many times InsertAttendance was called
func (m *MockStore) InsertCalls() int {
	return int(m.inserts.Load())
}

// GetSession returns a copy of the session
func (m *MockStore) GetSession(ctx context.Context, id int64) (*database.ClassSession, error) {
	if m.GetSessionError != nil {
		return nil, m.GetSessionError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSessions returns sessions filtered by status, ordered by ID
func (m *MockStore) ListSessions(ctx context.Context, statuses ...database.SessionStatus) ([]database.ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.ClassSession
	for _, s := range m.sessions {
		if len(statuses) == 0 || slices.Contains(statuses, s.Status) {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b database.ClassSession) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// GetDismissal returns the dismissal of a session
func (m *MockStore) GetDismissal(ctx context.Context, sessionID int64) (*database.Dismissal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dismissals[sessionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// CreateSession stores a new scheduled session
func (m *MockStore) CreateSession(ctx context.Context, s *database.ClassSession) error {
	s.Status = database.SessionScheduled
	s.ID = m.AddSession(*s)
	return nil
}

func (m *MockStore) transitionLocked(id int64, to database.SessionStatus) (*database.ClassSession, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if !s.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, s.Status, to)
	}
	now := time.Now()
	s.Status = to
	if to == database.SessionOngoing {
		s.StartedAt = &now
	}
	if to.Terminal() {
		s.EndedAt = &now
	}
	cp := *s
	return &cp, nil
}

// TransitionSession moves the session to a new status
func (m *MockStore) TransitionSession(ctx context.Context, id int64, to database.SessionStatus) (*database.ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, to)
}

// StartSession transitions to ongoing and records the expected count
func (m *MockStore) StartSession(ctx context.Context, id int64, expected int) (*database.ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.transitionLocked(id, database.SessionOngoing)
	if err != nil {
		return nil, err
	}
	m.sessions[id].ExpectedCount = expected
	s.ExpectedCount = expected
	return s, nil
}

// DismissSession transitions to dismissed and stores the record
func (m *MockStore) DismissSession(ctx context.Context, d *database.Dismissal) (*database.ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.transitionLocked(d.SessionID, database.SessionDismissed)
	if err != nil {
		return nil, err
	}
	cp := *d
	m.dismissals[d.SessionID] = &cp
	return s, nil
}

// GetAttendance returns the row for (session, student)
func (m *MockStore) GetAttendance(ctx context.Context, sessionID int64, studentID string) (*database.Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attendance[attendanceKey{sessionID, studentID}]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAttendance returns all rows of a session ordered by timestamp
func (m *MockStore) ListAttendance(ctx context.Context, sessionID int64) ([]database.Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(sessionID), nil
}

func (m *MockStore) listLocked(sessionID int64) []database.Attendance {
	var out []database.Attendance
	for k, a := range m.attendance {
		if k.sessionID == sessionID {
			out = append(out, *a)
		}
	}
	slices.SortFunc(out, func(a, b database.Attendance) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// SummarizeAttendance aggregates the rows of a session
func (m *MockStore) SummarizeAttendance(ctx context.Context, sessionID int64) (*database.AttendanceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	sum := &database.AttendanceSummary{
		SessionID:    sessionID,
		Expected:     s.ExpectedCount,
		PresentCount: s.PresentCount,
	}
	for _, a := range m.listLocked(sessionID) {
		sum.Recorded++
		switch a.Status {
		case database.StatusPresent:
			sum.Present++
		case database.StatusLate:
			sum.Late++
		case database.StatusAbsent:
			sum.Absent++
		case database.StatusExcused:
			sum.Excused++
		}
	}
	return sum, nil
}

func (m *MockStore) activeSessionLocked(id int64) (*database.ClassSession, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if s.Status.Terminal() {
		return nil, database.ErrSessionNotActive
	}
	return s, nil
}

// InsertAttendance creates the row unless it exists
func (m *MockStore) InsertAttendance(ctx context.Context, a *database.Attendance) (bool, error) {
	m.inserts.Add(1)
	if m.InsertFailures.Load() > 0 && m.InsertFailures.Add(-1) >= 0 {
		return false, fmt.Errorf("insert attendance: %w", database.ErrTransient)
	}
	if m.InsertError != nil {
		return false, m.InsertError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeSessionLocked(a.SessionID)
	if err != nil {
		return false, err
	}

	key := attendanceKey{a.SessionID, a.StudentID}
	if existing, ok := m.attendance[key]; ok {
		*a = *existing
		return false, nil
	}
	if a.Status.CountsPresent() {
		if s.ExpectedCount > 0 && s.PresentCount >= s.ExpectedCount {
			return false, database.ErrCapacityExceeded
		}
		s.PresentCount++
	}

	m.nextID++
	a.ID = m.nextID
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	cp := *a
	m.attendance[key] = &cp
	return true, nil
}

// CorrectAttendance overwrites status and notes, last writer wins
func (m *MockStore) CorrectAttendance(ctx context.Context, a *database.Attendance) error {
	if m.CorrectError != nil {
		return m.CorrectError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeSessionLocked(a.SessionID)
	if err != nil {
		return err
	}

	key := attendanceKey{a.SessionID, a.StudentID}
	delta := 0
	if a.Status.CountsPresent() {
		delta++
	}
	existing, ok := m.attendance[key]
	if ok && existing.Status.CountsPresent() {
		delta--
	}
	if delta > 0 && s.ExpectedCount > 0 && s.PresentCount >= s.ExpectedCount {
		return database.ErrCapacityExceeded
	}
	s.PresentCount += delta

	if ok {
		existing.Status = a.Status
		existing.Method = a.Method
		existing.Notes = a.Notes
		existing.MarkedBy = a.MarkedBy
		existing.Timestamp = time.Now()
		*a = *existing
		return nil
	}
	m.nextID++
	a.ID = m.nextID
	a.Timestamp = time.Now()
	cp := *a
	m.attendance[key] = &cp
	return nil
}

// ReconcilePresentCount recomputes the present counter from rows
func (m *MockStore) ReconcilePresentCount(ctx context.Context, sessionID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, database.ErrNotFound
	}
	n := 0
	for _, a := range m.listLocked(sessionID) {
		if a.Status.CountsPresent() {
			n++
		}
	}
	s.PresentCount = n
	return n, nil
}

// CountPresentRows counts rows with a present-counting status, for invariant checks in tests
func (m *MockStore) CountPresentRows(sessionID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.listLocked(sessionID) {
		if a.Status.CountsPresent() {
			n++
		}
	}
	return n
}
