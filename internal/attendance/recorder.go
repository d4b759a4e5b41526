// Package attendance records attendance marks exactly once per student and
// session.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kozaktomas/classroll/internal/database"
)

// ErrInvalidMark is returned for marks that fail validation before storage.
var ErrInvalidMark = errors.New("invalid attendance mark")

// Mark is a request to record one student in one session.
type Mark struct {
	SessionID  int64           `json:"session_id"`
	StudentID  string          `json:"student_id"`
	Method     database.Method `json:"method"`
	Confidence *float64        `json:"confidence,omitempty"`
	MarkedBy   string          `json:"marked_by,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

// Correction is an administrative status change of an existing mark.
type Correction struct {
	SessionID   int64                     `json:"session_id"`
	StudentID   string                    `json:"student_id"`
	Status      database.AttendanceStatus `json:"status"`
	Reason      string                    `json:"reason"`
	CorrectedBy string                    `json:"corrected_by,omitempty"`
}

// Result of a mark. AlreadyMarked is a success: Attendance then holds the
// row that was recorded first.
type Result struct {
	Attendance    database.Attendance `json:"attendance"`
	AlreadyMarked bool                `json:"already_marked"`
}

// Recorder writes attendance through the store, which owns the uniqueness
// of (session, student) and the present counter.
type Recorder struct {
	store  database.AttendanceWriter
	logger *slog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(store database.AttendanceWriter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "attendance")}
}

// MarkPresent records the student as present.
func (r *Recorder) MarkPresent(ctx context.Context, m Mark) (Result, error) {
	return r.mark(ctx, m, database.StatusPresent)
}

// MarkLate records the student as late. Late counts as present.
func (r *Recorder) MarkLate(ctx context.Context, m Mark) (Result, error) {
	return r.mark(ctx, m, database.StatusLate)
}

// MarkAbsent records the student as absent.
func (r *Recorder) MarkAbsent(ctx context.Context, m Mark) (Result, error) {
	return r.mark(ctx, m, database.StatusAbsent)
}

// MarkExcused records the student as excused; Notes carries the reason.
func (r *Recorder) MarkExcused(ctx context.Context, m Mark) (Result, error) {
	if m.Notes != "" {
		m.Notes = "Excused: " + m.Notes
	}
	return r.mark(ctx, m, database.StatusExcused)
}

// Mark records the student with the given status.
func (r *Recorder) Mark(ctx context.Context, m Mark, status database.AttendanceStatus) (Result, error) {
	switch status {
	case database.StatusExcused:
		return r.MarkExcused(ctx, m)
	default:
		return r.mark(ctx, m, status)
	}
}

func validate(m *Mark) error {
	var errs []error
	if m.SessionID <= 0 {
		errs = append(errs, errors.New("session id is required"))
	}
	if strings.TrimSpace(m.StudentID) == "" {
		errs = append(errs, errors.New("student id is required"))
	}
	if m.Method == "" {
		m.Method = database.MethodManual
	}
	if !m.Method.Valid() {
		errs = append(errs, fmt.Errorf("unknown method %q", m.Method))
	}
	if m.Confidence != nil {
		c := *m.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			errs = append(errs, fmt.Errorf("confidence %v outside [0, 1]", c))
		}
	} else if m.Method == database.MethodBiometric {
		errs = append(errs, errors.New("biometric marks require a confidence"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMark, errors.Join(errs...))
	}
	return nil
}

func (r *Recorder) mark(ctx context.Context, m Mark, status database.AttendanceStatus) (Result, error) {
	if !status.Valid() {
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidMark, status)
	}
	if err := validate(&m); err != nil {
		return Result{}, err
	}

	a := &database.Attendance{
		SessionID:  m.SessionID,
		StudentID:  m.StudentID,
		Status:     status,
		Method:     m.Method,
		Confidence: m.Confidence,
		MarkedBy:   m.MarkedBy,
		Timestamp:  time.Now(),
		Notes:      m.Notes,
	}
	created, err := r.store.InsertAttendance(ctx, a)
	if err != nil {
		return Result{}, fmt.Errorf("mark %s %s in session %d: %w", m.StudentID, status, m.SessionID, err)
	}

	if created {
		r.logger.Info("attendance marked",
			"session_id", a.SessionID,
			"student_id", a.StudentID,
			"status", a.Status,
			"method", a.Method)
	} else {
		r.logger.Debug("attendance already marked",
			"session_id", a.SessionID, "student_id", a.StudentID, "status", a.Status)
	}
	return Result{Attendance: *a, AlreadyMarked: !created}, nil
}

// UpdateStatus overwrites the status of a mark, creating it when missing.
// Concurrent corrections resolve last writer wins. The reason is kept in the
// notes as an audit trail.
func (r *Recorder) UpdateStatus(ctx context.Context, c Correction) (database.Attendance, error) {
	if !c.Status.Valid() {
		return database.Attendance{}, fmt.Errorf("%w: unknown status %q", ErrInvalidMark, c.Status)
	}
	if c.SessionID <= 0 || strings.TrimSpace(c.StudentID) == "" {
		return database.Attendance{}, fmt.Errorf("%w: session and student are required", ErrInvalidMark)
	}

	a := &database.Attendance{
		SessionID: c.SessionID,
		StudentID: c.StudentID,
		Status:    c.Status,
		Method:    database.MethodManual,
		MarkedBy:  c.CorrectedBy,
		Notes:     "Corrected: " + c.Reason,
	}
	if c.Status == database.StatusExcused {
		a.Notes = "Excused: " + c.Reason
	}

	prev, err := r.store.GetAttendance(ctx, c.SessionID, c.StudentID)
	switch {
	case err == nil:
		a.Method = prev.Method
		a.Confidence = prev.Confidence
	case !errors.Is(err, database.ErrNotFound):
		return database.Attendance{}, fmt.Errorf("get attendance: %w", err)
	}

	if err := r.store.CorrectAttendance(ctx, a); err != nil {
		return database.Attendance{}, fmt.Errorf("correct %s in session %d: %w", c.StudentID, c.SessionID, err)
	}

	from := database.AttendanceStatus("")
	if prev != nil {
		from = prev.Status
	}
	r.logger.Info("attendance corrected",
		"session_id", c.SessionID,
		"student_id", c.StudentID,
		"from", from,
		"to", c.Status,
		"by", c.CorrectedBy)
	return *a, nil
}

// List returns the marks of a session.
func (r *Recorder) List(ctx context.Context, sessionID int64) ([]database.Attendance, error) {
	rows, err := r.store.ListAttendance(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance of session %d: %w", sessionID, err)
	}
	return rows, nil
}

// Summary aggregates the marks of a session.
func (r *Recorder) Summary(ctx context.Context, sessionID int64) (*database.AttendanceSummary, error) {
	sum, err := r.store.SummarizeAttendance(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("summarize session %d: %w", sessionID, err)
	}
	return sum, nil
}

// Reconcile recomputes the present counter of a session from its rows.
func (r *Recorder) Reconcile(ctx context.Context, sessionID int64) (int, error) {
	n, err := r.store.ReconcilePresentCount(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("reconcile session %d: %w", sessionID, err)
	}
	r.logger.Debug("present count reconciled", "session_id", sessionID, "present", n)
	return n, nil
}
