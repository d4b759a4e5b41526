package database

import (
	"context"
)

// TemplateReader provides read-only access to enrolled biometric templates
type TemplateReader interface {
	// LoadTemplatesForClass returns the templates of every active student enrolled
	// in the class, ordered by student ID and template ID
	LoadTemplatesForClass(ctx context.Context, classID string) ([]StudentTemplate, error)
	// GetTemplate returns all templates of a single student
	GetTemplate(ctx context.Context, studentID string) ([]StudentTemplate, error)
	// ClassVersion returns a hash over the class roster's template sources.
	// It changes whenever a template of an enrolled student is added, replaced or removed
	ClassVersion(ctx context.Context, classID string) (string, error)
	// EnrollmentCount returns the number of active students enrolled in the class
	EnrollmentCount(ctx context.Context, classID string) (int, error)
}

// TemplateWriter provides write access to biometric templates
type TemplateWriter interface {
	TemplateReader

	// SaveTemplate stores a template and sets its ID
	SaveTemplate(ctx context.Context, t *StudentTemplate) error
	// DeleteTemplates removes every template of a student, returning the count removed
	DeleteTemplates(ctx context.Context, studentID string) (int, error)
}

// SessionReader provides read-only access to class sessions
type SessionReader interface {
	// GetSession returns the session or ErrNotFound
	GetSession(ctx context.Context, id int64) (*ClassSession, error)
	// ListSessions returns sessions in any of the given statuses (all when none given)
	ListSessions(ctx context.Context, statuses ...SessionStatus) ([]ClassSession, error)
	// GetDismissal returns the dismissal record of a session or ErrNotFound
	GetDismissal(ctx context.Context, sessionID int64) (*Dismissal, error)
}

// SessionWriter provides lifecycle writes for class sessions
type SessionWriter interface {
	SessionReader

	// CreateSession stores a new scheduled session and sets its ID
	CreateSession(ctx context.Context, s *ClassSession) error
	// TransitionSession moves a session to the given status if the lifecycle allows it
	// from the current stored status. The check and the write are a single atomic step.
	// Returns ErrInvalidTransition or ErrNotFound
	TransitionSession(ctx context.Context, id int64, to SessionStatus) (*ClassSession, error)
	// StartSession transitions a scheduled session to ongoing and records the expected count
	StartSession(ctx context.Context, id int64, expected int) (*ClassSession, error)
	// DismissSession transitions the session to dismissed and stores the dismissal record atomically
	DismissSession(ctx context.Context, d *Dismissal) (*ClassSession, error)
}

// AttendanceReader provides read-only access to attendance records
type AttendanceReader interface {
	// GetAttendance returns the row for (session, student) or ErrNotFound
	GetAttendance(ctx context.Context, sessionID int64, studentID string) (*Attendance, error)
	// ListAttendance returns all rows of a session ordered by timestamp
	ListAttendance(ctx context.Context, sessionID int64) ([]Attendance, error)
	// SummarizeAttendance aggregates the rows of a session
	SummarizeAttendance(ctx context.Context, sessionID int64) (*AttendanceSummary, error)
}

// AttendanceWriter provides write access to attendance records
type AttendanceWriter interface {
	AttendanceReader

	// InsertAttendance creates the row unless one exists for (session, student).
	// On creation with a present-counting status, the session's present counter is
	// incremented in the same transaction. When a row already exists, a is overwritten
	// with the stored row and created is false. Returns ErrSessionNotActive when the
	// session is terminal
	InsertAttendance(ctx context.Context, a *Attendance) (created bool, err error)
	// CorrectAttendance overwrites status and notes of the row (creating it when missing),
	// adjusting the present counter by the difference. Last writer wins
	CorrectAttendance(ctx context.Context, a *Attendance) error
	// ReconcilePresentCount recomputes the present counter from the rows and returns it
	ReconcilePresentCount(ctx context.Context, sessionID int64) (int, error)
}
