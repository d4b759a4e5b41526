package database

import (
	"slices"
	"time"
)

// SessionStatus is the lifecycle state of a class session.
type SessionStatus string

// SessionStatus constants. Scheduled is initial; completed, cancelled and
// dismissed are terminal.
const (
	SessionScheduled SessionStatus = "scheduled"
	SessionOngoing   SessionStatus = "ongoing"
	SessionCompleted SessionStatus = "completed"
	SessionDismissed SessionStatus = "dismissed"
	SessionCancelled SessionStatus = "cancelled"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionScheduled: {SessionOngoing, SessionDismissed, SessionCancelled},
	SessionOngoing:   {SessionCompleted, SessionDismissed, SessionCancelled},
}

// Terminal returns true if no further attendance writes are accepted.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionDismissed || s == SessionCancelled
}

// Valid returns true for known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionScheduled, SessionOngoing, SessionCompleted, SessionDismissed, SessionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return slices.Contains(sessionTransitions[s], next)
}

// ClassSession is one scheduled teaching period of a class.
type ClassSession struct {
	ID             int64         `json:"id"`
	ClassID        string        `json:"class_id"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	ScheduledEnd   time.Time     `json:"scheduled_end"`
	Status         SessionStatus `json:"status"`
	ExpectedCount  int           `json:"expected_count"`
	PresentCount   int           `json:"present_count"`
	Notes          string        `json:"notes,omitempty"`
	CreatedBy      string        `json:"created_by,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// AttendanceStatus is the recorded status of a student for a session.
type AttendanceStatus string

// AttendanceStatus constants.
const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
	StatusLate    AttendanceStatus = "late"
	StatusExcused AttendanceStatus = "excused"
)

// Valid returns true for known attendance statuses.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return true
	}
	return false
}

// CountsPresent returns true if the status contributes to a session's present counter.
func (s AttendanceStatus) CountsPresent() bool {
	return s == StatusPresent || s == StatusLate
}

// Method records how an attendance row was produced.
type Method string

// Method constants.
const (
	MethodBiometric Method = "biometric"
	MethodManual    Method = "manual"
	MethodBulk      Method = "bulk"
)

// Valid returns true for known methods.
func (m Method) Valid() bool {
	return m == MethodBiometric || m == MethodManual || m == MethodBulk
}

// Attendance is the unique record of one student in one session.
type Attendance struct {
	ID         int64            `json:"id"`
	SessionID  int64            `json:"session_id"`
	StudentID  string           `json:"student_id"`
	Status     AttendanceStatus `json:"status"`
	Method     Method           `json:"method"`
	Confidence *float64         `json:"confidence,omitempty"`
	MarkedBy   string           `json:"marked_by,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Notes      string           `json:"notes,omitempty"`
}

// Verified returns true for biometric rows at or above the given confidence.
// Non-biometric rows are always verified.
func (a *Attendance) Verified(minConfidence float64) bool {
	if a.Method != MethodBiometric {
		return true
	}
	return a.Confidence != nil && *a.Confidence >= minConfidence
}

// StudentTemplate is one enrolled biometric template of a student.
type StudentTemplate struct {
	ID         int64     `json:"id"`
	StudentID  string    `json:"student_id"`
	Embedding  []float32 `json:"-"`
	SourceHash string    `json:"source_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// DismissalStatus distinguishes plain dismissals from rescheduled ones.
type DismissalStatus string

// DismissalStatus constants.
const (
	DismissalDismissed   DismissalStatus = "dismissed"
	DismissalRescheduled DismissalStatus = "rescheduled"
)

// Dismissal records why a session was dismissed.
type Dismissal struct {
	SessionID     int64           `json:"session_id"`
	InstructorID  string          `json:"instructor_id"`
	Reason        string          `json:"reason"`
	DismissedAt   time.Time       `json:"dismissed_at"`
	RescheduledTo *time.Time      `json:"rescheduled_to,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Status        DismissalStatus `json:"status"`
}

// AttendanceSummary aggregates attendance rows of a session.
type AttendanceSummary struct {
	SessionID    int64 `json:"session_id"`
	Expected     int   `json:"expected"`
	PresentCount int   `json:"present_count"`
	Present      int   `json:"present"`
	Late         int   `json:"late"`
	Absent       int   `json:"absent"`
	Excused      int   `json:"excused"`
	Recorded     int   `json:"recorded"`
}

// Percentage returns the share of expected students counted present, 0-100.
func (s AttendanceSummary) Percentage() float64 {
	if s.Expected == 0 {
		return 0
	}
	return float64(s.Present+s.Late) * 100 / float64(s.Expected)
}
