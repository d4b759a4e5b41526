// Package events delivers per-session pipeline events to observers.
// Delivery is best effort and at most once; there is no replay.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an event.
type Type string

// Event types.
const (
	TypeSessionStarted    Type = "session_started"
	TypeSessionEnded      Type = "session_ended"
	TypeStudentRecognized Type = "student_recognized"
	TypeAttendanceMarked  Type = "attendance_marked"
	TypeSessionProgress   Type = "session_progress"
	TypeUnknownFace       Type = "unknown_face_detected"
	TypeFrameRejected     Type = "frame_rejected"
	TypeWarning           Type = "warning"
	TypeError             Type = "error"
)

// Event is one message on a session channel.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SessionID int64     `json:"session_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event stamped with a fresh ID and the current time.
func New(t Type, sessionID int64, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Recognized is the payload of student_recognized.
type Recognized struct {
	StudentID  string  `json:"student_id"`
	Confidence float64 `json:"confidence"`
	Verified   bool    `json:"verified"`
	FrameID    string  `json:"frame_id,omitempty"`
}

// Marked is the payload of attendance_marked.
type Marked struct {
	StudentID     string  `json:"student_id"`
	Status        string  `json:"status"`
	Method        string  `json:"method"`
	Confidence    float64 `json:"confidence,omitempty"`
	AlreadyMarked bool    `json:"already_marked"`
}

// Progress is the payload of session_progress.
type Progress struct {
	Present         int   `json:"present"`
	Expected        int   `json:"expected"`
	FramesProcessed int64 `json:"frames_processed"`
	FacesRecognized int64 `json:"faces_recognized"`
}

// UnknownFace is the payload of unknown_face_detected.
type UnknownFace struct {
	Ref        string  `json:"ref,omitempty"`
	Confidence float64 `json:"confidence"`
	FrameID    string  `json:"frame_id,omitempty"`
}

// Problem is the payload of error, warning and frame_rejected.
type Problem struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
	JobID   string   `json:"job_id,omitempty"`
}
