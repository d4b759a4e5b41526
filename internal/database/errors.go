package database

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionNotActive is returned for writes against a terminal session.
	// It is never retried.
	ErrSessionNotActive = errors.New("session not active")

	// ErrInvalidTransition is returned when the session lifecycle forbids a transition.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrCapacityExceeded is returned when a write would push the present
	// counter above the expected student count.
	ErrCapacityExceeded = errors.New("present count would exceed expected count")

	// ErrTransient marks storage failures worth retrying (connection loss,
	// serialization conflicts, timeouts).
	ErrTransient = errors.New("transient store error")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
