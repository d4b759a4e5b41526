// Package dispatch runs pipeline jobs on a bounded worker pool. Jobs of one
// session are pinned to one worker so they execute in submission order.
package dispatch

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/kozaktomas/classroll/internal/attendance"
	"github.com/kozaktomas/classroll/internal/database"
)

// Common errors returned by the pool
var (
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrClosed    = errors.New("dispatcher is shut down")
	ErrStale     = errors.New("frame is stale")
	ErrNilJob    = errors.New("cannot submit nil job")
)

// Kind names a job type.
type Kind string

// Job kinds.
const (
	KindProcessFrame       Kind = "process_frame"
	KindMarkAttendance     Kind = "mark_attendance"
	KindArchiveUnknownFace Kind = "archive_unknown_face"
)

// Job is one unit of work. The set of jobs is closed: ProcessFrame,
// MarkAttendance and ArchiveUnknownFace.
type Job interface {
	Kind() Kind
	Session() int64
	job()
}

// ProcessFrame detects and matches the faces of an accepted frame.
type ProcessFrame struct {
	SessionID   int64
	FrameID     string
	Data        []byte      // encoded image as submitted
	Image       image.Image // decoded frame, used for cropping unknown faces
	SubmittedAt time.Time
}

// MarkAttendance records a manual or bulk mark.
type MarkAttendance struct {
	Mark   attendance.Mark
	Status database.AttendanceStatus
}

// ArchiveUnknownFace stores the crop of an unmatched face.
type ArchiveUnknownFace struct {
	SessionID  int64
	ClassID    string
	FrameID    string
	Crop       image.Image
	Confidence float64
}

func (ProcessFrame) Kind() Kind       { return KindProcessFrame }
func (j ProcessFrame) Session() int64 { return j.SessionID }
func (ProcessFrame) job()             {}

func (MarkAttendance) Kind() Kind       { return KindMarkAttendance }
func (j MarkAttendance) Session() int64 { return j.Mark.SessionID }
func (MarkAttendance) job()             {}

func (ArchiveUnknownFace) Kind() Kind       { return KindArchiveUnknownFace }
func (j ArchiveUnknownFace) Session() int64 { return j.SessionID }
func (ArchiveUnknownFace) job()             {}

// Handler executes jobs, typically with a type switch over the job.
// Errors wrapping database.ErrTransient are retried; all others are final.
type Handler interface {
	Handle(ctx context.Context, job Job) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job Job) (any, error) {
	return f(ctx, job)
}

// Handle tracks a submitted job.
type Handle struct {
	ID        string
	Kind      Kind
	SessionID int64

	done     chan struct{}
	once     sync.Once
	result   any
	err      error
	attempts int
}

func newHandle(id string, job Job) *Handle {
	return &Handle{
		ID:        id,
		Kind:      job.Kind(),
		SessionID: job.Session(),
		done:      make(chan struct{}),
	}
}

func (h *Handle) resolve(result any, err error, attempts int) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		h.attempts = attempts
		close(h.done)
	})
}

// Done is closed when the job finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome of a finished job. Before Done is closed it
// returns nil, nil.
func (h *Handle) Result() (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return nil, nil
	}
}

// Attempts returns how many times the job ran.
func (h *Handle) Attempts() int {
	select {
	case <-h.done:
		return h.attempts
	default:
		return 0
	}
}

// Wait blocks until the job finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
