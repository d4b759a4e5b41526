// Package pipeline wires frame validation, matching, attendance recording and
// event delivery into the real-time attendance service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/classroll/internal/archive"
	"github.com/kozaktomas/classroll/internal/attendance"
	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/constants"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/dispatch"
	"github.com/kozaktomas/classroll/internal/events"
	"github.com/kozaktomas/classroll/internal/faceclient"
	"github.com/kozaktomas/classroll/internal/imaging"
	"github.com/kozaktomas/classroll/internal/matcher"
	"github.com/kozaktomas/classroll/internal/metrics"
	"github.com/kozaktomas/classroll/internal/roster"
	"github.com/kozaktomas/classroll/internal/session"
)

// ErrInvalidSession is returned for sessions that cannot be scheduled.
var ErrInvalidSession = errors.New("invalid session")

// ErrTooManyFrames is returned for batches above constants.MaxBatchFrames.
var ErrTooManyFrames = fmt.Errorf("batch exceeds %d frames", constants.MaxBatchFrames)

// Deps are the collaborators of the service. Archiver, Hub and Metrics are
// optional.
type Deps struct {
	Sessions   database.SessionWriter
	Attendance database.AttendanceWriter
	Templates  database.TemplateReader
	Detector   faceclient.Detector
	Archiver   *archive.Archiver
	Hub        *events.Hub
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// settings pairs the recognition settings with the matcher derived from them.
type settings struct {
	cfg     config.RecognitionConfig
	matcher *matcher.Matcher
}

// Service is the attendance pipeline.
type Service struct {
	sessions  database.SessionWriter
	registry  *session.Registry
	recorder  *attendance.Recorder
	rosters   *roster.Cache
	validator *imaging.Validator
	detector  faceclient.Detector
	archiver  *archive.Archiver
	hub       *events.Hub
	ownsHub   bool
	pool      *dispatch.Pool
	metrics   *metrics.Metrics
	logger    *slog.Logger

	settings atomic.Pointer[settings]
}

// Ack confirms that a frame passed validation and was queued.
type Ack struct {
	JobID     string          `json:"job_id"`
	FrameID   string          `json:"frame_id"`
	SessionID int64           `json:"session_id"`
	Quality   imaging.Quality `json:"quality"`
	QueuedAt  time.Time       `json:"queued_at"`

	handle *dispatch.Handle
}

// Handle returns the dispatcher handle of the queued frame.
func (a *Ack) Handle() *dispatch.Handle {
	return a.handle
}

// BatchItem is the outcome of one frame of a batch.
type BatchItem struct {
	Index int    `json:"index"`
	Ack   *Ack   `json:"ack,omitempty"`
	Error string `json:"error,omitempty"`
}

// Ended summarizes a session that stopped taking attendance.
type Ended struct {
	Stats   session.Stats               `json:"stats"`
	Summary *database.AttendanceSummary `json:"summary,omitempty"`
}

func bounds(q config.QualityConfig) imaging.Bounds {
	b := imaging.DefaultBounds()
	if q.MinWidth > 0 {
		b.MinWidth = q.MinWidth
	}
	if q.MinHeight > 0 {
		b.MinHeight = q.MinHeight
	}
	if q.MaxWidth > 0 {
		b.MaxWidth = q.MaxWidth
	}
	if q.MaxHeight > 0 {
		b.MaxHeight = q.MaxHeight
	}
	if q.MinBrightness > 0 {
		b.MinBrightness = q.MinBrightness
	}
	if q.MaxBrightness > 0 {
		b.MaxBrightness = q.MaxBrightness
	}
	if q.MinBlurScore > 0 {
		b.MinBlurScore = q.MinBlurScore
	}
	return b
}

// New creates the service and starts its worker pool.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Sessions == nil || deps.Attendance == nil || deps.Templates == nil || deps.Detector == nil {
		return nil, errors.New("pipeline requires session, attendance and template stores and a detector")
	}
	if err := cfg.Recognition.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recognition settings: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		sessions:  deps.Sessions,
		registry:  session.NewRegistry(deps.Sessions, deps.Templates, logger),
		recorder:  attendance.NewRecorder(deps.Attendance, logger),
		validator: imaging.NewValidator(bounds(cfg.Quality)),
		detector:  deps.Detector,
		archiver:  deps.Archiver,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "pipeline"),
	}
	if s.hub == nil {
		s.hub = events.NewHub(constants.EventChannelBuffer, logger)
		s.ownsHub = true
	}

	s.rosters = roster.NewCache(deps.Templates, roster.Options{
		TTL:            cfg.Pipeline.RosterTTL,
		IndexThreshold: cfg.Pipeline.RosterIndexThreshold,
		Dim:            cfg.Embedding.Dim,
		Logger:         logger,
		OnLoad:         s.metrics.RosterLoaded,
	})
	s.applySettings(cfg.Recognition)

	s.pool = dispatch.NewPool(dispatch.HandlerFunc(s.handle), dispatch.Options{
		Workers:      cfg.Pipeline.Workers,
		QueueSize:    cfg.Pipeline.QueueSize,
		FrameTTL:     cfg.Pipeline.FrameTTL,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		RetryInitial: cfg.Pipeline.RetryInitial,
		RetryMax:     cfg.Pipeline.RetryMax,
		Logger:       logger,
		Metrics:      s.metrics,
		OnFailure:    s.jobFailed,
	})
	return s, nil
}

func (s *Service) applySettings(rec config.RecognitionConfig) {
	s.settings.Store(&settings{
		cfg:     rec,
		matcher: matcher.New(rec.Threshold(), rec.MinFaceSize, rec.MaxFacesPerFrame),
	})
}

// Settings returns the current recognition settings.
func (s *Service) Settings() config.RecognitionConfig {
	return s.settings.Load().cfg
}

// UpdateSettings validates and applies new recognition settings. Frames
// already being matched finish with the previous settings.
func (s *Service) UpdateSettings(rec config.RecognitionConfig) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.applySettings(rec)
	s.logger.Info("recognition settings updated",
		"sensitivity", rec.Sensitivity,
		"threshold", rec.Threshold(),
		"min_matches", rec.MinMatches,
		"min_face_size", rec.MinFaceSize,
		"archive_unknown", rec.ArchiveUnknown)
	return nil
}

// Restore resumes tracking of sessions stored as ongoing.
func (s *Service) Restore(ctx context.Context) error {
	n, err := s.registry.Restore(ctx)
	if err != nil {
		return err
	}
	s.metrics.SetActiveSessions(len(s.registry.Active()))
	if n > 0 {
		s.logger.Info("resumed ongoing sessions", "count", n)
	}
	return nil
}

// StartSession registers a scheduled session and warms its class roster.
// A roster that fails to load is reported as a warning; frames load it again.
func (s *Service) StartSession(ctx context.Context, id int64) (*database.ClassSession, error) {
	cs, err := s.registry.Register(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.SetActiveSessions(len(s.registry.Active()))

	r, err := s.rosters.GetOrLoad(ctx, cs.ClassID)
	switch {
	case err != nil:
		s.logger.Warn("roster preload failed", "session_id", id, "class_id", cs.ClassID, "error", err)
		s.warn(id, "roster_load_failed", err.Error())
	case r.Empty():
		s.warn(id, "no_roster_loaded", fmt.Sprintf("class %s has no enrolled templates", cs.ClassID))
	}

	s.hub.Publish(events.New(events.TypeSessionStarted, id, cs))
	return cs, nil
}

func (s *Service) ended(ctx context.Context, id int64, stats session.Stats) Ended {
	s.metrics.SetActiveSessions(len(s.registry.Active()))
	out := Ended{Stats: stats}
	if _, err := s.recorder.Reconcile(ctx, id); err != nil {
		s.logger.Warn("present count reconciliation failed", "session_id", id, "error", err)
	}
	sum, err := s.recorder.Summary(ctx, id)
	if err != nil {
		s.logger.Warn("session summary failed", "session_id", id, "error", err)
	} else {
		out.Summary = sum
	}
	s.hub.Publish(events.New(events.TypeSessionEnded, id, out))
	return out
}

// StopSession completes an ongoing session. Jobs still queued for it
// resolve with database.ErrSessionNotActive.
func (s *Service) StopSession(ctx context.Context, id int64) (Ended, error) {
	stats, err := s.registry.Unregister(ctx, id)
	if err != nil {
		return Ended{}, err
	}
	return s.ended(ctx, id, stats), nil
}

// DismissSession dismisses a scheduled or ongoing session.
func (s *Service) DismissSession(ctx context.Context, d database.Dismissal) (Ended, error) {
	stats, _ := s.registry.Stats(d.SessionID)
	if _, err := s.registry.Dismiss(ctx, d); err != nil {
		return Ended{}, err
	}
	return s.ended(ctx, d.SessionID, stats), nil
}

// CancelSession cancels a scheduled or ongoing session.
func (s *Service) CancelSession(ctx context.Context, id int64) (Ended, error) {
	stats, _ := s.registry.Stats(id)
	if _, err := s.registry.Cancel(ctx, id); err != nil {
		return Ended{}, err
	}
	return s.ended(ctx, id, stats), nil
}

// SubmitFrame validates an encoded frame and queues it for matching.
// Undecodable data returns an error wrapping imaging.ErrDecode; rejected
// frames return a *imaging.QualityError and are never matched.
func (s *Service) SubmitFrame(ctx context.Context, sessionID int64, data []byte) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.registry.IsActive(sessionID) {
		s.metrics.FrameSubmitted("session_not_active")
		return nil, fmt.Errorf("session %d: %w", sessionID, database.ErrSessionNotActive)
	}

	img, q, err := s.validator.ValidateBytes(data)
	if err != nil {
		var qe *imaging.QualityError
		if errors.As(err, &qe) {
			s.metrics.FrameSubmitted("rejected")
			reasons := make([]string, len(q.Reasons))
			for i, r := range q.Reasons {
				reasons[i] = string(r)
			}
			s.hub.Publish(events.New(events.TypeFrameRejected, sessionID, events.Problem{
				Kind:    "quality_rejected",
				Message: qe.Error(),
				Reasons: reasons,
			}))
		} else {
			s.metrics.FrameSubmitted("decode_error")
		}
		return nil, err
	}

	now := time.Now()
	frameID := fmt.Sprintf("%016x", imaging.FrameHash(img))
	h, err := s.pool.Submit(dispatch.ProcessFrame{
		SessionID:   sessionID,
		FrameID:     frameID,
		Data:        data,
		Image:       img,
		SubmittedAt: now,
	})
	if err != nil {
		s.metrics.FrameSubmitted("queue_rejected")
		return nil, err
	}
	s.metrics.FrameSubmitted("accepted")

	return &Ack{
		JobID:     h.ID,
		FrameID:   frameID,
		SessionID: sessionID,
		Quality:   q,
		QueuedAt:  now,
		handle:    h,
	}, nil
}

// SubmitFrames submits a batch of frames; each frame succeeds or fails on
// its own.
func (s *Service) SubmitFrames(ctx context.Context, sessionID int64, frames [][]byte) ([]BatchItem, error) {
	if len(frames) > constants.MaxBatchFrames {
		return nil, ErrTooManyFrames
	}
	items := make([]BatchItem, len(frames))
	for i, data := range frames {
		items[i].Index = i
		ack, err := s.SubmitFrame(ctx, sessionID, data)
		if err != nil {
			items[i].Error = err.Error()
			continue
		}
		items[i].Ack = ack
	}
	return items, nil
}

// SubmitMark queues a manual or bulk attendance mark. Marks are accepted only
// while the session is registered; others resolve ErrSessionNotActive.
func (s *Service) SubmitMark(m attendance.Mark, status database.AttendanceStatus) (*dispatch.Handle, error) {
	return s.pool.Submit(dispatch.MarkAttendance{Mark: m, Status: status})
}

// Mark queues an attendance mark and waits for its result.
func (s *Service) Mark(ctx context.Context, m attendance.Mark, status database.AttendanceStatus) (attendance.Result, error) {
	h, err := s.SubmitMark(m, status)
	if err != nil {
		return attendance.Result{}, err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return attendance.Result{}, err
	}
	return res.(attendance.Result), nil
}

// Correct changes the status of a mark administratively.
func (s *Service) Correct(ctx context.Context, c attendance.Correction) (database.Attendance, error) {
	a, err := s.recorder.UpdateStatus(ctx, c)
	if err != nil {
		return database.Attendance{}, err
	}
	s.hub.Publish(events.New(events.TypeAttendanceMarked, c.SessionID, events.Marked{
		StudentID: a.StudentID,
		Status:    string(a.Status),
		Method:    string(a.Method),
	}))
	s.publishProgress(ctx, c.SessionID)
	return a, nil
}

// CreateSession schedules a new session of a class.
func (s *Service) CreateSession(ctx context.Context, cs *database.ClassSession) error {
	if strings.TrimSpace(cs.ClassID) == "" {
		return fmt.Errorf("%w: class is required", ErrInvalidSession)
	}
	if cs.ScheduledStart.IsZero() || !cs.ScheduledEnd.After(cs.ScheduledStart) {
		return fmt.Errorf("%w: scheduled end must be after start", ErrInvalidSession)
	}
	if err := s.sessions.CreateSession(ctx, cs); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session scheduled", "session_id", cs.ID, "class_id", cs.ClassID, "start", cs.ScheduledStart)
	return nil
}

// Session returns the stored session.
func (s *Service) Session(ctx context.Context, id int64) (*database.ClassSession, error) {
	return s.sessions.GetSession(ctx, id)
}

// Sessions lists stored sessions in the given statuses.
func (s *Service) Sessions(ctx context.Context, statuses ...database.SessionStatus) ([]database.ClassSession, error) {
	return s.sessions.ListSessions(ctx, statuses...)
}

// Dismissal returns the dismissal record of a session.
func (s *Service) Dismissal(ctx context.Context, id int64) (*database.Dismissal, error) {
	return s.sessions.GetDismissal(ctx, id)
}

// Stats returns the runtime stats of an active session.
func (s *Service) Stats(id int64) (session.Stats, bool) {
	return s.registry.Stats(id)
}

// Active lists the runtime stats of every active session.
func (s *Service) Active() []session.Stats {
	return s.registry.Active()
}

// Attendance lists the marks of a session.
func (s *Service) Attendance(ctx context.Context, id int64) ([]database.Attendance, error) {
	return s.recorder.List(ctx, id)
}

// Summary aggregates the marks of a session.
func (s *Service) Summary(ctx context.Context, id int64) (*database.AttendanceSummary, error) {
	return s.recorder.Summary(ctx, id)
}

// UnknownFaces lists the archived unknown faces of a session.
func (s *Service) UnknownFaces(id int64) ([]archive.Record, error) {
	if s.archiver == nil {
		return []archive.Record{}, nil
	}
	return s.archiver.List(id)
}

// UnknownFace returns an archived crop by its reference.
func (s *Service) UnknownFace(ref string) ([]byte, error) {
	if s.archiver == nil {
		return nil, fmt.Errorf("unknown face %q: %w", ref, database.ErrNotFound)
	}
	return s.archiver.Open(ref)
}

// Preload loads the roster of a class, replacing a stale cached one.
func (s *Service) Preload(ctx context.Context, classID string) (*roster.Roster, error) {
	return s.rosters.Load(ctx, classID)
}

// InvalidateRoster drops the cached roster of a class.
func (s *Service) InvalidateRoster(classID string) {
	s.rosters.Invalidate(classID)
}

// ClearRosters drops every cached roster.
func (s *Service) ClearRosters() {
	s.rosters.Clear()
}

// RosterStats returns roster cache counters.
func (s *Service) RosterStats() roster.Stats {
	return s.rosters.Stats()
}

// DispatchStats returns worker pool counters.
func (s *Service) DispatchStats() dispatch.Stats {
	return s.pool.Stats()
}

// EventStats returns event hub counters.
func (s *Service) EventStats() events.HubStats {
	return s.hub.Stats()
}

// Subscribe opens the event channel of a session.
func (s *Service) Subscribe(sessionID int64) *events.Subscription {
	return s.hub.Subscribe(sessionID)
}

// Shutdown stops accepting work and drains queued jobs.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.pool.Shutdown(ctx)
	if s.ownsHub {
		s.hub.Close()
	}
	return err
}

func (s *Service) warn(sessionID int64, kind, msg string) {
	s.hub.Publish(events.New(events.TypeWarning, sessionID, events.Problem{Kind: kind, Message: msg}))
}

func (s *Service) publishProgress(ctx context.Context, sessionID int64) {
	cs, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Debug("progress lookup failed", "session_id", sessionID, "error", err)
		return
	}
	p := events.Progress{Present: cs.PresentCount, Expected: cs.ExpectedCount}
	if st, ok := s.registry.Stats(sessionID); ok {
		p.FramesProcessed = st.FramesProcessed
		p.FacesRecognized = st.FacesRecognized
	}
	s.hub.Publish(events.New(events.TypeSessionProgress, sessionID, p))
}

// jobFailed reports failed jobs. Inactive sessions and stale frames are
// expected outcomes; archive failures were already reported as warnings.
func (s *Service) jobFailed(job dispatch.Job, h *dispatch.Handle, err error) {
	switch {
	case errors.Is(err, database.ErrSessionNotActive), errors.Is(err, dispatch.ErrStale):
		return
	case job.Kind() == dispatch.KindArchiveUnknownFace:
		return
	}

	kind := "job_failed"
	if database.IsTransient(err) {
		kind = "retries_exhausted"
	}
	s.logger.Error("job failed",
		"job_id", h.ID,
		"kind", job.Kind(),
		"session_id", job.Session(),
		"attempts", h.Attempts(),
		"error", err)
	s.hub.Publish(events.New(events.TypeError, job.Session(), events.Problem{
		Kind:    kind,
		Message: err.Error(),
		JobID:   h.ID,
	}))
}
