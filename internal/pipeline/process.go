package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/kozaktomas/classroll/internal/archive"
	"github.com/kozaktomas/classroll/internal/attendance"
	"github.com/kozaktomas/classroll/internal/constants"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/dispatch"
	"github.com/kozaktomas/classroll/internal/events"
	"github.com/kozaktomas/classroll/internal/imaging"
	"github.com/kozaktomas/classroll/internal/matcher"
)

// markedBy identifies marks recorded from camera frames.
const markedBy = "camera"

// FaceOutcome is the result for one face of a processed frame.
type FaceOutcome struct {
	Outcome       matcher.Outcome `json:"outcome"`
	StudentID     string          `json:"student_id,omitempty"`
	Confidence    float64         `json:"confidence"`
	Verified      bool            `json:"verified"`
	Marked        bool            `json:"marked"`
	AlreadyMarked bool            `json:"already_marked"`
	BBox          imaging.BBox    `json:"bbox"`
}

// FrameResult is the result of a ProcessFrame job.
type FrameResult struct {
	SessionID int64         `json:"session_id"`
	FrameID   string        `json:"frame_id"`
	Faces     []FaceOutcome `json:"faces"`
}

func notActive(id int64) error {
	return fmt.Errorf("session %d: %w", id, database.ErrSessionNotActive)
}

// checkFresh fails with dispatch.ErrStale once the frame's deadline passed.
func checkFresh(ctx context.Context, j dispatch.ProcessFrame) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("frame %s of session %d: %w", j.FrameID, j.SessionID, dispatch.ErrStale)
	}
	return nil
}

// handle executes dispatcher jobs.
func (s *Service) handle(ctx context.Context, job dispatch.Job) (any, error) {
	switch j := job.(type) {
	case dispatch.ProcessFrame:
		return s.processFrame(ctx, j)
	case dispatch.MarkAttendance:
		return s.markAttendance(ctx, j)
	case dispatch.ArchiveUnknownFace:
		return s.archiveFace(ctx, j)
	default:
		return nil, fmt.Errorf("unknown job %T", job)
	}
}

func (s *Service) processFrame(ctx context.Context, j dispatch.ProcessFrame) (FrameResult, error) {
	res := FrameResult{SessionID: j.SessionID, FrameID: j.FrameID}

	classID, ok := s.registry.ClassID(j.SessionID)
	if !ok {
		return res, notActive(j.SessionID)
	}

	dets, err := s.detector.Detect(ctx, j.Data)
	if err != nil {
		return res, fmt.Errorf("detect faces: %w", err)
	}

	r, err := s.rosters.GetOrLoad(ctx, classID)
	if err != nil {
		return res, err
	}
	if r.Empty() && len(dets) > 0 {
		s.warn(j.SessionID, "no_roster_loaded", fmt.Sprintf("class %s has no enrolled templates", classID))
	}

	st := s.settings.Load()
	start := time.Now()
	faces := st.matcher.MatchFaces(dets, r)
	s.metrics.ObserveMatch(time.Since(start))

	recognized := 0
	for _, f := range faces {
		if f.Outcome == matcher.OutcomeRecognized {
			recognized++
		}
	}
	if err := checkFresh(ctx, j); err != nil {
		return res, err
	}
	// Retries of this job reuse its ID, so the frame is counted once.
	if !s.registry.RecordFrame(j.SessionID, dispatch.JobID(ctx), len(faces), recognized) {
		return res, notActive(j.SessionID)
	}

	marked := false
	for _, f := range faces {
		s.metrics.Face(string(f.Outcome))
		out := FaceOutcome{
			Outcome:    f.Outcome,
			StudentID:  f.Result.StudentID,
			Confidence: f.Result.Confidence,
			BBox:       f.Detection.BBox,
		}

		switch f.Outcome {
		case matcher.OutcomeRecognized:
			if err := s.recognize(ctx, j, st, &out); err != nil {
				return res, err
			}
			marked = marked || out.Marked
		case matcher.OutcomeNoMatch:
			s.unknownFace(j, classID, st, f)
		}
		res.Faces = append(res.Faces, out)
	}

	if marked {
		s.publishProgress(ctx, j.SessionID)
	}
	return res, nil
}

// recognize publishes the recognition and records the student as present
// once the hit is verified or corroborated often enough.
func (s *Service) recognize(ctx context.Context, j dispatch.ProcessFrame, st *settings, out *FaceOutcome) error {
	out.Verified = out.Confidence >= st.cfg.VerifiedConfidence
	s.hub.Publish(events.New(events.TypeStudentRecognized, j.SessionID, events.Recognized{
		StudentID:  out.StudentID,
		Confidence: out.Confidence,
		Verified:   out.Verified,
		FrameID:    j.FrameID,
	}))

	if !out.Verified && s.registry.Corroborate(j.SessionID, dispatch.JobID(ctx), out.StudentID) < st.cfg.MinMatches {
		return nil
	}

	// The session may have ended while this frame was being matched.
	if !s.registry.IsActive(j.SessionID) {
		return notActive(j.SessionID)
	}
	if err := checkFresh(ctx, j); err != nil {
		return err
	}

	confidence := out.Confidence
	result, err := s.recorder.MarkPresent(ctx, attendance.Mark{
		SessionID:  j.SessionID,
		StudentID:  out.StudentID,
		Method:     database.MethodBiometric,
		Confidence: &confidence,
		MarkedBy:   markedBy,
	})
	if err != nil {
		s.metrics.Marked("error")
		if errors.Is(err, database.ErrCapacityExceeded) {
			s.warn(j.SessionID, "capacity_exceeded", err.Error())
			return nil
		}
		return err
	}

	out.AlreadyMarked = result.AlreadyMarked
	if result.AlreadyMarked {
		s.metrics.Marked("already_marked")
		return nil
	}
	s.metrics.Marked("created")
	out.Marked = true
	s.hub.Publish(events.New(events.TypeAttendanceMarked, j.SessionID, events.Marked{
		StudentID:  out.StudentID,
		Status:     string(result.Attendance.Status),
		Method:     string(result.Attendance.Method),
		Confidence: confidence,
	}))
	return nil
}

// unknownFace queues the crop of an unmatched face for archiving. The
// unknown_face_detected event is published once, by the archive job when the
// crop is archived and right away otherwise.
func (s *Service) unknownFace(j dispatch.ProcessFrame, classID string, st *settings, f matcher.FaceResult) {
	evt := events.UnknownFace{Confidence: f.Result.Confidence, FrameID: j.FrameID}

	var crop image.Image
	if st.cfg.ArchiveUnknown && s.archiver != nil && j.Image != nil {
		crop = imaging.Crop(j.Image, f.Detection.BBox, constants.UnknownFacePadding)
	}
	if crop == nil {
		s.hub.Publish(events.New(events.TypeUnknownFace, j.SessionID, evt))
		return
	}

	if _, err := s.pool.Submit(dispatch.ArchiveUnknownFace{
		SessionID:  j.SessionID,
		ClassID:    classID,
		FrameID:    j.FrameID,
		Crop:       crop,
		Confidence: f.Result.Confidence,
	}); err != nil {
		s.logger.Warn("unknown face not archived", "session_id", j.SessionID, "error", err)
		s.warn(j.SessionID, "archive_skipped", err.Error())
		s.hub.Publish(events.New(events.TypeUnknownFace, j.SessionID, evt))
	}
}

func (s *Service) markAttendance(ctx context.Context, j dispatch.MarkAttendance) (attendance.Result, error) {
	if !s.registry.IsActive(j.Mark.SessionID) {
		return attendance.Result{}, notActive(j.Mark.SessionID)
	}

	res, err := s.recorder.Mark(ctx, j.Mark, j.Status)
	if err != nil {
		s.metrics.Marked("error")
		return attendance.Result{}, err
	}
	if res.AlreadyMarked {
		s.metrics.Marked("already_marked")
		return res, nil
	}
	s.metrics.Marked("created")

	var confidence float64
	if res.Attendance.Confidence != nil {
		confidence = *res.Attendance.Confidence
	}
	s.hub.Publish(events.New(events.TypeAttendanceMarked, j.Mark.SessionID, events.Marked{
		StudentID:  res.Attendance.StudentID,
		Status:     string(res.Attendance.Status),
		Method:     string(res.Attendance.Method),
		Confidence: confidence,
	}))
	s.publishProgress(ctx, j.Mark.SessionID)
	return res, nil
}

func (s *Service) archiveFace(ctx context.Context, j dispatch.ArchiveUnknownFace) (archive.Record, error) {
	evt := events.UnknownFace{Confidence: j.Confidence, FrameID: j.FrameID}
	rec, err := s.archiver.Archive(ctx, j.SessionID, j.ClassID, j.Crop)
	if err != nil {
		s.logger.Warn("archiving unknown face failed", "session_id", j.SessionID, "error", err)
		s.warn(j.SessionID, "archive_failed", err.Error())
		s.hub.Publish(events.New(events.TypeUnknownFace, j.SessionID, evt))
		return archive.Record{}, err
	}
	evt.Ref = rec.Ref
	s.hub.Publish(events.New(events.TypeUnknownFace, j.SessionID, evt))
	return rec, nil
}
