package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/classroll/internal/attendance"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/dispatch"
	"github.com/kozaktomas/classroll/internal/pipeline"
)

// SessionsHandler handles session lifecycle and attendance endpoints
type SessionsHandler struct {
	svc    *pipeline.Service
	logger *slog.Logger
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(svc *pipeline.Service, logger *slog.Logger) *SessionsHandler {
	return &SessionsHandler{svc: svc, logger: logger.With("component", "sessions_handler")}
}

// List returns stored sessions, optionally filtered by ?status=a,b
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	var statuses []database.SessionStatus
	if q := r.URL.Query().Get("status"); q != "" {
		for s := range strings.SplitSeq(q, ",") {
			status := database.SessionStatus(strings.TrimSpace(s))
			if !status.Valid() {
				respondError(w, http.StatusBadRequest, "invalid status "+string(status))
				return
			}
			statuses = append(statuses, status)
		}
	}

	sessions, err := h.svc.Sessions(r.Context(), statuses...)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []database.ClassSession{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

// CreateRequest is the body of a new scheduled session
type CreateRequest struct {
	ClassID        string    `json:"class_id"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	Notes          string    `json:"notes,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
}

// Create schedules a session
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s := &database.ClassSession{
		ClassID:        req.ClassID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		Notes:          req.Notes,
		CreatedBy:      req.CreatedBy,
	}
	if err := h.svc.CreateSession(r.Context(), s); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

// Active returns the runtime stats of sessions taking attendance
func (h *SessionsHandler) Active(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Active())
}

// Get returns a stored session
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Session(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// Start begins taking attendance
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	s, err := h.svc.StartSession(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.logger.Info("session started", "session_id", id, "class_id", s.ClassID)
	respondJSON(w, http.StatusOK, s)
}

// Stop completes the session
func (h *SessionsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ended, err := h.svc.StopSession(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.logger.Info("session stopped", "session_id", id)
	respondJSON(w, http.StatusOK, ended)
}

// DismissRequest is the body of a dismissal
type DismissRequest struct {
	InstructorID  string     `json:"instructor_id"`
	Reason        string     `json:"reason"`
	RescheduledTo *time.Time `json:"rescheduled_to,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// Dismiss dismisses the session with a reason
func (h *SessionsHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req DismissRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		respondError(w, http.StatusBadRequest, "reason is required")
		return
	}

	ended, err := h.svc.DismissSession(r.Context(), database.Dismissal{
		SessionID:     id,
		InstructorID:  req.InstructorID,
		Reason:        req.Reason,
		RescheduledTo: req.RescheduledTo,
		Notes:         req.Notes,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.logger.Info("session dismissed", "session_id", id, "reason", sanitizeForLog(req.Reason))
	respondJSON(w, http.StatusOK, ended)
}

// Dismissal returns the dismissal record of a session
func (h *SessionsHandler) Dismissal(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Dismissal(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// Cancel cancels the session
func (h *SessionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ended, err := h.svc.CancelSession(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.logger.Info("session cancelled", "session_id", id)
	respondJSON(w, http.StatusOK, ended)
}

// Stats returns the runtime counters of an active session
func (h *SessionsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	stats, active := h.svc.Stats(id)
	if !active {
		respondError(w, http.StatusNotFound, "session is not active")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// SummaryResponse adds the attendance percentage to the summary
type SummaryResponse struct {
	*database.AttendanceSummary
	Percentage float64 `json:"percentage"`
}

// Summary aggregates the marks of a session
func (h *SessionsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sum, err := h.svc.Summary(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SummaryResponse{AttendanceSummary: sum, Percentage: sum.Percentage()})
}

// Attendance lists the marks of a session
func (h *SessionsHandler) Attendance(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	rows, err := h.svc.Attendance(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if rows == nil {
		rows = []database.Attendance{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// MarkRequest is the body of a manual mark. StudentIDs marks several
// students at once with method bulk.
type MarkRequest struct {
	StudentID  string                    `json:"student_id"`
	StudentIDs []string                  `json:"student_ids,omitempty"`
	Status     database.AttendanceStatus `json:"status"`
	MarkedBy   string                    `json:"marked_by"`
	Notes      string                    `json:"notes,omitempty"`
}

// MarkResult is the outcome of one student of a mark request
type MarkResult struct {
	StudentID     string               `json:"student_id"`
	Attendance    *database.Attendance `json:"attendance,omitempty"`
	AlreadyMarked bool                 `json:"already_marked"`
	Error         string               `json:"error,omitempty"`
}

// Mark records students manually
func (h *SessionsHandler) Mark(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req MarkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = database.StatusPresent
	}

	if len(req.StudentIDs) == 0 {
		res, err := h.svc.Mark(r.Context(), attendance.Mark{
			SessionID: id,
			StudentID: req.StudentID,
			Method:    database.MethodManual,
			MarkedBy:  req.MarkedBy,
			Notes:     req.Notes,
		}, req.Status)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		status := http.StatusCreated
		if res.AlreadyMarked {
			status = http.StatusOK
		}
		respondJSON(w, status, res)
		return
	}

	// Bulk marks are queued together and awaited in order.
	results := make([]MarkResult, len(req.StudentIDs))
	handles := make([]*dispatch.Handle, len(req.StudentIDs))
	for i, student := range req.StudentIDs {
		results[i].StudentID = student
		handle, err := h.svc.SubmitMark(attendance.Mark{
			SessionID: id,
			StudentID: student,
			Method:    database.MethodBulk,
			MarkedBy:  req.MarkedBy,
			Notes:     req.Notes,
		}, req.Status)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		handles[i] = handle
	}
	for i, handle := range handles {
		if handle == nil {
			continue
		}
		res, err := handle.Wait(r.Context())
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		mark := res.(attendance.Result)
		results[i].Attendance = &mark.Attendance
		results[i].AlreadyMarked = mark.AlreadyMarked
	}
	respondJSON(w, http.StatusOK, results)
}

// CorrectRequest is the body of an administrative status change
type CorrectRequest struct {
	Status      database.AttendanceStatus `json:"status"`
	Reason      string                    `json:"reason"`
	CorrectedBy string                    `json:"corrected_by"`
}

// Correct changes the status of a student's mark
func (h *SessionsHandler) Correct(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req CorrectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.svc.Correct(r.Context(), attendance.Correction{
		SessionID:   id,
		StudentID:   chi.URLParam(r, "studentId"),
		Status:      req.Status,
		Reason:      req.Reason,
		CorrectedBy: req.CorrectedBy,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}
