package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/classroll/internal/pipeline"
)

// RosterHandler manages the cached class rosters
type RosterHandler struct {
	svc *pipeline.Service
}

// NewRosterHandler creates a new roster handler
func NewRosterHandler(svc *pipeline.Service) *RosterHandler {
	return &RosterHandler{svc: svc}
}

// RosterResponse describes a loaded roster
type RosterResponse struct {
	ClassID   string    `json:"class_id"`
	Version   string    `json:"version"`
	Students  int       `json:"students"`
	Templates int       `json:"templates"`
	Skipped   int       `json:"skipped"`
	Indexed   bool      `json:"indexed"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// Preload loads the class roster into the cache
func (h *RosterHandler) Preload(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "id")
	if classID == "" {
		respondError(w, http.StatusBadRequest, "missing class ID")
		return
	}
	roster, err := h.svc.Preload(r.Context(), classID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RosterResponse{
		ClassID:   roster.ClassID,
		Version:   roster.Version,
		Students:  roster.Students(),
		Templates: roster.Templates(),
		Skipped:   roster.Skipped,
		Indexed:   roster.Indexed(),
		LoadedAt:  roster.LoadedAt,
	})
}

// Invalidate drops the cached roster so the next frame reloads it
func (h *RosterHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	h.svc.InvalidateRoster(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// Clear drops every cached roster, e.g. after a bulk template import
func (h *RosterHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.svc.ClearRosters()
	w.WriteHeader(http.StatusNoContent)
}

// StatsResponse aggregates service counters
type StatsResponse struct {
	Dispatch any `json:"dispatch"`
	Roster   any `json:"roster"`
	Events   any `json:"events"`
	Active   int `json:"active_sessions"`
}

// Stats returns worker pool, roster cache and event counters
func (h *RosterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatsResponse{
		Dispatch: h.svc.DispatchStats(),
		Roster:   h.svc.RosterStats(),
		Events:   h.svc.EventStats(),
		Active:   len(h.svc.Active()),
	})
}
