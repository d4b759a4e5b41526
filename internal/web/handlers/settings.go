package handlers

import (
	"log/slog"
	"net/http"

	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/pipeline"
)

// SettingsHandler reads and updates recognition settings
type SettingsHandler struct {
	svc    *pipeline.Service
	logger *slog.Logger
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(svc *pipeline.Service, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{svc: svc, logger: logger}
}

// SettingsResponse adds the derived match threshold
type SettingsResponse struct {
	config.RecognitionConfig
	Threshold float64 `json:"threshold"`
}

func settingsResponse(rec config.RecognitionConfig) SettingsResponse {
	return SettingsResponse{RecognitionConfig: rec, Threshold: rec.Threshold()}
}

// Get returns the current settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, settingsResponse(h.svc.Settings()))
}

// Update replaces the settings. Fields missing from the body keep their
// current values.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	rec := h.svc.Settings()
	if !decodeJSON(w, r, &rec) {
		return
	}
	if err := h.svc.UpdateSettings(rec); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settingsResponse(h.svc.Settings()))
}
