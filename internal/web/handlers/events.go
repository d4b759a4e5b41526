package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kozaktomas/classroll/internal/events"
	"github.com/kozaktomas/classroll/internal/pipeline"
)

// keepAliveInterval is how often an idle event stream sends a comment line.
const keepAliveInterval = 15 * time.Second

// EventsHandler streams session events over Server-Sent Events
type EventsHandler struct {
	svc *pipeline.Service
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(svc *pipeline.Service) *EventsHandler {
	return &EventsHandler{svc: svc}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

// Stream sends the session's current stats, then every event published for
// it until the client disconnects or the service shuts down.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Session(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := h.svc.Subscribe(id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	status := map[string]any{"session": s}
	if stats, active := h.svc.Stats(id); active {
		status["stats"] = stats
	}
	sendSSEEvent(w, flusher, "status", status)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, string(evt.Type), evt)
			if evt.Type == events.TypeSessionEnded {
				return
			}
		}
	}
}
