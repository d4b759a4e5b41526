package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/kozaktomas/classroll/internal/constants"
	"github.com/kozaktomas/classroll/internal/imaging"
	"github.com/kozaktomas/classroll/internal/pipeline"
)

// FramesHandler accepts camera frames
type FramesHandler struct {
	svc    *pipeline.Service
	logger *slog.Logger
}

// NewFramesHandler creates a new frames handler
func NewFramesHandler(svc *pipeline.Service, logger *slog.Logger) *FramesHandler {
	return &FramesHandler{svc: svc, logger: logger.With("component", "frames_handler")}
}

// FrameRequest carries base64 frames, optionally as data URLs
type FrameRequest struct {
	Frame  string   `json:"frame,omitempty"`
	Frames []string `json:"frames,omitempty"`
}

// FrameResponse is returned for a single frame. Result is set when the
// request asked to wait for matching.
type FrameResponse struct {
	*pipeline.Ack
	Result *pipeline.FrameResult `json:"result,omitempty"`
}

// Submit queues frames of a session. The body is either JSON with base64
// frames or a raw JPEG/PNG image. With ?wait=true a single frame is matched
// before responding.
func (h *FramesHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxFrameUploadSize*constants.MaxBatchFrames)

	var frames [][]byte
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req FrameRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		encoded := req.Frames
		if req.Frame != "" {
			encoded = append([]string{req.Frame}, encoded...)
		}
		if len(encoded) == 0 {
			respondError(w, http.StatusBadRequest, "no frames provided")
			return
		}
		if len(encoded) > constants.MaxBatchFrames {
			respondServiceError(w, pipeline.ErrTooManyFrames)
			return
		}
		for _, s := range encoded {
			data, err := imaging.DecodeBase64(s)
			if err != nil {
				respondServiceError(w, err)
				return
			}
			frames = append(frames, data)
		}
	} else {
		data, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxFrameUploadSize+1))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondError(w, http.StatusRequestEntityTooLarge, "frame too large")
				return
			}
			respondError(w, http.StatusBadRequest, "failed to read frame")
			return
		}
		if len(data) > constants.MaxFrameUploadSize {
			respondError(w, http.StatusRequestEntityTooLarge, "frame too large")
			return
		}
		frames = append(frames, data)
	}

	if len(frames) > 1 {
		items, err := h.svc.SubmitFrames(r.Context(), id, frames)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, items)
		return
	}

	ack, err := h.svc.SubmitFrame(r.Context(), id, frames[0])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		respondJSON(w, http.StatusAccepted, FrameResponse{Ack: ack})
		return
	}
	res, err := ack.Handle().Wait(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	result := res.(pipeline.FrameResult)
	respondJSON(w, http.StatusOK, FrameResponse{Ack: ack, Result: &result})
}

// UnknownFaces lists the archived unknown faces of a session
func (h *FramesHandler) UnknownFaces(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	records, err := h.svc.UnknownFaces(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// UnknownFaceImage serves an archived crop by its ?ref=
func (h *FramesHandler) UnknownFaceImage(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		respondError(w, http.StatusBadRequest, "missing ref")
		return
	}
	data, err := h.svc.UnknownFace(ref)
	if err != nil {
		h.logger.Debug("unknown face not served", "ref", sanitizeForLog(ref), "error", err)
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
