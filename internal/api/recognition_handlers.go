package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/audit"
	"github.com/technosupport/ts-frs/internal/data"
	"github.com/technosupport/ts-frs/internal/middleware"
	"github.com/technosupport/ts-frs/internal/recognition"
)

type RecognitionHandler struct {
	Service    *recognition.Service
	Cameras    data.CameraModel
	Detections data.DetectionModel
	Latest     *recognition.LatestCache
	Audit      *audit.Service
}

// POST /api/v1/cameras/{id}/recognition/start
func (h *RecognitionHandler) Start(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	camID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	cam, err := h.Cameras.GetByID(r.Context(), uuid.MustParse(ac.TenantID), camID)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "Camera not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cam.IsEnabled {
		respondError(w, http.StatusConflict, "Camera is disabled")
		return
	}

	err = h.Service.StartSession(recognition.CameraStream{
		CameraID:  cam.ID.String(),
		TenantID:  ac.TenantID,
		SourceURL: cam.RTSPURL,
	})
	if errors.Is(err, recognition.ErrSessionExists) {
		respondError(w, http.StatusConflict, "Recognition already running for camera")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "recognition.start", cam.ID.String(), nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// POST /api/v1/cameras/{id}/recognition/stop
func (h *RecognitionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	camID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if !h.Service.StopSession(camID.String()) {
		respondError(w, http.StatusNotFound, "No recognition session for camera")
		return
	}
	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "recognition.stop", camID.String(), nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// GET /api/v1/recognition/sessions
func (h *RecognitionHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	all := h.Service.ActiveSessions()
	out := make([]recognition.SessionStatus, 0, len(all))
	for _, s := range all {
		if s.TenantID == ac.TenantID {
			out = append(out, s)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": out})
}

// GET /api/v1/cameras/{id}/detections/latest
func (h *RecognitionHandler) LatestDetection(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	camID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	event, err := h.Latest.GetLatest(r.Context(), ac.TenantID, camID.String())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if event == nil {
		// No fresh detection within the TTL window.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, event)
}

// GET /api/v1/cameras/{id}/detections?limit=50
func (h *RecognitionHandler) ListDetections(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	camID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}

	list, err := h.Detections.ListRecent(r.Context(), uuid.MustParse(ac.TenantID), camID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": list})
}

// POST /api/v1/detections/{id}/status
func (h *RecognitionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	err := h.Detections.UpdateStatus(r.Context(), uuid.MustParse(ac.TenantID), id, req.Status)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "Detection not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "detection.review", id.String(), nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}
