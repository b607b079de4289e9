package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/audit"
	"github.com/technosupport/ts-frs/internal/data"
	"github.com/technosupport/ts-frs/internal/middleware"
	"github.com/technosupport/ts-frs/internal/stream"
	"github.com/technosupport/ts-frs/internal/transcode"
)

type StreamHandler struct {
	Broker  *stream.Broker
	Cameras data.CameraModel
	Audit   *audit.Service
}

func NewStreamHandler(b *stream.Broker, cameras data.CameraModel, auditSvc *audit.Service) *StreamHandler {
	return &StreamHandler{Broker: b, Cameras: cameras, Audit: auditSvc}
}

// POST /api/v1/cameras/{id}/stream/start
func (h *StreamHandler) Start(w http.ResponseWriter, r *http.Request) {
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

	info, err := h.Broker.StartStream(r.Context(), stream.StartRequest{
		CameraID:  cam.ID.String(),
		TenantID:  ac.TenantID,
		SourceURL: cam.RTSPURL,
		Kind:      stream.KindViewer,
	})
	if err != nil {
		h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "stream.start", cam.ID.String(), err)
		switch {
		case errors.Is(err, stream.ErrStreamStartTimeout):
			respondError(w, http.StatusGatewayTimeout, "Stream did not produce frames in time")
		case errors.Is(err, transcode.ErrTranscoderUnavailable):
			respondError(w, http.StatusServiceUnavailable, "Transcoder unavailable")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "stream.start", info.SessionID, nil)
	respondJSON(w, http.StatusOK, info)
}

// POST /api/v1/streams/{id}/stop
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if !h.Broker.StopStream(id) {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}
	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "stream.stop", id.String(), nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// GET /api/v1/streams
func (h *StreamHandler) List(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	all := h.Broker.Sessions()
	infos := make([]stream.Info, 0, len(all))
	for _, info := range all {
		if info.TenantID == ac.TenantID {
			infos = append(infos, info)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": infos})
}

// GET /api/v1/streams/{id}
func (h *StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	info, found := h.Broker.SessionInfo(id)
	if !found || info.TenantID != ac.TenantID {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// GET /api/v1/streams/camera/{cameraId}/url
func (h *StreamHandler) CameraURL(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	camID, ok := pathUUID(w, r, "cameraId")
	if !ok {
		return
	}

	info, found := h.Broker.CameraSession(camID.String(), stream.KindViewer)
	if !found || info.TenantID != ac.TenantID {
		respondError(w, http.StatusNotFound, "No active stream for camera")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"sessionId": info.SessionID,
		"streamUrl": "/api/v1/ws/streams?sessionId=" + info.SessionID,
		"cameraId":  info.CameraID,
	})
}

// POST /api/v1/streams/cleanup
//
// Accepts either JSON {"sessionIds":["a","b"]} or a form field
// sessionIds=a,b,c.
func (h *StreamHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	var ids []string
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid form body")
			return
		}
		for _, raw := range strings.Split(r.FormValue("sessionIds"), ",") {
			if trimmed := strings.TrimSpace(raw); trimmed != "" {
				ids = append(ids, trimmed)
			}
		}
	} else {
		var req struct {
			SessionIDs []string `json:"sessionIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		ids = req.SessionIDs
	}

	outcomes := h.Broker.Cleanup(ids)
	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "stream.cleanup", "", nil)
	respondJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

// GET /api/v1/streams/health
func (h *StreamHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Broker.Health())
}
