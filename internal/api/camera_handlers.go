package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/data"
	"github.com/technosupport/ts-frs/internal/middleware"
)

type CameraHandler struct {
	Cameras data.CameraModel
}

func NewCameraHandler(cameras data.CameraModel) *CameraHandler {
	return &CameraHandler{Cameras: cameras}
}

// POST /api/v1/cameras
func (h *CameraHandler) Create(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	var req struct {
		Name      string `json:"name"`
		RTSPURL   string `json:"rtsp_url"`
		IsEnabled *bool  `json:"is_enabled,omitempty"` // Default true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Name == "" || req.RTSPURL == "" {
		respondError(w, http.StatusBadRequest, "name and rtsp_url are required")
		return
	}

	c := &data.Camera{
		TenantID:  uuid.MustParse(ac.TenantID),
		Name:      req.Name,
		RTSPURL:   req.RTSPURL,
		IsEnabled: true,
	}
	if req.IsEnabled != nil {
		c.IsEnabled = *req.IsEnabled
	}

	if err := h.Cameras.Create(r.Context(), c); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// GET /api/v1/cameras
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	list, err := h.Cameras.List(r.Context(), uuid.MustParse(ac.TenantID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": list})
}

// GET /api/v1/cameras/{id}
func (h *CameraHandler) Get(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	cam, err := h.Cameras.GetByID(r.Context(), uuid.MustParse(ac.TenantID), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "Camera not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cam)
}

// POST /api/v1/cameras/{id}/enable
func (h *CameraHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, true)
}

// POST /api/v1/cameras/{id}/disable
func (h *CameraHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, false)
}

func (h *CameraHandler) setStatus(w http.ResponseWriter, r *http.Request, enabled bool) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	err := h.Cameras.SetStatus(r.Context(), uuid.MustParse(ac.TenantID), id, enabled)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "Camera not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := "disabled"
	if enabled {
		status = "enabled"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}
