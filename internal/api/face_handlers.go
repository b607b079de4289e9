package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/audit"
	"github.com/technosupport/ts-frs/internal/data"
	"github.com/technosupport/ts-frs/internal/faceindex"
	"github.com/technosupport/ts-frs/internal/middleware"
)

type FaceHandler struct {
	Faces data.PersonFaceModel
	Index *faceindex.Index
	Audit *audit.Service
}

// POST /api/v1/faces/{id}/activate
func (h *FaceHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	tenantID := uuid.MustParse(ac.TenantID)

	if err := h.Faces.SetActive(r.Context(), tenantID, id, true); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Face not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	face, err := h.Faces.GetByID(r.Context(), tenantID, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.Index.Insert(faceindex.Entry{
		FaceID:   face.ID.String(),
		PersonID: face.PersonID.String(),
		TenantID: face.TenantID.String(),
		Vector:   face.Embedding,
	}); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "face.activate", id.String(), nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// POST /api/v1/faces/{id}/deactivate
func (h *FaceHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.Faces.SetActive(r.Context(), uuid.MustParse(ac.TenantID), id, false); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Face not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Index.Remove(ac.TenantID, id.String())

	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "face.deactivate", id.String(), nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

// POST /api/v1/faces/reload
func (h *FaceHandler) Reload(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	if err := h.Index.Initialize(r.Context(), h.Faces); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "faces.reload", "", nil)
	respondJSON(w, http.StatusOK, h.Index.Stats())
}

// GET /api/v1/faces/index/stats
func (h *FaceHandler) IndexStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Index.Stats())
}
