package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/audit"
	"github.com/technosupport/ts-frs/internal/middleware"
)

type AuditHandler struct {
	Service *audit.Service
}

// GET /api/v1/audit/events?action=&result=&limit=&cursor=
func (h *AuditHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	f := audit.Filter{
		TenantID: uuid.MustParse(ac.TenantID),
		Action:   r.URL.Query().Get("action"),
		Result:   r.URL.Query().Get("result"),
		Cursor:   r.URL.Query().Get("cursor"),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		f.Limit, _ = strconv.Atoi(l)
	}

	events, cursor, err := h.Service.QueryEvents(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": events, "next_cursor": cursor})
}
