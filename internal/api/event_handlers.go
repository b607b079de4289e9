package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/audit"
	"github.com/technosupport/ts-frs/internal/data"
	"github.com/technosupport/ts-frs/internal/events"
	"github.com/technosupport/ts-frs/internal/middleware"
)

type EventHandler struct {
	Events    data.EventModel
	Scheduler *events.Scheduler
	Audit     *audit.Service
}

// GET /api/v1/events
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	list, err := h.Events.List(r.Context(), uuid.MustParse(ac.TenantID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": list})
}

// GET /api/v1/events/{id}
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	ev, err := h.Events.GetByID(r.Context(), uuid.MustParse(ac.TenantID), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

// POST /api/v1/events/{id}/enable
func (h *EventHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// POST /api/v1/events/{id}/disable
func (h *EventHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *EventHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	err := h.Events.SetActive(r.Context(), uuid.MustParse(ac.TenantID), id, active)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "event.toggle", id.String(), nil)

	// Apply the change now instead of waiting for the next tick.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.Scheduler.Reconcile(ctx)
	}()

	status := "disabled"
	if active {
		status = "enabled"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

// POST /api/v1/events/{id}/start
func (h *EventHandler) ManualStart(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	started, err := h.Scheduler.ManuallyStartEvent(r.Context(), id.String())
	if errors.Is(err, events.ErrEventNotFound) {
		respondError(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "event.manual_start", id.String(), nil)
	respondJSON(w, http.StatusOK, map[string]any{"status": "started", "cameras": started})
}

// POST /api/v1/events/{id}/stop
func (h *EventHandler) ManualStop(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	stopped := h.Scheduler.ManuallyStopEvent(id.String())
	h.Audit.Record(r.Context(), ac.TenantID, ac.UserID, "event.manual_stop", id.String(), nil)
	respondJSON(w, http.StatusOK, map[string]any{"status": "stopped", "cameras": stopped})
}

// GET /api/v1/scheduler/health
func (h *EventHandler) SchedulerHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Scheduler.Health())
}
