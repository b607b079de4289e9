package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/audit"
)

type AuditMiddleware struct {
	service *audit.Service
}

func NewAuditMiddleware(s *audit.Service) *AuditMiddleware {
	return &AuditMiddleware{service: s}
}

// LogRequest writes an audit record for every mutating request.
func (m *AuditMiddleware) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return
		}

		evt := audit.Event{
			EventID:   uuid.New(),
			Action:    "http." + strings.ToLower(r.Method),
			TargetID:  r.URL.Path,
			Result:    "success",
			RequestID: r.Header.Get("X-Request-ID"),
			ClientIP:  extractIP(r),
			UserAgent: r.UserAgent(),
			CreatedAt: time.Now().UTC(),
		}
		evt.Metadata = json.RawMessage(fmt.Sprintf(`{"latency_ms": %d}`, time.Since(start).Milliseconds()))

		if ww.status >= 400 {
			evt.Result = "failure"
			evt.ReasonCode = fmt.Sprintf("http_%d", ww.status)
		}

		if ac, ok := GetAuthContext(r.Context()); ok {
			if tid, err := uuid.Parse(ac.TenantID); err == nil {
				evt.TenantID = tid
			}
			if uid, err := uuid.Parse(ac.UserID); err == nil {
				evt.ActorUserID = &uid
			}
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.service.WriteEvent(ctx, evt)
		}()
	})
}

type responseCapture struct {
	http.ResponseWriter
	status int
}

func (w *responseCapture) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return r.RemoteAddr
}
