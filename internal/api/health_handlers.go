package api

import (
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-frs/internal/faceindex"
	"github.com/technosupport/ts-frs/internal/recognition"
	"github.com/technosupport/ts-frs/internal/stream"
)

type HealthHandler struct {
	DB          *sql.DB
	Redis       *redis.Client
	Broker      *stream.Broker
	Recognition *recognition.Service
	Index       *faceindex.Index
}

// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{
		"database": "ok",
		"redis":    "ok",
	}

	if err := h.DB.PingContext(r.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.Redis.Ping(r.Context()).Err(); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, map[string]any{
		"status":      httpStatusWord(status),
		"checks":      checks,
		"streams":     h.Broker.Health(),
		"recognition": len(h.Recognition.ActiveSessions()),
		"faceIndex":   h.Index.Stats(),
	})
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}
