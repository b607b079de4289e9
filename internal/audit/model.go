package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a single append-only audit record. EventID doubles as the
// idempotency key for spool replay.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	EventID     uuid.UUID       `json:"event_id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	ActorUserID *uuid.UUID      `json:"actor_user_id,omitempty"`
	Action      string          `json:"action"`
	TargetID    string          `json:"target_id,omitempty"`
	Result      string          `json:"result"` // success or failure
	ReasonCode  string          `json:"reason_code,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	ClientIP    string          `json:"client_ip,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Filter narrows QueryEvents.
type Filter struct {
	TenantID uuid.UUID
	Action   string
	Result   string
	Limit    int
	Cursor   string // id-based cursor for scrolling
}

type Service struct {
	DB    *sql.DB
	spool *Spool
}

func NewService(db *sql.DB, spool *Spool) *Service {
	return &Service{DB: db, spool: spool}
}
