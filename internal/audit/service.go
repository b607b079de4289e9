package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Record writes one action audit event asynchronously. Handlers call this on
// every mutating operation; a nil actionErr means the action succeeded.
func (s *Service) Record(ctx context.Context, tenantID, userID, action, targetID string, actionErr error) {
	evt := Event{
		EventID:   uuid.New(),
		Action:    action,
		TargetID:  targetID,
		Result:    "success",
		CreatedAt: time.Now().UTC(),
	}
	if actionErr != nil {
		evt.Result = "failure"
		evt.ReasonCode = truncate(actionErr.Error(), 100)
	}
	if tid, err := uuid.Parse(tenantID); err == nil {
		evt.TenantID = tid
	}
	if uid, err := uuid.Parse(userID); err == nil {
		evt.ActorUserID = &uid
	}

	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.WriteEvent(wctx, evt); err != nil {
			log.Printf("[ERROR] Audit write: %v", err)
		}
	}()
}

// WriteEvent inserts the event, spooling to disk when the database is down.
// Replays use ON CONFLICT to stay idempotent.
func (s *Service) WriteEvent(ctx context.Context, evt Event) error {
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}

	query := `
		INSERT INTO audit_logs (
			event_id, tenant_id, actor_user_id, action, target_id,
			result, reason_code, request_id, client_ip, user_agent, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING`

	_, err := s.DB.ExecContext(ctx, query,
		evt.EventID, evt.TenantID, evt.ActorUserID, evt.Action, evt.TargetID,
		evt.Result, evt.ReasonCode, evt.RequestID, evt.ClientIP, evt.UserAgent, evt.Metadata, evt.CreatedAt,
	)
	if err != nil {
		if s.spool == nil {
			return fmt.Errorf("audit insert: %w", err)
		}
		log.Printf("[Audit] DB write failed, spooling event %s: %v", evt.EventID, err)
		if spoolErr := s.spool.Write(evt); spoolErr != nil {
			return fmt.Errorf("audit insert failed and spool failed: %w", spoolErr)
		}
	}
	return nil
}

// QueryEvents returns events newest-first with id cursor pagination.
func (s *Service) QueryEvents(ctx context.Context, f Filter) ([]Event, string, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	q := `SELECT id, event_id, tenant_id, actor_user_id, action, target_id, result, reason_code, created_at, metadata
	      FROM audit_logs
	      WHERE tenant_id = $1`
	args := []any{f.TenantID}
	idx := 2

	if f.Action != "" {
		q += fmt.Sprintf(" AND action = $%d", idx)
		args = append(args, f.Action)
		idx++
	}
	if f.Result != "" {
		q += fmt.Sprintf(" AND result = $%d", idx)
		args = append(args, f.Result)
		idx++
	}
	if f.Cursor != "" {
		q += fmt.Sprintf(" AND id < $%d", idx)
		args = append(args, f.Cursor)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, f.Limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var (
		events []Event
		lastID string
	)
	for rows.Next() {
		var evt Event
		if err := rows.Scan(
			&evt.ID, &evt.EventID, &evt.TenantID, &evt.ActorUserID, &evt.Action,
			&evt.TargetID, &evt.Result, &evt.ReasonCode, &evt.CreatedAt, &evt.Metadata,
		); err != nil {
			return nil, "", err
		}
		events = append(events, evt)
		lastID = evt.ID.String()
	}
	return events, lastID, rows.Err()
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
