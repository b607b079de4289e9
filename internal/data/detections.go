package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/recognition"
)

// DetectionRecord is the persisted form of one recognized face occurrence.
type DetectionRecord struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	CameraID      uuid.UUID  `json:"camera_id"`
	EventID       *uuid.UUID `json:"event_id,omitempty"`
	CapturedAt    time.Time  `json:"captured_at"`
	BoxX          int        `json:"box_x"`
	BoxY          int        `json:"box_y"`
	BoxW          int        `json:"box_w"`
	BoxH          int        `json:"box_h"`
	Confidence    float64    `json:"confidence"`
	Outcome       string     `json:"outcome"`
	MatchedFaceID *uuid.UUID `json:"matched_face_id,omitempty"`
	MatchDistance *float64   `json:"match_distance,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Detection review states.
const (
	StatusUnconfirmed = "unconfirmed"
	StatusConfirmed   = "confirmed"
	StatusRejected    = "rejected"
)

// DetectionModel needs *sql.DB rather than DBTX: batch writes run in their
// own transaction.
type DetectionModel struct {
	DB *sql.DB
}

// SaveBatch persists one frame's detections atomically. Satisfies
// recognition.Sink.
func (m DetectionModel) SaveBatch(ctx context.Context, batch recognition.Batch) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin detection tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO detections (
			id, tenant_id, camera_id, event_id, captured_at,
			box_x, box_y, box_w, box_h, confidence,
			outcome, matched_face_id, match_distance, embedding, crop, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	for _, det := range batch.Detections {
		var distance *float64
		if det.MatchDistance != nil {
			d := float64(*det.MatchDistance)
			distance = &d
		}
		_, err := tx.ExecContext(ctx, query,
			det.ID, det.TenantID, det.CameraID, det.EventID, det.CapturedAt,
			det.Box.X, det.Box.Y, det.Box.W, det.Box.H, det.Confidence,
			det.Outcome, det.MatchedFaceID, distance,
			EncodeEmbedding(det.Embedding), det.Crop, StatusUnconfirmed,
		)
		if err != nil {
			return fmt.Errorf("insert detection %s: %w", det.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateStatus moves a detection through review, tenant scoped.
func (m DetectionModel) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, status string) error {
	if status != StatusConfirmed && status != StatusRejected && status != StatusUnconfirmed {
		return fmt.Errorf("invalid detection status %q", status)
	}
	query := `UPDATE detections SET status = $1 WHERE id = $2 AND tenant_id = $3`
	res, err := m.DB.ExecContext(ctx, query, status, id, tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListRecent returns the newest detections for a camera.
func (m DetectionModel) ListRecent(ctx context.Context, tenantID, cameraID uuid.UUID, limit int) ([]*DetectionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT id, tenant_id, camera_id, event_id, captured_at,
		       box_x, box_y, box_w, box_h, confidence,
		       outcome, matched_face_id, match_distance, status, created_at
		FROM detections
		WHERE tenant_id = $1 AND camera_id = $2
		ORDER BY captured_at DESC
		LIMIT $3`

	rows, err := m.DB.QueryContext(ctx, query, tenantID, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DetectionRecord
	for rows.Next() {
		var d DetectionRecord
		if err := rows.Scan(
			&d.ID, &d.TenantID, &d.CameraID, &d.EventID, &d.CapturedAt,
			&d.BoxX, &d.BoxY, &d.BoxW, &d.BoxH, &d.Confidence,
			&d.Outcome, &d.MatchedFaceID, &d.MatchDistance, &d.Status, &d.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
