package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Camera is the read-side view the streaming services need: enough to
// resolve a camera id to its RTSP source, scoped to a tenant.
type Camera struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	RTSPURL   string    `json:"-"` // never serialized; contains credentials
	IsEnabled bool      `json:"is_enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type CameraModel struct {
	DB DBTX
}

// GetByID fetches one camera, strictly scoped to the tenant.
func (m CameraModel) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Camera, error) {
	query := `
		SELECT id, tenant_id, name, rtsp_url, is_enabled, created_at
		FROM cameras
		WHERE id = $1 AND tenant_id = $2`

	var c Camera
	err := m.DB.QueryRowContext(ctx, query, id, tenantID).Scan(
		&c.ID, &c.TenantID, &c.Name, &c.RTSPURL, &c.IsEnabled, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns the tenant's cameras, enabled first, then by name.
func (m CameraModel) List(ctx context.Context, tenantID uuid.UUID) ([]*Camera, error) {
	query := `
		SELECT id, tenant_id, name, rtsp_url, is_enabled, created_at
		FROM cameras
		WHERE tenant_id = $1
		ORDER BY is_enabled DESC, name ASC`

	rows, err := m.DB.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []*Camera
	for rows.Next() {
		var c Camera
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.RTSPURL, &c.IsEnabled, &c.CreatedAt); err != nil {
			return nil, err
		}
		cameras = append(cameras, &c)
	}
	return cameras, rows.Err()
}

// Create inserts a camera. Used by the migrator seed path and tests.
func (m CameraModel) Create(ctx context.Context, c *Camera) error {
	query := `
		INSERT INTO cameras (tenant_id, name, rtsp_url, is_enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query, c.TenantID, c.Name, c.RTSPURL, c.IsEnabled).
		Scan(&c.ID, &c.CreatedAt)
}

// SetStatus flips the enabled flag.
func (m CameraModel) SetStatus(ctx context.Context, tenantID, id uuid.UUID, enabled bool) error {
	query := `UPDATE cameras SET is_enabled = $1 WHERE id = $2 AND tenant_id = $3`
	res, err := m.DB.ExecContext(ctx, query, enabled, id, tenantID)
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
