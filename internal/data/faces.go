package data

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/faceindex"
)

// PersonFace is one enrolled face embedding for a person.
type PersonFace struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	PersonID  uuid.UUID `json:"person_id"`
	Embedding []float32 `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type PersonFaceModel struct {
	DB DBTX
}

// EncodeEmbedding packs a float32 vector as little-endian bytes for bytea
// storage (128 floats = 512 bytes).
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// DecodeEmbedding is the inverse of EncodeEmbedding.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// ListActiveVectors loads every active embedding as index entries. Satisfies
// faceindex.Source for startup load and hot reload.
func (m PersonFaceModel) ListActiveVectors(ctx context.Context) ([]faceindex.Entry, error) {
	query := `
		SELECT id, tenant_id, person_id, embedding
		FROM person_faces
		WHERE is_active = true`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []faceindex.Entry
	for rows.Next() {
		var (
			id, tenantID, personID uuid.UUID
			blob                   []byte
		)
		if err := rows.Scan(&id, &tenantID, &personID, &blob); err != nil {
			return nil, err
		}
		vec, err := DecodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("face %s: %w", id, err)
		}
		entries = append(entries, faceindex.Entry{
			FaceID:   id.String(),
			PersonID: personID.String(),
			TenantID: tenantID.String(),
			Vector:   vec,
		})
	}
	return entries, rows.Err()
}

// GetByID fetches one face, tenant scoped.
func (m PersonFaceModel) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*PersonFace, error) {
	query := `
		SELECT id, tenant_id, person_id, embedding, is_active, created_at
		FROM person_faces
		WHERE id = $1 AND tenant_id = $2`

	var (
		f    PersonFace
		blob []byte
	)
	err := m.DB.QueryRowContext(ctx, query, id, tenantID).Scan(
		&f.ID, &f.TenantID, &f.PersonID, &blob, &f.IsActive, &f.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if f.Embedding, err = DecodeEmbedding(blob); err != nil {
		return nil, err
	}
	return &f, nil
}

// SetActive flips enrolment of one face.
func (m PersonFaceModel) SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) error {
	query := `UPDATE person_faces SET is_active = $1 WHERE id = $2 AND tenant_id = $3`
	res, err := m.DB.ExecContext(ctx, query, active, id, tenantID)
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

// Create enrolls a new face embedding.
func (m PersonFaceModel) Create(ctx context.Context, f *PersonFace) error {
	query := `
		INSERT INTO person_faces (tenant_id, person_id, embedding, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query,
		f.TenantID, f.PersonID, EncodeEmbedding(f.Embedding), f.IsActive,
	).Scan(&f.ID, &f.CreatedAt)
}
