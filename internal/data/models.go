package data

import (
	"context"
	"database/sql"
	"errors"
)

var ErrRecordNotFound = errors.New("record not found")

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Models bundles every model over one database handle.
type Models struct {
	Cameras     CameraModel
	PersonFaces PersonFaceModel
	Detections  DetectionModel
	Events      EventModel
}

func NewModels(db *sql.DB) Models {
	return Models{
		Cameras:     CameraModel{DB: db},
		PersonFaces: PersonFaceModel{DB: db},
		Detections:  DetectionModel{DB: db},
		Events:      EventModel{DB: db},
	}
}
