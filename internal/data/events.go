package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/events"
)

// EventRow is the persisted form of a scheduled recognition event.
type EventRow struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	Name          string     `json:"name"`
	IsActive      bool       `json:"is_active"`
	Recurrence    string     `json:"recurrence"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	StartTime     string     `json:"start_time"`
	EndTime       string     `json:"end_time"`
	WeekdayMask   int        `json:"weekday_mask"`
	DayOfMonth    int        `json:"day_of_month"`
	CreatedAt     time.Time  `json:"created_at"`
}

type EventModel struct {
	DB DBTX
}

func toSchedule(row EventRow) (events.Schedule, error) {
	start, err := events.ParseClock(row.StartTime)
	if err != nil {
		return events.Schedule{}, fmt.Errorf("event %s start: %w", row.ID, err)
	}
	end, err := events.ParseClock(row.EndTime)
	if err != nil {
		return events.Schedule{}, fmt.Errorf("event %s end: %w", row.ID, err)
	}
	return events.Schedule{
		ID:            row.ID.String(),
		TenantID:      row.TenantID.String(),
		Name:          row.Name,
		Recurrence:    events.Recurrence(row.Recurrence),
		ScheduledDate: row.ScheduledDate,
		StartMinute:   start,
		EndMinute:     end,
		WeekdayMask:   row.WeekdayMask,
		DayOfMonth:    row.DayOfMonth,
	}, nil
}

const eventColumns = `id, tenant_id, name, is_active, recurrence, scheduled_date,
	       start_time, end_time, weekday_mask, day_of_month, created_at`

func scanEvent(row interface{ Scan(...any) error }) (EventRow, error) {
	var ev EventRow
	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.Name, &ev.IsActive, &ev.Recurrence, &ev.ScheduledDate,
		&ev.StartTime, &ev.EndTime, &ev.WeekdayMask, &ev.DayOfMonth, &ev.CreatedAt,
	)
	return ev, err
}

// ListActiveEvents returns the schedules of every enabled event across all
// tenants. Satisfies events.Source.
func (m EventModel) ListActiveEvents(ctx context.Context) ([]events.Schedule, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE is_active = true`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []events.Schedule
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		sched, err := toSchedule(ev)
		if err != nil {
			// A malformed row must not poison the whole reconcile pass.
			continue
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// ListEventCameras returns the event's cameras joined with their sources.
// Cameras disabled at the camera level are reported as disabled pairs.
func (m EventModel) ListEventCameras(ctx context.Context, eventID string) ([]events.EventCamera, error) {
	query := `
		SELECT c.id, c.rtsp_url, ec.enabled AND c.is_enabled
		FROM event_cameras ec
		JOIN cameras c ON c.id = ec.camera_id
		WHERE ec.event_id = $1`

	rows, err := m.DB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []events.EventCamera
	for rows.Next() {
		var (
			id      uuid.UUID
			url     string
			enabled bool
		)
		if err := rows.Scan(&id, &url, &enabled); err != nil {
			return nil, err
		}
		cameras = append(cameras, events.EventCamera{CameraID: id.String(), SourceURL: url, Enabled: enabled})
	}
	return cameras, rows.Err()
}

// GetEvent fetches one event as a schedule. Satisfies events.Source.
func (m EventModel) GetEvent(ctx context.Context, eventID string) (events.Schedule, error) {
	id, err := uuid.Parse(eventID)
	if err != nil {
		return events.Schedule{}, events.ErrEventNotFound
	}
	row, err := m.getRow(ctx, id)
	if err != nil {
		return events.Schedule{}, err
	}
	return toSchedule(*row)
}

// GetByID fetches the raw event row, tenant scoped, for the REST surface.
func (m EventModel) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*EventRow, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 AND tenant_id = $2`
	ev, err := scanEvent(m.DB.QueryRowContext(ctx, query, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (m EventModel) getRow(ctx context.Context, id uuid.UUID) (*EventRow, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	ev, err := scanEvent(m.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, events.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// List returns the tenant's events.
func (m EventModel) List(ctx context.Context, tenantID uuid.UUID) ([]*EventRow, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := m.DB.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventRow
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// SetActive toggles an event, tenant scoped.
func (m EventModel) SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) error {
	query := `UPDATE events SET is_active = $1 WHERE id = $2 AND tenant_id = $3`
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
