package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (sqlmock.Sqlmock, *Service, *Spool) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	spool, err := NewSpool(t.TempDir(), 1)
	require.NoError(t, err)
	return mock, NewService(db, spool), spool
}

func TestWriteEventInserts(t *testing.T) {
	mock, svc, _ := newService(t)

	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))

	evt := Event{
		TenantID:  uuid.New(),
		Action:    "stream.start",
		TargetID:  uuid.New().String(),
		Result:    "success",
		CreatedAt: time.Now(),
	}
	require.NoError(t, svc.WriteEvent(context.Background(), evt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteEventSpoolsOnDBFailure(t *testing.T) {
	mock, svc, spool := newService(t)

	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnError(errors.New("connection refused"))

	evt := Event{
		EventID:  uuid.New(),
		TenantID: uuid.New(),
		Action:   "event.toggle",
		Result:   "success",
	}
	require.NoError(t, svc.WriteEvent(context.Background(), evt))

	raw, err := os.ReadFile(filepath.Join(spool.dir, spoolFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), evt.EventID.String())
	assert.Contains(t, string(raw), "event.toggle")
}

func TestReplaySpoolFlushesToDB(t *testing.T) {
	mock, svc, spool := newService(t)

	evt := Event{EventID: uuid.New(), TenantID: uuid.New(), Action: "face.activate", Result: "success"}
	require.NoError(t, spool.Write(evt))

	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))

	svc.replaySpool(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())
	_, err := os.Stat(filepath.Join(spool.dir, spoolFile))
	assert.True(t, os.IsNotExist(err))
}

func TestQueryEventsFiltersAndCursor(t *testing.T) {
	mock, svc, _ := newService(t)
	tenantID := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "event_id", "tenant_id", "actor_user_id", "action",
		"target_id", "result", "reason_code", "created_at", "metadata",
	}).AddRow(uuid.New(), uuid.New(), tenantID, nil, "stream.start", "cam-1", "success", "", time.Now(), nil)

	mock.ExpectQuery(`FROM audit_logs`).
		WithArgs(tenantID, "stream.start", 50).
		WillReturnRows(rows)

	events, cursor, err := svc.QueryEvents(context.Background(), Filter{TenantID: tenantID, Action: "stream.start"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, events[0].ID.String(), cursor)
}
