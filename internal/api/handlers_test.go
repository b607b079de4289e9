package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-frs/internal/audit"
	"github.com/technosupport/ts-frs/internal/data"
	"github.com/technosupport/ts-frs/internal/middleware"
	"github.com/technosupport/ts-frs/internal/stream"
	"github.com/technosupport/ts-frs/internal/transcode"
)

var testJPEG = append(append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x11}, 2048)...), 0xFF, 0xD9)

type testEnv struct {
	mock    sqlmock.Sqlmock
	models  data.Models
	audit   *audit.Service
	tenant  uuid.UUID
	user    uuid.UUID
	broker  *stream.Broker
	launchs *fakeLauncher
}

type fakeProc struct {
	events   chan transcode.Event
	stopOnce sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{events: make(chan transcode.Event, 16)}
}

func (p *fakeProc) Events() <-chan transcode.Event { return p.events }

func (p *fakeProc) Stop() {
	p.stopOnce.Do(func() {
		p.events <- transcode.Event{Kind: transcode.EventExit}
		close(p.events)
	})
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (l *fakeLauncher) Launch(ctx context.Context, sourceURL string) (stream.StreamProc, error) {
	proc := newFakeProc()
	proc.events <- transcode.Event{Kind: transcode.EventBytes, Data: testJPEG}
	l.mu.Lock()
	l.procs = append(l.procs, proc)
	l.mu.Unlock()
	return proc, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	launcher := &fakeLauncher{}
	broker := stream.NewBroker(launcher, stream.Config{
		StartTimeout: 2 * time.Second,
		IdleTimeout:  time.Hour,
		GCInterval:   time.Hour,
	})
	t.Cleanup(broker.Shutdown)

	return &testEnv{
		mock:    mock,
		models:  data.NewModels(db),
		audit:   audit.NewService(db, nil),
		tenant:  uuid.New(),
		user:    uuid.New(),
		broker:  broker,
		launchs: launcher,
	}
}

func (e *testEnv) request(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	ctx := middleware.WithAuthContext(req.Context(), &middleware.AuthContext{
		TenantID: e.tenant.String(),
		UserID:   e.user.String(),
		Role:     "operator",
	})
	return req.WithContext(ctx)
}

func (e *testEnv) expectCamera(camID uuid.UUID, enabled bool) {
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "name", "rtsp_url", "is_enabled", "created_at"}).
		AddRow(camID, e.tenant, "Lobby", "rtsp://cam/stream", enabled, time.Now())
	e.mock.ExpectQuery(`FROM cameras`).WillReturnRows(rows)
}

func TestStreamStartReturnsSessionInfo(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	camID := uuid.New()
	env.expectCamera(camID, true)

	req := env.request("POST", "/api/v1/cameras/"+camID.String()+"/stream/start", nil)
	req.SetPathValue("id", camID.String())
	rec := httptest.NewRecorder()
	h.Start(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info stream.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, camID.String(), info.CameraID)
	assert.Equal(t, env.tenant.String(), info.TenantID)
	assert.NotEmpty(t, info.SessionID)
}

func TestStreamStartDisabledCamera(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	camID := uuid.New()
	env.expectCamera(camID, false)

	req := env.request("POST", "/api/v1/cameras/"+camID.String()+"/stream/start", nil)
	req.SetPathValue("id", camID.String())
	rec := httptest.NewRecorder()
	h.Start(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStreamStartUnknownCamera(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	camID := uuid.New()
	env.mock.ExpectQuery(`FROM cameras`).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := env.request("POST", "/api/v1/cameras/"+camID.String()+"/stream/start", nil)
	req.SetPathValue("id", camID.String())
	rec := httptest.NewRecorder()
	h.Start(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamStopAndGone(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	camID := uuid.New()
	env.expectCamera(camID, true)

	req := env.request("POST", "/x", nil)
	req.SetPathValue("id", camID.String())
	rec := httptest.NewRecorder()
	h.Start(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info stream.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))

	stopReq := env.request("POST", "/x", nil)
	stopReq.SetPathValue("id", info.SessionID)
	stopRec := httptest.NewRecorder()
	h.Stop(stopRec, stopReq)
	assert.Equal(t, http.StatusOK, stopRec.Code)

	// Teardown is asynchronous; the session disappears once the proc exits.
	require.Eventually(t, func() bool {
		getRec := httptest.NewRecorder()
		getReq := env.request("GET", "/x", nil)
		getReq.SetPathValue("id", info.SessionID)
		h.Get(getRec, getReq)
		return getRec.Code == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamListIsTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	camID := uuid.New()
	env.expectCamera(camID, true)

	req := env.request("POST", "/x", nil)
	req.SetPathValue("id", camID.String())
	rec := httptest.NewRecorder()
	h.Start(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Same broker, different tenant: list must come back empty.
	other := &testEnv{tenant: uuid.New(), user: uuid.New()}
	listReq := httptest.NewRequest("GET", "/api/v1/streams", nil)
	ctx := middleware.WithAuthContext(listReq.Context(), &middleware.AuthContext{
		TenantID: other.tenant.String(), UserID: other.user.String(), Role: "viewer",
	})
	listRec := httptest.NewRecorder()
	h.List(listRec, listReq.WithContext(ctx))

	var resp struct {
		Data []stream.Info `json:"data"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)
}

func TestStreamCleanupOutcomes(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	unknown := uuid.New().String()
	req := env.request("POST", "/api/v1/streams/cleanup", map[string]any{
		"sessionIds": []string{"not-a-uuid", unknown},
	})
	rec := httptest.NewRecorder()
	h.Cleanup(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Results map[string]string `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_id", resp.Results["not-a-uuid"])
	assert.Equal(t, "not_found", resp.Results[unknown])
}

func TestStreamCleanupFormEncoded(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	unknown := uuid.New().String()
	body := strings.NewReader("sessionIds=" + url.QueryEscape("not-a-uuid,"+unknown))
	req := httptest.NewRequest("POST", "/api/v1/streams/cleanup", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ctx := middleware.WithAuthContext(req.Context(), &middleware.AuthContext{
		TenantID: env.tenant.String(), UserID: env.user.String(), Role: "operator",
	})
	rec := httptest.NewRecorder()
	h.Cleanup(rec, req.WithContext(ctx))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Results map[string]string `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_id", resp.Results["not-a-uuid"])
	assert.Equal(t, "not_found", resp.Results[unknown])
}

func TestStreamCameraURL(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	camID := uuid.New()
	env.expectCamera(camID, true)

	startReq := env.request("POST", "/x", nil)
	startReq.SetPathValue("id", camID.String())
	startRec := httptest.NewRecorder()
	h.Start(startRec, startReq)
	require.Equal(t, http.StatusOK, startRec.Code)

	var info stream.Info
	require.NoError(t, json.Unmarshal(startRec.Body.Bytes(), &info))

	req := env.request("GET", "/x", nil)
	req.SetPathValue("cameraId", camID.String())
	rec := httptest.NewRecorder()
	h.CameraURL(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, info.SessionID, resp["sessionId"])
	assert.Equal(t, camID.String(), resp["cameraId"])
	assert.Contains(t, resp["streamUrl"], info.SessionID)
}

func TestStreamCameraURLNoActiveStream(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	req := env.request("GET", "/x", nil)
	req.SetPathValue("cameraId", uuid.New().String())
	rec := httptest.NewRecorder()
	h.CameraURL(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamStartRequiresOperatorRole(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)
	guarded := middleware.RequireRole("operator")(http.HandlerFunc(h.Start))

	req := httptest.NewRequest("POST", "/x", nil)
	ctx := middleware.WithAuthContext(req.Context(), &middleware.AuthContext{
		TenantID: env.tenant.String(), UserID: env.user.String(), Role: "viewer",
	})
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req.WithContext(ctx))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCameraCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	h := NewCameraHandler(env.models.Cameras)

	rec := httptest.NewRecorder()
	h.Create(rec, env.request("POST", "/api/v1/cameras", map[string]string{"name": "Lobby"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCameraCreate(t *testing.T) {
	env := newTestEnv(t)
	h := NewCameraHandler(env.models.Cameras)

	env.mock.ExpectQuery(`INSERT INTO cameras`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.New(), time.Now()))

	rec := httptest.NewRecorder()
	h.Create(rec, env.request("POST", "/api/v1/cameras", map[string]any{
		"name":     "Lobby",
		"rtsp_url": "rtsp://cam/stream",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var cam data.Camera
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cam))
	assert.Equal(t, "Lobby", cam.Name)
	assert.True(t, cam.IsEnabled)
}

func TestRequestWithoutAuthContextIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.broker, env.models.Cameras, env.audit)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest("GET", "/api/v1/streams", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
