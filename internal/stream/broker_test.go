package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-frs/internal/transcode"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

func newUUID() uuid.UUID { return uuid.New() }

func testJPEG(payload int) []byte {
	frame := make([]byte, 0, payload+4)
	frame = append(frame, 0xFF, 0xD8)
	for i := 0; i < payload; i++ {
		frame = append(frame, byte(i%251))
	}
	frame = append(frame, 0xFF, 0xD9)
	return frame
}

// fakeProc is a scripted transcoder process.
type fakeProc struct {
	events   chan transcode.Event
	stopOnce sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{events: make(chan transcode.Event, 64)}
}

func (p *fakeProc) Events() <-chan transcode.Event { return p.events }

func (p *fakeProc) Stop() {
	p.stopOnce.Do(func() {
		p.events <- transcode.Event{Kind: transcode.EventExit}
		close(p.events)
	})
}

func (p *fakeProc) emitFrame(frame []byte) {
	p.events <- transcode.Event{Kind: transcode.EventBytes, Data: frame}
}

func (p *fakeProc) emitStderr(line string) {
	p.events <- transcode.Event{Kind: transcode.EventStderr, Line: line}
}

// fakeLauncher hands out scripted processes and remembers them.
type fakeLauncher struct {
	mu        sync.Mutex
	procs     []*fakeProc
	launchErr error
	autoFrame bool // emit one frame immediately on launch
}

func (l *fakeLauncher) Launch(_ context.Context, _ string) (StreamProc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	p := newFakeProc()
	if l.autoFrame {
		p.emitFrame(testJPEG(2048))
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func testBroker(l Launcher) *Broker {
	return NewBroker(l, Config{
		StartTimeout: 2 * time.Second,
		IdleTimeout:  time.Hour,
		GCInterval:   time.Hour,
	})
}

func TestStartStreamBecomesActiveOnFirstFrame(t *testing.T) {
	l := &fakeLauncher{autoFrame: true}
	b := testBroker(l)

	info, err := b.StartStream(context.Background(), StartRequest{
		CameraID: "cam-1", TenantID: "t-1", SourceURL: "rtsp://x", Kind: KindViewer,
	})
	require.NoError(t, err)
	assert.Equal(t, "active", info.State)
	assert.Equal(t, "cam-1", info.CameraID)
	b.Shutdown()
}

func TestStartStreamTimeout(t *testing.T) {
	l := &fakeLauncher{} // never emits a frame
	b := NewBroker(l, Config{StartTimeout: 100 * time.Millisecond, IdleTimeout: time.Hour, GCInterval: time.Hour})

	_, err := b.StartStream(context.Background(), StartRequest{
		CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x",
	})
	assert.ErrorIs(t, err, ErrStreamStartTimeout)
	b.Shutdown()
}

func TestStartStreamLaunchFailure(t *testing.T) {
	l := &fakeLauncher{launchErr: errors.New("no such binary")}
	b := testBroker(l)

	_, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer})
	assert.Error(t, err)
	assert.Empty(t, b.Sessions())
}

func TestStartStreamReusesWatchedSession(t *testing.T) {
	l := &fakeLauncher{autoFrame: true}
	b := testBroker(l)

	first, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"})
	require.NoError(t, err)

	// Attach a subscriber so the session counts as watched.
	id := mustUUID(t, first.SessionID)
	_, err = b.Subscribe(id, newFakeClient())
	require.NoError(t, err)

	second, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, l.launched())
	b.Shutdown()
}

func TestStartStreamReplacesUnwatchedSession(t *testing.T) {
	l := &fakeLauncher{autoFrame: true}
	b := testBroker(l)

	first, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"})
	require.NoError(t, err)

	second, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, l.launched())
	b.Shutdown()
}

func TestConcurrentStartsConvergeOnOneSession(t *testing.T) {
	l := &fakeLauncher{}
	b := testBroker(l)
	req := StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"}

	type result struct {
		info Info
		err  error
	}
	firstDone := make(chan result, 1)
	go func() {
		info, err := b.StartStream(context.Background(), req)
		firstDone <- result{info, err}
	}()
	waitFor(t, func() bool { return l.launched() == 1 })

	// Deliver the first frame only after the second caller has had time to
	// block on the starting session.
	go func() {
		time.Sleep(100 * time.Millisecond)
		l.proc(0).emitFrame(testJPEG(2048))
	}()

	second, err := b.StartStream(context.Background(), req)
	require.NoError(t, err)

	first := <-firstDone
	require.NoError(t, first.err)
	assert.Equal(t, first.info.SessionID, second.SessionID)
	assert.Equal(t, 1, l.launched())
	b.Shutdown()
}

func TestStartStreamActivatesOnTranscoderProgress(t *testing.T) {
	l := &fakeLauncher{}
	b := testBroker(l)

	go func() {
		for l.launched() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		l.proc(0).emitStderr("frame=    1 fps=0.0 q=5.0 size=N/A time=00:00:00.06 bitrate=N/A")
	}()

	info, err := b.StartStream(context.Background(), StartRequest{
		CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x",
	})
	require.NoError(t, err)
	assert.Equal(t, "active", info.State)
	assert.Zero(t, info.Frames)
	b.Shutdown()
}

func TestSubscribeAndReceiveFrames(t *testing.T) {
	l := &fakeLauncher{autoFrame: true}
	b := testBroker(l)

	info, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"})
	require.NoError(t, err)

	client := newFakeClient()
	_, err = b.Subscribe(mustUUID(t, info.SessionID), client)
	require.NoError(t, err)

	frame := testJPEG(4096)
	l.proc(0).emitFrame(frame)

	waitFor(t, func() bool { return len(client.messages()) >= 1 })

	var env struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		Data      string `json:"data"`
		Timestamp int64  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(client.messages()[0], &env))
	assert.Equal(t, EnvelopeFrame, env.Type)
	assert.Equal(t, info.SessionID, env.SessionID)
	assert.Greater(t, env.Timestamp, int64(0))
	decoded, err := base64.StdEncoding.DecodeString(env.Data)
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
	b.Shutdown()
}

func TestSubscribeUnknownSession(t *testing.T) {
	b := testBroker(&fakeLauncher{})
	_, err := b.Subscribe(newUUID(), newFakeClient())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStopStreamIsIdempotentAndNotifiesSubscribers(t *testing.T) {
	l := &fakeLauncher{autoFrame: true}
	b := testBroker(l)

	info, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"})
	require.NoError(t, err)
	id := mustUUID(t, info.SessionID)

	client := newFakeClient()
	_, err = b.Subscribe(id, client)
	require.NoError(t, err)

	assert.True(t, b.StopStream(id))
	assert.False(t, b.StopStream(id))

	waitFor(t, func() bool { return client.isClosed() })
	msgs := client.messages()
	require.NotEmpty(t, msgs)
	var env map[string]any
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &env))
	assert.Equal(t, EnvelopeStreamStopped, env["type"])

	waitFor(t, func() bool { return len(b.Sessions()) == 0 })
	assert.False(t, b.StopStream(id))
}

func TestCleanupOutcomes(t *testing.T) {
	l := &fakeLauncher{autoFrame: true}
	b := testBroker(l)

	info, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"})
	require.NoError(t, err)

	out := b.Cleanup([]string{info.SessionID, newUUID().String(), "garbage"})
	assert.Equal(t, "stopped", out[info.SessionID])
	assert.Equal(t, "invalid_id", out["garbage"])
	for id, outcome := range out {
		if id != info.SessionID && id != "garbage" {
			assert.Equal(t, "not_found", outcome)
		}
	}
	b.Shutdown()
}

func TestIdleCollectorReapsAbandonedViewerSessions(t *testing.T) {
	l := &fakeLauncher{autoFrame: true}
	b := NewBroker(l, Config{
		StartTimeout: 2 * time.Second,
		IdleTimeout:  50 * time.Millisecond,
		GCInterval:   20 * time.Millisecond,
	})
	b.Start()

	_, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindViewer, SourceURL: "rtsp://x"})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(b.Sessions()) == 0 })
	b.Shutdown()
}

func TestIdleCollectorSparesRecognitionSessions(t *testing.T) {
	l := &fakeLauncher{autoFrame: true}
	b := NewBroker(l, Config{
		StartTimeout: 2 * time.Second,
		IdleTimeout:  50 * time.Millisecond,
		GCInterval:   20 * time.Millisecond,
	})
	b.Start()

	_, err := b.StartStream(context.Background(), StartRequest{CameraID: "cam-1", Kind: KindRecognition, SourceURL: "rtsp://x"})
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, b.Sessions(), 1)
	b.Shutdown()
}
