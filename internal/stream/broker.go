package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/metrics"
	"github.com/technosupport/ts-frs/internal/mjpeg"
	"github.com/technosupport/ts-frs/internal/transcode"
)

var (
	ErrSessionNotFound    = errors.New("stream session not found")
	ErrSessionInactive    = errors.New("stream session is not active")
	ErrStreamStartTimeout = errors.New("stream did not become active in time")
)

// StreamProc is the slice of a transcoder process the broker consumes.
// *transcode.Process satisfies it.
type StreamProc interface {
	Events() <-chan transcode.Event
	Stop()
}

// Launcher starts transcoder processes. The indirection exists so broker
// tests can inject scripted processes.
type Launcher interface {
	Launch(ctx context.Context, sourceURL string) (StreamProc, error)
}

// SupervisorLauncher adapts transcode.Supervisor to the Launcher interface.
type SupervisorLauncher struct {
	Supervisor *transcode.Supervisor
}

func (l SupervisorLauncher) Launch(ctx context.Context, sourceURL string) (StreamProc, error) {
	return l.Supervisor.Start(ctx, sourceURL)
}

// Config tunes the broker.
type Config struct {
	StartTimeout    time.Duration // wait for the first complete frame
	IdleTimeout     time.Duration // zero-subscriber viewer sessions older than this are reaped
	GCInterval      time.Duration
	SubscriberQueue int
	Framer          mjpeg.Config
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 30 * time.Second
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = DefaultQueueDepth
	}
	return c
}

// StartRequest describes the stream a caller wants running.
type StartRequest struct {
	CameraID  string
	TenantID  string
	SourceURL string
	Kind      Kind
}

type camKey struct {
	cameraID string
	kind     Kind
}

type clientRef struct {
	sessionID uuid.UUID
	subID     uuid.UUID
}

// Broker owns every stream session: one transcode fan-out per (camera, kind),
// shared by all subscribers, with idle collection for viewer sessions.
type Broker struct {
	cfg      Config
	launcher Launcher

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	byCamera map[camKey]uuid.UUID
	clients  map[Client]clientRef

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBroker(launcher Launcher, cfg Config) *Broker {
	return &Broker{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		sessions: make(map[uuid.UUID]*Session),
		byCamera: make(map[camKey]uuid.UUID),
		clients:  make(map[Client]clientRef),
		stopChan: make(chan struct{}),
	}
}

// Start launches the idle collector.
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.gcLoop()
	log.Printf("[Broker] started (idle timeout %s, gc every %s)", b.cfg.IdleTimeout, b.cfg.GCInterval)
}

// Shutdown stops the collector and every session, then waits for the
// session loops to drain.
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() { close(b.stopChan) })

	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		b.StopStream(s.ID)
	}
	b.wg.Wait()
	log.Printf("[Broker] shutdown complete")
}

// StartStream starts (or reuses) the session for the requested camera and
// kind. An Active session with live subscribers is reused; a Starting session
// is joined, so concurrent starts converge on one transcoder; an Active
// session nobody is watching is replaced, since its transcode may have gone
// stale.
// Blocks until the new session produces its first complete frame or the
// start timeout expires.
func (b *Broker) StartStream(ctx context.Context, req StartRequest) (Info, error) {
	key := camKey{cameraID: req.CameraID, kind: req.Kind}

	b.mu.Lock()
	if id, ok := b.byCamera[key]; ok {
		if existing, ok := b.sessions[id]; ok {
			st := existing.State()
			if st == StateActive && (existing.subs.Count() > 0 || existing.Kind == KindRecognition) {
				existing.touch()
				b.mu.Unlock()
				return existing.info(), nil
			}
			if st == StateStarting {
				// Another caller is already bringing this stream up; join
				// its outcome instead of racing a second transcoder.
				b.mu.Unlock()
				select {
				case <-existing.ready:
					existing.touch()
					return existing.info(), nil
				case <-existing.ended:
					return b.StartStream(ctx, req)
				case <-time.After(b.cfg.StartTimeout):
					metrics.RecordStartFailure("timeout")
					return Info{}, ErrStreamStartTimeout
				case <-ctx.Done():
					return Info{}, ctx.Err()
				}
			}
			if st == StateActive {
				// Nobody watching: replace it.
				delete(b.byCamera, key)
				b.mu.Unlock()
				b.StopStream(id)
				b.mu.Lock()
			}
		}
	}

	sess := &Session{
		ID:         uuid.New(),
		CameraID:   req.CameraID,
		TenantID:   req.TenantID,
		SourceURL:  req.SourceURL,
		Kind:       req.Kind,
		state:      StateStarting,
		lastAccess: time.Now(),
		startedAt:  time.Now(),
		subs:       NewSubscriberSet(b.cfg.SubscriberQueue),
		framer:     mjpeg.NewFramer(b.cfg.Framer),
		ready:      make(chan struct{}),
		ended:      make(chan struct{}),
	}
	b.sessions[sess.ID] = sess
	b.byCamera[key] = sess.ID
	b.mu.Unlock()

	proc, err := b.launcher.Launch(ctx, req.SourceURL)
	if err != nil {
		b.removeSession(sess)
		metrics.RecordStartFailure("launch")
		return Info{}, fmt.Errorf("launch transcoder: %w", err)
	}
	sess.proc = proc
	metrics.StreamSessionsActive.WithLabelValues(string(sess.Kind)).Inc()

	b.wg.Add(1)
	go b.run(sess)

	select {
	case <-sess.ready:
		log.Printf("[Broker] session %s active for camera %s (%s)", sess.ID, sess.CameraID, sess.Kind)
		return sess.info(), nil
	case <-sess.ended:
		metrics.RecordStartFailure("exited")
		return Info{}, fmt.Errorf("%w: transcoder exited during startup", ErrSessionInactive)
	case <-time.After(b.cfg.StartTimeout):
		b.StopStream(sess.ID)
		metrics.RecordStartFailure("timeout")
		return Info{}, ErrStreamStartTimeout
	case <-ctx.Done():
		b.StopStream(sess.ID)
		return Info{}, ctx.Err()
	}
}

// run consumes the transcoder event stream until exit.
func (b *Broker) run(sess *Session) {
	defer b.wg.Done()
	for ev := range sess.proc.Events() {
		switch ev.Kind {
		case transcode.EventBytes:
			frames, desynced := sess.framer.Push(ev.Data)
			if desynced {
				metrics.RecordDesync()
				log.Printf("[Broker] session %s desynced, framer buffer reset", sess.ID)
			}
			for _, frame := range frames {
				sess.setState(StateActive)
				sess.markReady()
				msg := EncodeFrame(sess.ID.String(), frame, time.Now())
				_, dropped := sess.subs.Broadcast(msg)
				metrics.RecordBroadcast(dropped)
			}
			if len(frames) > 0 {
				sess.countFrames(len(frames), sess.framer.Stats())
			}
		case transcode.EventStderr:
			line := strings.ToLower(ev.Line)
			if strings.Contains(line, "frame=") || strings.Contains(line, "output #0") {
				// ffmpeg reports progress before the first frame finishes
				// crossing stdout; the stream is live either way.
				sess.setState(StateActive)
				sess.markReady()
			}
			if strings.Contains(line, "error") || strings.Contains(line, "failed") {
				log.Printf("[Broker] session %s transcoder: %s", sess.ID, ev.Line)
			}
		case transcode.EventExit:
			b.finish(sess, ev.Err)
		}
	}
}

// finish transitions the session to Dead, notifies subscribers and removes
// every reference to it.
func (b *Broker) finish(sess *Session, exitErr error) {
	wasStopping := sess.State() == StateStopping
	sess.setState(StateDead)
	sess.endedOnce.Do(func() { close(sess.ended) })

	reason := "stream_stopped"
	if exitErr != nil && !wasStopping {
		reason = "stream_error"
		log.Printf("[ERROR] Broker: session %s exited: %v", sess.ID, exitErr)
	}
	sess.subs.CloseAll(EncodeStopped(sess.ID.String(), reason))

	b.removeSession(sess)
	metrics.StreamSessionsActive.WithLabelValues(string(sess.Kind)).Dec()
	log.Printf("[Broker] session %s for camera %s is dead (%s)", sess.ID, sess.CameraID, reason)
}

func (b *Broker) removeSession(sess *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sess.ID)
	key := camKey{cameraID: sess.CameraID, kind: sess.Kind}
	if id, ok := b.byCamera[key]; ok && id == sess.ID {
		delete(b.byCamera, key)
	}
	for client, ref := range b.clients {
		if ref.sessionID == sess.ID {
			delete(b.clients, client)
		}
	}
}

// Subscribe attaches client to an Active session. Fails fast for unknown or
// non-active sessions so the transport can report a precise error.
func (b *Broker) Subscribe(sessionID uuid.UUID, client Client) (*Subscriber, error) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.State() != StateActive {
		return nil, ErrSessionInactive
	}

	sub := sess.subs.Attach(client)
	if sub == nil {
		return nil, ErrSessionInactive
	}
	sess.touch()

	b.mu.Lock()
	b.clients[client] = clientRef{sessionID: sessionID, subID: sub.ID}
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches the subscriber registered for client, if any. The
// session keeps running; the idle collector deals with abandoned sessions.
func (b *Broker) Unsubscribe(client Client) bool {
	b.mu.Lock()
	ref, ok := b.clients[client]
	if ok {
		delete(b.clients, client)
	}
	sess := b.sessions[ref.sessionID]
	b.mu.Unlock()
	if !ok || sess == nil {
		return false
	}

	if sub := sess.subs.Detach(ref.subID); sub != nil {
		sub.close(nil)
	}
	sess.touch()
	return true
}

// StopStream requests shutdown of a session. Returns true only for the call
// that actually initiated the stop; repeated calls return false.
func (b *Broker) StopStream(sessionID uuid.UUID) bool {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	if !sess.setState(StateStopping) {
		return false
	}
	go sess.proc.Stop()
	return true
}

// Cleanup stops the given session ids, reporting a per-id outcome.
func (b *Broker) Cleanup(ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			out[raw] = "invalid_id"
			continue
		}
		if b.StopStream(id) {
			out[raw] = "stopped"
		} else {
			out[raw] = "not_found"
		}
	}
	return out
}

// Sessions snapshots every live session.
func (b *Broker) Sessions() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	infos := make([]Info, 0, len(b.sessions))
	for _, s := range b.sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// CameraSession returns the live session registered for a camera and kind.
func (b *Broker) CameraSession(cameraID string, kind Kind) (Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byCamera[camKey{cameraID: cameraID, kind: kind}]
	if !ok {
		return Info{}, false
	}
	sess, ok := b.sessions[id]
	if !ok {
		return Info{}, false
	}
	return sess.info(), true
}

// SessionInfo returns the snapshot for one session.
func (b *Broker) SessionInfo(sessionID uuid.UUID) (Info, bool) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return sess.info(), true
}

// Health summarizes the broker for the health endpoint.
type Health struct {
	Sessions    int            `json:"sessions"`
	Subscribers int            `json:"subscribers"`
	ByState     map[string]int `json:"byState"`
}

func (b *Broker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := Health{ByState: make(map[string]int)}
	for _, s := range b.sessions {
		h.Sessions++
		h.Subscribers += s.subs.Count()
		h.ByState[s.State().String()]++
	}
	return h
}

func (b *Broker) gcLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.reapIdle()
		}
	}
}

// reapIdle stops viewer sessions nobody has touched within the idle window.
func (b *Broker) reapIdle() {
	cutoff := time.Now().Add(-b.cfg.IdleTimeout)

	b.mu.Lock()
	var idle []*Session
	for _, s := range b.sessions {
		if s.Kind != KindViewer {
			continue
		}
		if s.State() == StateActive && s.subs.Count() == 0 && s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	b.mu.Unlock()

	for _, s := range idle {
		log.Printf("[Broker] reaping idle session %s (camera %s)", s.ID, s.CameraID)
		if b.StopStream(s.ID) {
			metrics.IdleSessionsReapedTotal.Inc()
		}
	}
}
