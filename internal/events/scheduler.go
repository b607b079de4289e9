package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-frs/internal/metrics"
	"github.com/technosupport/ts-frs/internal/recognition"
)

var ErrEventNotFound = errors.New("event not found")

// EventCamera is one camera attached to an event.
type EventCamera struct {
	CameraID  string
	SourceURL string
	Enabled   bool
}

// Source supplies the persisted schedule state each reconciliation reads.
type Source interface {
	ListActiveEvents(ctx context.Context) ([]Schedule, error)
	ListEventCameras(ctx context.Context, eventID string) ([]EventCamera, error)
	GetEvent(ctx context.Context, eventID string) (Schedule, error)
}

// Controller is the recognition service surface the scheduler drives.
type Controller interface {
	StartSession(stream recognition.CameraStream) error
	StopSession(cameraID string) bool
	ActiveSessions() []recognition.SessionStatus
}

// Config tunes the scheduler.
type Config struct {
	Tick        time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Location    *time.Location
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type pairKey struct {
	eventID  string
	cameraID string
}

type backoffState struct {
	failures int
	until    time.Time
}

// Scheduler reconciles the desired set of (event, camera) recognition
// sessions against what the recognition service is actually running. Every
// pass is idempotent: a session already in the desired state is left alone.
type Scheduler struct {
	cfg        Config
	source     Source
	controller Controller

	// reconcileMu serializes reconciliation passes; manual triggers and the
	// tick loop never interleave.
	reconcileMu sync.Mutex
	backoffs    map[pairKey]backoffState

	statusMu      sync.Mutex
	lastReconcile time.Time
	lastError     string

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

func NewScheduler(cfg Config, source Source, controller Controller) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:        cfg,
		source:     source,
		controller: controller,
		backoffs:   make(map[pairKey]backoffState),
		quit:       make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("[Scheduler] started (tick %s, tz %s)", s.cfg.Tick, s.cfg.Location)
}

// Stop halts the tick loop. Running sessions are left to the caller.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
	log.Printf("[Scheduler] stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Tick)
			if err := s.Reconcile(ctx); err != nil {
				log.Printf("[ERROR] Scheduler: reconcile failed: %v", err)
			}
			cancel()
		}
	}
}

type desiredEntry struct {
	eventID   string
	tenantID  string
	sourceURL string
}

// Reconcile runs one pass: compute the desired sessions from active event
// windows, stop scheduler-owned sessions no longer desired, and start the
// missing ones. Failed starts back off per (event, camera) pair.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	now := s.now().In(s.cfg.Location)

	events, err := s.source.ListActiveEvents(ctx)
	if err != nil {
		s.setStatus(now, err)
		return fmt.Errorf("list active events: %w", err)
	}

	desired := make(map[string]desiredEntry)
	for _, ev := range events {
		if !ev.ActiveAt(now) {
			continue
		}
		cameras, err := s.source.ListEventCameras(ctx, ev.ID)
		if err != nil {
			s.setStatus(now, err)
			return fmt.Errorf("list cameras for event %s: %w", ev.ID, err)
		}
		for _, cam := range cameras {
			if !cam.Enabled {
				continue
			}
			if _, taken := desired[cam.CameraID]; taken {
				// One session per camera; the first active event wins.
				continue
			}
			desired[cam.CameraID] = desiredEntry{eventID: ev.ID, tenantID: ev.TenantID, sourceURL: cam.SourceURL}
		}
	}

	actual := s.controller.ActiveSessions()

	// Stop scheduler-owned sessions that are no longer desired. Manual
	// sessions (no event id) are never touched.
	for _, sess := range actual {
		if sess.EventID == nil {
			continue
		}
		want, ok := desired[sess.CameraID]
		if ok && want.eventID == *sess.EventID {
			continue
		}
		log.Printf("[Scheduler] stopping session for camera %s (event %s window closed)", sess.CameraID, *sess.EventID)
		s.controller.StopSession(sess.CameraID)
	}

	running := make(map[string]bool, len(actual))
	manual := make(map[string]bool)
	for _, sess := range actual {
		running[sess.CameraID] = true
		if sess.EventID == nil {
			manual[sess.CameraID] = true
		}
	}

	for cameraID, want := range desired {
		key := pairKey{eventID: want.eventID, cameraID: cameraID}
		if manual[cameraID] {
			// A manually started session already covers this camera.
			continue
		}
		if running[cameraID] {
			if sessEvent := eventFor(actual, cameraID); sessEvent != nil && *sessEvent == want.eventID {
				delete(s.backoffs, key)
				continue
			}
			// Stopped above; fall through and start for the desired event.
		}
		if b, ok := s.backoffs[key]; ok && now.Before(b.until) {
			continue
		}

		eventID := want.eventID
		err := s.controller.StartSession(recognition.CameraStream{
			CameraID:  cameraID,
			TenantID:  want.tenantID,
			SourceURL: want.sourceURL,
			EventID:   &eventID,
		})
		if err != nil && !errors.Is(err, recognition.ErrSessionExists) {
			s.recordStartFailure(key, now, err)
			continue
		}
		delete(s.backoffs, key)
	}

	metrics.SchedulerReconcilesTotal.Inc()
	s.setStatus(now, nil)
	return nil
}

func eventFor(sessions []recognition.SessionStatus, cameraID string) *string {
	for _, sess := range sessions {
		if sess.CameraID == cameraID {
			return sess.EventID
		}
	}
	return nil
}

func (s *Scheduler) recordStartFailure(key pairKey, now time.Time, err error) {
	metrics.SchedulerStartFailuresTotal.Inc()

	b := s.backoffs[key]
	b.failures++
	backoff := s.cfg.BackoffBase
	for i := 1; i < b.failures && backoff < s.cfg.BackoffMax; i++ {
		backoff *= 2
	}
	if backoff > s.cfg.BackoffMax {
		backoff = s.cfg.BackoffMax
	}
	b.until = now.Add(backoff)
	s.backoffs[key] = b
	log.Printf("[ERROR] Scheduler: start camera %s for event %s failed (attempt %d, next try in %s): %v",
		key.cameraID, key.eventID, b.failures, backoff, err)
}

// ManuallyStartEvent starts every enabled camera of the event immediately,
// regardless of its schedule window.
func (s *Scheduler) ManuallyStartEvent(ctx context.Context, eventID string) (started int, err error) {
	ev, err := s.source.GetEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	cameras, err := s.source.ListEventCameras(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("list cameras for event %s: %w", eventID, err)
	}

	for _, cam := range cameras {
		if !cam.Enabled {
			continue
		}
		id := eventID
		startErr := s.controller.StartSession(recognition.CameraStream{
			CameraID:  cam.CameraID,
			TenantID:  ev.TenantID,
			SourceURL: cam.SourceURL,
			EventID:   &id,
		})
		if startErr == nil {
			started++
		} else if !errors.Is(startErr, recognition.ErrSessionExists) {
			log.Printf("[ERROR] Scheduler: manual start camera %s failed: %v", cam.CameraID, startErr)
		}
	}
	return started, nil
}

// ManuallyStopEvent stops every running session owned by the event.
func (s *Scheduler) ManuallyStopEvent(eventID string) (stopped int) {
	for _, sess := range s.controller.ActiveSessions() {
		if sess.EventID != nil && *sess.EventID == eventID {
			if s.controller.StopSession(sess.CameraID) {
				stopped++
			}
		}
	}
	return stopped
}

func (s *Scheduler) setStatus(now time.Time, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.lastReconcile = now
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}

// HealthStatus describes the scheduler for the health endpoint.
type HealthStatus struct {
	LastReconcile time.Time `json:"lastReconcile"`
	LastError     string    `json:"lastError,omitempty"`
	Backoffs      int       `json:"backoffs"`
}

func (s *Scheduler) Health() HealthStatus {
	s.statusMu.Lock()
	last, lastErr := s.lastReconcile, s.lastError
	s.statusMu.Unlock()

	s.reconcileMu.Lock()
	backoffs := len(s.backoffs)
	s.reconcileMu.Unlock()

	return HealthStatus{LastReconcile: last, LastError: lastErr, Backoffs: backoffs}
}
