package recognition

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/ts-frs/internal/metrics"
)

var ErrSessionExists = errors.New("recognition session already running for camera")

// StillSource captures one frame from a camera source. transcode.Supervisor
// satisfies it.
type StillSource interface {
	CaptureStill(ctx context.Context, sourceURL string) ([]byte, error)
}

// CameraStream identifies what a recognition session watches.
type CameraStream struct {
	CameraID  string
	TenantID  string
	SourceURL string
	EventID   *string // set when the session was started by the scheduler
}

// ServiceConfig tunes the extraction loops.
type ServiceConfig struct {
	Interval         time.Duration // capture period per camera
	FailureThreshold int           // consecutive failures before backoff kicks in
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

// session is one per-camera extraction loop.
type session struct {
	stream CameraStream

	quit chan struct{}
	wg   sync.WaitGroup

	// inFlight enforces single-flight: a tick is skipped, never queued,
	// while the previous capture is still running.
	inFlight atomic.Bool

	mu           sync.Mutex
	failures     int
	skips        uint64
	unhealthy    bool
	backoffUntil time.Time
	lastCapture  time.Time
	startedAt    time.Time
}

// SessionStatus is the externally visible state of one session.
type SessionStatus struct {
	CameraID    string    `json:"cameraId"`
	TenantID    string    `json:"tenantId"`
	EventID     *string   `json:"eventId,omitempty"`
	Unhealthy   bool      `json:"unhealthy"`
	Failures    int       `json:"failures"`
	Skips       uint64    `json:"skips"`
	StartedAt   time.Time `json:"startedAt"`
	LastCapture time.Time `json:"lastCapture,omitempty"`
}

// Service owns at most one recognition session per camera.
type Service struct {
	cfg    ServiceConfig
	stills StillSource
	worker *Worker

	mu       sync.Mutex
	sessions map[string]*session
}

func NewService(cfg ServiceConfig, stills StillSource, worker *Worker) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		stills:   stills,
		worker:   worker,
		sessions: make(map[string]*session),
	}
}

// StartSession begins periodic extraction for the camera. A second start for
// the same camera fails with ErrSessionExists.
func (s *Service) StartSession(stream CameraStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[stream.CameraID]; ok {
		return ErrSessionExists
	}

	sess := &session{
		stream:    stream,
		quit:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.sessions[stream.CameraID] = sess

	sess.wg.Add(1)
	go s.run(sess)
	metrics.RecognitionSessionsActive.Inc()
	log.Printf("[Recognition] session started for camera %s (tenant %s)", stream.CameraID, stream.TenantID)
	return nil
}

// StopSession stops the camera's session. Returns false when none is running.
func (s *Service) StopSession(cameraID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	if ok {
		delete(s.sessions, cameraID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	close(sess.quit)
	sess.wg.Wait()
	metrics.RecognitionSessionsActive.Dec()
	log.Printf("[Recognition] session stopped for camera %s", cameraID)
	return true
}

// IsActive reports whether the camera has a running session.
func (s *Service) IsActive(cameraID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[cameraID]
	return ok
}

// ActiveSessions snapshots all running sessions, ordered by camera id.
func (s *Service) ActiveSessions() []SessionStatus {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// Status returns one camera's session state.
func (s *Service) Status(cameraID string) (SessionStatus, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	s.mu.Unlock()
	if !ok {
		return SessionStatus{}, false
	}
	return sess.status(), true
}

// Shutdown stops every session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.StopSession(id)
	}
}

func (sess *session) status() SessionStatus {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return SessionStatus{
		CameraID:    sess.stream.CameraID,
		TenantID:    sess.stream.TenantID,
		EventID:     sess.stream.EventID,
		Unhealthy:   sess.unhealthy,
		Failures:    sess.failures,
		Skips:       sess.skips,
		StartedAt:   sess.startedAt,
		LastCapture: sess.lastCapture,
	}
}

func (s *Service) run(sess *session) {
	defer sess.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.quit:
			return
		case <-ticker.C:
			s.tick(sess)
		}
	}
}

func (s *Service) tick(sess *session) {
	sess.mu.Lock()
	inBackoff := time.Now().Before(sess.backoffUntil)
	sess.mu.Unlock()
	if inBackoff {
		return
	}

	if !sess.inFlight.CompareAndSwap(false, true) {
		sess.mu.Lock()
		sess.skips++
		sess.mu.Unlock()
		metrics.ExtractionSkipsTotal.Inc()
		return
	}
	defer sess.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval*2)
	defer cancel()

	frame, err := s.stills.CaptureStill(ctx, sess.stream.SourceURL)
	if err != nil {
		s.recordFailure(sess, err)
		return
	}

	sess.mu.Lock()
	sess.failures = 0
	sess.unhealthy = false
	sess.lastCapture = time.Now()
	sess.mu.Unlock()

	job := FrameJob{
		TenantID:   sess.stream.TenantID,
		CameraID:   sess.stream.CameraID,
		EventID:    sess.stream.EventID,
		CapturedAt: time.Now(),
		JPEG:       frame,
	}
	if err := s.worker.ProcessFrame(ctx, job); err != nil {
		log.Printf("[ERROR] Recognition: camera %s frame processing failed: %v", sess.stream.CameraID, err)
	}
}

// recordFailure tracks consecutive capture failures. Once the threshold is
// crossed the session backs off exponentially, capped at BackoffMax, so a
// dead camera does not burn a transcoder slot every tick.
func (s *Service) recordFailure(sess *session, err error) {
	metrics.ExtractionFailuresTotal.Inc()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.failures++
	if sess.failures >= s.cfg.FailureThreshold {
		sess.unhealthy = true
		n := sess.failures - s.cfg.FailureThreshold
		backoff := s.cfg.BackoffBase
		for i := 0; i < n && backoff < s.cfg.BackoffMax; i++ {
			backoff *= 2
		}
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
		sess.backoffUntil = time.Now().Add(backoff)
		log.Printf("[ERROR] Recognition: camera %s capture failed %d times, backing off %s: %v",
			sess.stream.CameraID, sess.failures, backoff, err)
		return
	}
	log.Printf("[Recognition] camera %s capture failed (%d/%d): %v",
		sess.stream.CameraID, sess.failures, s.cfg.FailureThreshold, err)
}
