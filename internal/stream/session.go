package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/mjpeg"
)

// State is the session lifecycle. Transitions only move forward:
// Starting -> Active -> Stopping -> Dead (Starting may jump straight to Dead).
type State int

const (
	StateStarting State = iota
	StateActive
	StateStopping
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// Kind classifies what a session is for. Viewer sessions are subject to idle
// collection; recognition sessions live until explicitly stopped.
type Kind string

const (
	KindViewer      Kind = "viewer"
	KindRecognition Kind = "recognition"
)

// Session is one running transcode fan-out for a camera.
type Session struct {
	ID        uuid.UUID
	CameraID  string
	TenantID  string
	SourceURL string
	Kind      Kind

	mu         sync.Mutex
	state      State
	lastAccess time.Time
	startedAt  time.Time
	frames     uint64

	proc StreamProc
	subs *SubscriberSet

	// framer is owned by the run loop; framerStats is the published snapshot.
	framer      *mjpeg.Framer
	framerStats mjpeg.Stats

	// ready is closed when the first complete frame arrives; ended when the
	// transcoder has exited.
	ready     chan struct{}
	readyOnce sync.Once
	ended     chan struct{}
	endedOnce sync.Once
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState enforces forward-only transitions; stale transitions are dropped.
func (s *Session) setState(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next <= s.state {
		return false
	}
	s.state = next
	return true
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) countFrames(n int, stats mjpeg.Stats) {
	s.mu.Lock()
	s.frames += uint64(n)
	s.framerStats = stats
	s.mu.Unlock()
}

// Info is the externally visible snapshot of a session.
type Info struct {
	SessionID   string       `json:"sessionId"`
	CameraID    string       `json:"cameraId"`
	TenantID    string       `json:"tenantId"`
	Kind        Kind         `json:"kind"`
	State       string       `json:"state"`
	Subscribers int          `json:"subscribers"`
	Frames      uint64       `json:"frames"`
	StartedAt   time.Time    `json:"startedAt"`
	LastAccess  time.Time    `json:"lastAccess"`
	FramerStats mjpeg.Stats  `json:"framerStats"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:   s.ID.String(),
		CameraID:    s.CameraID,
		TenantID:    s.TenantID,
		Kind:        s.Kind,
		State:       s.state.String(),
		Subscribers: s.subs.Count(),
		Frames:      s.frames,
		StartedAt:   s.startedAt,
		LastAccess:  s.lastAccess,
		FramerStats: s.framerStats,
	}
}
