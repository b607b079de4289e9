package recognition

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DetectionEvent is the message published for every persisted batch.
type DetectionEvent struct {
	TenantID   string      `json:"tenant_id"`
	CameraID   string      `json:"camera_id"`
	EventID    *string     `json:"event_id,omitempty"`
	CapturedAt time.Time   `json:"captured_at"`
	Detections []Detection `json:"detections"`
}

// Publisher pushes detection events to NATS for downstream consumers
// (alerting, recording). Publish retries with a short linear backoff since
// NATS hiccups are usually transient.
type Publisher struct {
	conn       *nats.Conn
	subjectFmt string // e.g. "frs.detections.%s", filled with the tenant id
	maxRetries int
}

func NewPublisher(conn *nats.Conn, subjectFmt string, maxRetries int) *Publisher {
	if subjectFmt == "" {
		subjectFmt = "frs.detections.%s"
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Publisher{conn: conn, subjectFmt: subjectFmt, maxRetries: maxRetries}
}

func (p *Publisher) PublishDetections(event DetectionEvent) error {
	if p.conn == nil {
		return nil // running without NATS; detections are still persisted
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal detection event: %w", err)
	}

	subject := fmt.Sprintf(p.subjectFmt, event.TenantID)
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
