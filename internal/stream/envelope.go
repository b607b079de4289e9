package stream

import (
	"encoding/json"
	"time"
)

// Wire envelope types pushed to stream subscribers. Every message carries a
// "type" discriminant; clients must ignore types they do not know.
const (
	EnvelopeFrame         = "frame"
	EnvelopeStreamStopped = "stream_stopped"
	EnvelopeError         = "error"
)

type frameEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"` // base64 on the wire
	Timestamp int64  `json:"timestamp"`
}

type stoppedEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeFrame serializes one frame envelope. Called once per broadcast so
// every subscriber shares the same bytes.
func EncodeFrame(sessionID string, frame []byte, ts time.Time) []byte {
	b, _ := json.Marshal(frameEnvelope{
		Type:      EnvelopeFrame,
		SessionID: sessionID,
		Data:      frame,
		Timestamp: ts.UnixMilli(),
	})
	return b
}

// EncodeStopped serializes the terminal envelope sent when a session ends.
func EncodeStopped(sessionID, message string) []byte {
	b, _ := json.Marshal(stoppedEnvelope{
		Type:      EnvelopeStreamStopped,
		SessionID: sessionID,
		Message:   message,
	})
	return b
}

// EncodeError serializes an error envelope.
func EncodeError(code, message string) []byte {
	b, _ := json.Marshal(errorEnvelope{
		Type:    EnvelopeError,
		Code:    code,
		Message: message,
	})
	return b
}
