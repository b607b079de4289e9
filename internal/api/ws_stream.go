package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-frs/internal/stream"
	"github.com/technosupport/ts-frs/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

// wsClient adapts one websocket connection to stream.Client. gorilla allows a
// single concurrent writer, so Send and Close serialize on mu.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

type WSHandler struct {
	Tokens *tokens.Manager
	Broker *stream.Broker
}

func NewWSHandler(tm *tokens.Manager, b *stream.Broker) *WSHandler {
	return &WSHandler{Tokens: tm, Broker: b}
}

// inbound is the tagged union clients send over the socket.
type inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// GET /api/v1/ws/streams?token=...
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Auth via query param (standard for WS)
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.Tokens.ValidateToken(tokenStr)
	if err != nil || claims.TokenType != tokens.Access {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	defer func() {
		h.Broker.Unsubscribe(client)
		client.Close()
	}()

	log.Printf("[WS] Connected: user=%s tenant=%s", claims.UserID, claims.TenantID)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			client.Send(stream.EncodeError("bad_message", "invalid JSON"))
			continue
		}

		switch in.Type {
		case "subscribe":
			h.subscribe(client, claims.TenantID, in.SessionID)
		case "unsubscribe":
			h.Broker.Unsubscribe(client)
		case "ping":
			client.Send([]byte(`{"type":"pong"}`))
		default:
			client.Send(stream.EncodeError("bad_message", "unknown message type"))
		}
	}
}

func (h *WSHandler) subscribe(client *wsClient, tenantID, rawSessionID string) {
	sessionID, err := uuid.Parse(rawSessionID)
	if err != nil {
		client.Send(stream.EncodeError("bad_session", "invalid session id"))
		return
	}

	info, found := h.Broker.SessionInfo(sessionID)
	if !found || info.TenantID != tenantID {
		client.Send(stream.EncodeError("session_not_found", "no such session"))
		return
	}

	// A client watches one session at a time.
	h.Broker.Unsubscribe(client)

	if _, err := h.Broker.Subscribe(sessionID, client); err != nil {
		code := "subscribe_failed"
		if err == stream.ErrSessionNotFound {
			code = "session_not_found"
		} else if err == stream.ErrSessionInactive {
			code = "session_inactive"
		}
		client.Send(stream.EncodeError(code, err.Error()))
		return
	}
	client.Send([]byte(`{"type":"subscribed","sessionId":"` + sessionID.String() + `","message":"subscribed to stream"}`))
}
