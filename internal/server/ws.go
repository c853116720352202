package server

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"proctor/internal/engine"
)

// wsMessage is the envelope for both directions of the session stream.
type wsMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type framePayload struct {
	Data string `json:"data"`
	Seq  int64  `json:"seq"`
}

type trackStatePayload struct {
	Enabled bool `json:"enabled"`
	Muted   bool `json:"muted"`
	Ended   bool `json:"ended"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn is one host connection. Outbound traffic goes through the send
// channel so the engine callbacks never block on a slow peer; a full channel
// drops the message, the host re-syncs from the next status push.
type wsConn struct {
	sessionID string
	conn      *websocket.Conn
	source    *engine.StreamFrameSource
	send      chan wsMessage
	log       *slog.Logger
}

// handleSessionStream upgrades the connection and wires it to the session's
// frame source and host link. Frames flow in, status / narration / verdicts
// flow out.
func (a *API) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	source, link, ok := a.sessions.Bind(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no live session")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}

	client := &wsConn{
		sessionID: id,
		conn:      conn,
		source:    source,
		send:      make(chan wsMessage, 64),
		log:       slog.Default().With("session_id", id),
	}
	link.Attach(client)
	defer link.Detach(client)

	client.enqueue("WELCOME", map[string]any{
		"session_id": id,
	})
	go client.writePump()
	client.readPump()
}

func (c *wsConn) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		switch msg.Type {
		case "FRAME":
			var frame framePayload
			if err := json.Unmarshal(msg.Payload, &frame); err != nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil || len(data) == 0 {
				continue
			}
			c.source.Offer(data, frame.Seq)
		case "TRACK_STATE":
			var track trackStatePayload
			if err := json.Unmarshal(msg.Payload, &track); err != nil {
				continue
			}
			c.source.SetTrackState(track.Enabled, track.Muted, track.Ended)
		case "PING":
			c.enqueue("PONG", nil)
		default:
			c.log.Debug("unknown websocket message", "type", msg.Type)
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) enqueue(kind string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.log.Warn("websocket payload encode failed", "type", kind, "error", err)
			return
		}
		raw = data
	}
	msg := wsMessage{
		Type:      kind,
		Payload:   raw,
		Timestamp: time.Now().Unix(),
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("websocket send buffer full, dropping", "type", kind)
	}
}

// HostSink implementation, called from engine goroutines.

func (c *wsConn) SendStatus(status engine.ProctorStatus) {
	c.enqueue("STATUS", status)
}

func (c *wsConn) SendTransition(transition engine.Transition, status engine.ProctorStatus) {
	c.enqueue("WARNING", map[string]any{
		"kind":              string(transition.Kind),
		"rule":              string(transition.Rule),
		"stage":             transition.Stage,
		"seconds_remaining": transition.SecondsRemaining,
		"status":            status,
	})
}

func (c *wsConn) SendViolation(record engine.ViolationRecord) {
	c.enqueue("TERMINATED", map[string]any{
		"rule":            string(record.Rule),
		"reason":          string(record.Reason),
		"action_taken":    record.ActionTaken,
		"evidence_digest": record.EvidenceDigest,
	})
}

func (c *wsConn) SendNavigate(reason engine.ExitReason) {
	c.enqueue("NAVIGATE", map[string]any{
		"reason": string(reason),
	})
}

func (c *wsConn) PlayAudio(key string, audio []byte) error {
	c.enqueue("NARRATION", map[string]any{
		"key":   key,
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
	return nil
}

func (c *wsConn) StopAudio(key string) {
	c.enqueue("NARRATION_STOP", map[string]any{
		"key": key,
	})
}

var _ HostSink = (*wsConn)(nil)
