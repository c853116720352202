package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSession(t *testing.T, serverURL, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/v1/sessions/" + sessionID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestSessionStreamRejectsUnknownSession(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/api/v1/sessions/ses_missing/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSessionStreamWelcomeAndFrames(t *testing.T) {
	srv, manager, _ := newTestAPI(t)
	created := decodeView(t, postJSONRequest(t, srv.URL+"/api/v1/sessions", StartRequest{
		CandidateID: "cand_1",
		SetupID:     "setup_1",
		Questions:   []string{"Q1"},
	}))
	conn := dialSession(t, srv.URL, created.SessionID)

	welcome := readMessage(t, conn)
	if welcome.Type != "WELCOME" {
		t.Fatalf("first message = %s, want WELCOME", welcome.Type)
	}

	frame, _ := json.Marshal(framePayload{
		Data: base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff}),
		Seq:  1,
	})
	if err := conn.WriteJSON(wsMessage{Type: "FRAME", Payload: frame}); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	source, _, ok := manager.Bind(created.SessionID)
	if !ok {
		t.Fatalf("bind failed")
	}
	deadline := time.After(2 * time.Second)
	for {
		if current, ok := source.Current(); ok && current.Seq == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("frame never reached the source")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSessionStreamPingPong(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	created := decodeView(t, postJSONRequest(t, srv.URL+"/api/v1/sessions", StartRequest{
		CandidateID: "cand_1",
		SetupID:     "setup_1",
		Questions:   []string{"Q1"},
	}))
	conn := dialSession(t, srv.URL, created.SessionID)

	if msg := readMessage(t, conn); msg.Type != "WELCOME" {
		t.Fatalf("expected WELCOME, got %s", msg.Type)
	}
	if err := conn.WriteJSON(wsMessage{Type: "PING"}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	for {
		msg := readMessage(t, conn)
		if msg.Type == "PONG" {
			return
		}
		// Status or narration pushes may interleave; keep reading.
	}
}

func TestSessionStreamTrackState(t *testing.T) {
	srv, manager, _ := newTestAPI(t)
	created := decodeView(t, postJSONRequest(t, srv.URL+"/api/v1/sessions", StartRequest{
		CandidateID: "cand_1",
		SetupID:     "setup_1",
		Questions:   []string{"Q1"},
	}))
	conn := dialSession(t, srv.URL, created.SessionID)
	if msg := readMessage(t, conn); msg.Type != "WELCOME" {
		t.Fatalf("expected WELCOME, got %s", msg.Type)
	}

	track, _ := json.Marshal(trackStatePayload{Enabled: true, Muted: false, Ended: false})
	if err := conn.WriteJSON(wsMessage{Type: "TRACK_STATE", Payload: track}); err != nil {
		t.Fatalf("send track state: %v", err)
	}
	frame, _ := json.Marshal(framePayload{
		Data: base64.StdEncoding.EncodeToString([]byte{0x01}),
		Seq:  7,
	})
	if err := conn.WriteJSON(wsMessage{Type: "FRAME", Payload: frame}); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	source, _, _ := manager.Bind(created.SessionID)
	deadline := time.After(2 * time.Second)
	for {
		state := source.Liveness()
		if state.HasStream && state.TrackEnabled {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("liveness never reflected track state: %+v", state)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
