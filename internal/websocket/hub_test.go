package websocket

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quizlive/internal/domain"
)

// wsConn wraps a test connection; writePump may coalesce queued events into
// one frame separated by newlines, so frames are split on read.
type wsConn struct {
	conn    *websocket.Conn
	pending [][]byte
}

func (c *wsConn) readEvent(t *testing.T) Message {
	t.Helper()
	for len(c.pending) == 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		for _, part := range bytes.Split(frame, []byte{'\n'}) {
			if len(part) > 0 {
				c.pending = append(c.pending, part)
			}
		}
	}
	var msg Message
	raw := c.pending[0]
	c.pending = c.pending[1:]
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return msg
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.Default()
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return hub, server
}

func dial(t *testing.T, server *httptest.Server) *wsConn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsConn{conn: conn}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, server := newTestHub(t)

	first := dial(t, server)
	second := dial(t, server)
	waitFor(t, func() bool { return hub.TotalConnections() == 2 }, "expected 2 connections")

	entries := []domain.LeaderboardEntry{{UserID: "u1", Username: "alice", Score: 15}}
	hub.BroadcastLeaderboardUpdate("quiz-1", entries)

	for _, c := range []*wsConn{first, second} {
		msg := c.readEvent(t)
		if msg.Event != EventLeaderboardUpdated {
			t.Fatalf("expected %s, got %s", EventLeaderboardUpdated, msg.Event)
		}
		data, ok := msg.Data.(map[string]interface{})
		if !ok || data["quizId"] != "quiz-1" {
			t.Fatalf("unexpected payload: %+v", msg.Data)
		}
	}
}

func TestJoinQuizAckAndRoomSize(t *testing.T) {
	hub, server := newTestHub(t)
	c := dial(t, server)
	waitFor(t, func() bool { return hub.TotalConnections() == 1 }, "expected connection")

	if err := c.conn.WriteJSON(ClientMessage{Event: EventJoinQuiz, QuizID: "quiz-1"}); err != nil {
		t.Fatalf("write join: %v", err)
	}

	msg := c.readEvent(t)
	if msg.Event != "joined_quiz" {
		t.Fatalf("expected joined_quiz ack, got %s", msg.Event)
	}
	waitFor(t, func() bool { return hub.RoomSize("quiz-1") == 1 }, "expected room membership")

	if err := c.conn.WriteJSON(ClientMessage{Event: EventLeaveQuiz, QuizID: "quiz-1"}); err != nil {
		t.Fatalf("write leave: %v", err)
	}
	msg = c.readEvent(t)
	if msg.Event != "left_quiz" {
		t.Fatalf("expected left_quiz ack, got %s", msg.Event)
	}
	waitFor(t, func() bool { return hub.RoomSize("quiz-1") == 0 }, "expected empty room")
}

func TestJoinQuizWithoutIDReturnsError(t *testing.T) {
	hub, server := newTestHub(t)
	c := dial(t, server)
	waitFor(t, func() bool { return hub.TotalConnections() == 1 }, "expected connection")

	if err := c.conn.WriteJSON(ClientMessage{Event: EventJoinQuiz}); err != nil {
		t.Fatalf("write join: %v", err)
	}

	msg := c.readEvent(t)
	if msg.Event != EventError {
		t.Fatalf("expected error event, got %s", msg.Event)
	}
}

func TestPingPong(t *testing.T) {
	hub, server := newTestHub(t)
	c := dial(t, server)
	waitFor(t, func() bool { return hub.TotalConnections() == 1 }, "expected connection")

	if err := c.conn.WriteJSON(ClientMessage{Event: EventPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	msg := c.readEvent(t)
	if msg.Event != EventPong {
		t.Fatalf("expected pong, got %s", msg.Event)
	}
}

func TestScoreEventsGoToAllConnections(t *testing.T) {
	hub, server := newTestHub(t)

	// One client in the quiz room, one outside of it. Score events go to
	// every connection; clients filter by quiz on their side.
	member := dial(t, server)
	outsider := dial(t, server)
	waitFor(t, func() bool { return hub.TotalConnections() == 2 }, "expected 2 connections")

	if err := member.conn.WriteJSON(ClientMessage{Event: EventJoinQuiz, QuizID: "quiz-1"}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	if msg := member.readEvent(t); msg.Event != "joined_quiz" {
		t.Fatalf("expected joined_quiz ack, got %s", msg.Event)
	}
	waitFor(t, func() bool { return hub.RoomSize("quiz-1") == 1 }, "expected room membership")

	hub.BroadcastUserScoreUpdate("u1", "alice", 20)

	for _, c := range []*wsConn{member, outsider} {
		msg := c.readEvent(t)
		if msg.Event != EventUserScoreUpdated {
			t.Fatalf("expected %s, got %s", EventUserScoreUpdated, msg.Event)
		}
	}
}

func TestDisconnectCleansUpRooms(t *testing.T) {
	hub, server := newTestHub(t)
	c := dial(t, server)
	waitFor(t, func() bool { return hub.TotalConnections() == 1 }, "expected connection")

	if err := c.conn.WriteJSON(ClientMessage{Event: EventJoinQuiz, QuizID: "quiz-1"}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	waitFor(t, func() bool { return hub.RoomSize("quiz-1") == 1 }, "expected room membership")

	c.conn.Close()

	waitFor(t, func() bool { return hub.TotalConnections() == 0 }, "expected cleanup after disconnect")
	waitFor(t, func() bool { return hub.RoomSize("quiz-1") == 0 }, "expected room cleanup after disconnect")
}
