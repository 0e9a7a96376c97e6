package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/quizlive/internal/domain"
)

// Event names pushed to clients
const (
	EventScoreUpdated       = "scoreUpdated"
	EventLeaderboardUpdated = "leaderBoardUpdated"
	EventUserScoreUpdated   = "userScoreUpdated"
)

// Client-originated event names
const (
	EventJoinQuiz  = "join_quiz"
	EventLeaveQuiz = "leave_quiz"
	EventPing      = "ping"
	EventPong      = "pong"
	EventError     = "error"
)

// Message is the named-event envelope sent over the wire
type Message struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ScoreUpdatedPayload is pushed after a single-answer submission
type ScoreUpdatedPayload struct {
	UserID    string `json:"userId"`
	QuizID    string `json:"quizId"`
	Score     int    `json:"score"`
	IsCorrect bool   `json:"isCorrect"`
}

// LeaderboardUpdatedPayload carries the freshly patched snapshot
type LeaderboardUpdatedPayload struct {
	QuizID      string                    `json:"quizId"`
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
}

// UserScoreUpdatedPayload is pushed after a batch submission
type UserScoreUpdatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// Hub maintains the set of connected clients and fans score events out to
// all of them. Delivery is best-effort and at-most-once: a client with a
// full buffer or a dropped connection simply misses the update.
type Hub struct {
	// Quiz room membership by quiz ID
	rooms map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	broadcast chan *Message

	join  chan *roomRequest
	leave chan *roomRequest

	mu sync.RWMutex

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type roomRequest struct {
	client *Client
	quizID string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		allClients: make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		join:       make(chan *roomRequest, 64),
		leave:      make(chan *roomRequest, 64),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("websocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for quizID, members := range h.rooms {
					if _, ok := members[client]; ok {
						delete(members, client)
						if len(members) == 0 {
							delete(h.rooms, quizID)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "client_id", client.id)

		case req := <-h.join:
			h.mu.Lock()
			if _, ok := h.rooms[req.quizID]; !ok {
				h.rooms[req.quizID] = make(map[*Client]bool)
			}
			h.rooms[req.quizID][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client joined quiz", "client_id", req.client.id, "quiz_id", req.quizID)

		case req := <-h.leave:
			h.mu.Lock()
			if members, ok := h.rooms[req.quizID]; ok {
				delete(members, req.client)
				if len(members) == 0 {
					delete(h.rooms, req.quizID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client left quiz", "client_id", req.client.id, "quiz_id", req.quizID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to every connected client. Room
// membership is tracked for clients that joined a quiz, but score events go
// to all connections; clients filter by quiz on their side.
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	for client := range h.allClients {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "event", message.Event)
	}
}

// BroadcastScoreUpdate pushes a scoreUpdated event after a single-answer
// submission
func (h *Hub) BroadcastScoreUpdate(userID, quizID string, score int, isCorrect bool) {
	h.enqueue(&Message{
		Event: EventScoreUpdated,
		Data: ScoreUpdatedPayload{
			UserID:    userID,
			QuizID:    quizID,
			Score:     score,
			IsCorrect: isCorrect,
		},
		Timestamp: time.Now(),
	})
}

// BroadcastLeaderboardUpdate pushes the patched leaderboard snapshot
func (h *Hub) BroadcastLeaderboardUpdate(quizID string, entries []domain.LeaderboardEntry) {
	h.enqueue(&Message{
		Event: EventLeaderboardUpdated,
		Data: LeaderboardUpdatedPayload{
			QuizID:      quizID,
			Leaderboard: entries,
		},
		Timestamp: time.Now(),
	})
}

// BroadcastUserScoreUpdate pushes a user's new cumulative score
func (h *Hub) BroadcastUserScoreUpdate(userID, username string, score int) {
	h.enqueue(&Message{
		Event: EventUserScoreUpdated,
		Data: UserScoreUpdatedPayload{
			UserID:   userID,
			Username: username,
			Score:    score,
		},
		Timestamp: time.Now(),
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// JoinQuiz adds a client to a quiz room
func (h *Hub) JoinQuiz(client *Client, quizID string) {
	h.join <- &roomRequest{client: client, quizID: quizID}
}

// LeaveQuiz removes a client from a quiz room
func (h *Hub) LeaveQuiz(client *Client, quizID string) {
	h.leave <- &roomRequest{client: client, quizID: quizID}
}

// RoomSize returns the number of clients in a quiz room
func (h *Hub) RoomSize(quizID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if members, ok := h.rooms[quizID]; ok {
		return len(members)
	}
	return 0
}

// TotalConnections returns the total number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
