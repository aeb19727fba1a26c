package ws

import (
	"log/slog"
	"sync"

	"chatroom/internal/metrics"
	"chatroom/internal/models"
)

const DefaultSendBuffer = 100

type roster interface {
	RosterOf(room string) []models.Participant
}

// Hub fans server events out to connected sessions.
//
// Room targets come from the presence roster at dispatch time. Sends never block:
// a session whose buffer is full misses the event. All dispatches hold the hub
// lock, so events for one room reach every session in the order they were issued.
type Hub struct {
	presence roster
	metrics  *metrics.Metrics
	buffer   int

	// Map of sessionID -> outbound channel
	sessions map[string]chan models.ServerMessage

	mu sync.Mutex
}

func NewHub(presence roster, m *metrics.Metrics, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Hub{
		presence: presence,
		metrics:  m,
		buffer:   buffer,
		sessions: make(map[string]chan models.ServerMessage),
	}
}

// Register opens the outbound channel of a new session.
func (h *Hub) Register(sessionID string) chan models.ServerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.sessions[sessionID]; ok {
		return ch
	}
	ch := make(chan models.ServerMessage, h.buffer)
	h.sessions[sessionID] = ch
	h.metrics.Sessions.Inc()
	return ch
}

// Unregister closes the session's channel. Later sends to it are skipped.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.sessions[sessionID]; ok {
		close(ch)
		delete(h.sessions, sessionID)
		h.metrics.Sessions.Dec()
	}
}

// Broadcast delivers msg to every session currently in room.
func (h *Hub) Broadcast(room string, msg models.ServerMessage) {
	h.BroadcastExcept(room, "", msg)
}

// BroadcastExcept delivers msg to every session in room but the excluded one.
func (h *Hub) BroadcastExcept(room, excludeSessionID string, msg models.ServerMessage) {
	if msg.Room == "" {
		msg.Room = room
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.presence.RosterOf(room) {
		if p.SessionID == excludeSessionID {
			continue
		}
		h.send(p.SessionID, msg)
	}
}

// Unicast delivers msg to a single session.
func (h *Hub) Unicast(sessionID string, msg models.ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.send(sessionID, msg)
}

func (h *Hub) send(sessionID string, msg models.ServerMessage) {
	ch, online := h.sessions[sessionID]
	if !online {
		return
	}

	select {
	case ch <- msg:
	default:
		h.metrics.EventsDropped.Inc()
		slog.Warn("session buffer full, dropping event", "session_id", sessionID, "type", msg.Type)
	}
}
