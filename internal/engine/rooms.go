package engine

import (
	"context"
	"fmt"
	"log/slog"

	"chatroom/internal/models"
)

// Join puts the session into room. If the session was elsewhere it leaves that room
// first. The joiner receives recent history; the room gets an updated roster and a
// join notice.
func (e *Engine) Join(ctx context.Context, sessionID, room, displayName string) ([]models.Participant, error) {
	room, err := e.Validator.Name("room", room)
	if err != nil {
		return nil, err
	}
	displayName, err = e.Validator.Name("displayName", displayName)
	if err != nil {
		return nil, err
	}

	p := models.Participant{SessionID: sessionID, DisplayName: displayName}
	roster, previous := e.Presence.Join(room, p)
	if previous != "" {
		e.stopTyping(sessionID)
		e.announceLeave(previous, p)
	}

	history, err := e.History(ctx, HistoryQuery{Room: room, Participant: displayName})
	if err != nil {
		slog.Error("failed to load history on join", "room", room, "session_id", sessionID, "error", err)
	} else {
		e.Channel.Unicast(sessionID, models.ServerMessage{
			Type:    models.ServerMessageTypeHistory,
			Room:    room,
			Payload: models.HistoryPayload{Messages: history},
		})
	}

	e.Channel.Broadcast(room, rosterUpdated(roster))
	e.Channel.BroadcastExcept(room, sessionID, models.ServerMessage{
		Type: models.ServerMessageTypeUserJoined,
		Payload: models.SystemPayload{
			Message:     fmt.Sprintf("%s joined the room", displayName),
			DisplayName: displayName,
			Timestamp:   e.now(),
			Type:        "join",
		},
	})

	slog.Debug("session joined room", "session_id", sessionID, "room", room, "display_name", displayName)
	return roster, nil
}

// Leave removes the session from its room and notifies the remaining members.
// Leaving when not in a room is a no-op.
func (e *Engine) Leave(ctx context.Context, sessionID string) {
	e.stopTyping(sessionID)

	room, p, ok := e.Presence.Leave(sessionID)
	if !ok {
		return
	}
	e.announceLeave(room, p)
	slog.Debug("session left room", "session_id", sessionID, "room", room)
}

func (e *Engine) announceLeave(room string, p models.Participant) {
	e.Channel.Broadcast(room, rosterUpdated(e.Presence.RosterOf(room)))
	e.Channel.Broadcast(room, models.ServerMessage{
		Type: models.ServerMessageTypeUserLeft,
		Payload: models.SystemPayload{
			Message:     fmt.Sprintf("%s left the room", p.DisplayName),
			DisplayName: p.DisplayName,
			Timestamp:   e.now(),
			Type:        "leave",
		},
	})
}

func rosterUpdated(roster []models.Participant) models.ServerMessage {
	return models.ServerMessage{
		Type:    models.ServerMessageTypeRosterUpdated,
		Payload: models.RosterPayload{Participants: roster, Count: len(roster)},
	}
}

// Typing relays a typing indicator to the rest of the room. Nothing is persisted
// beyond a short-lived marker used to send a stop indicator if the session leaves.
func (e *Engine) Typing(ctx context.Context, sessionID, room, author string, isTyping bool) error {
	room, err := e.Validator.Name("room", room)
	if err != nil {
		return err
	}
	author, err = e.Validator.Name("author", author)
	if err != nil {
		return err
	}

	if isTyping {
		e.typing.Set(sessionID, typingState{room: room, author: author})
	} else {
		_ = e.typing.Del(sessionID)
	}

	e.Channel.BroadcastExcept(room, sessionID, typingEvent(sessionID, author, isTyping))
	return nil
}

func (e *Engine) stopTyping(sessionID string) {
	st, err := e.typing.Get(sessionID)
	if err != nil {
		return
	}
	_ = e.typing.Del(sessionID)
	e.Channel.BroadcastExcept(st.room, sessionID, typingEvent(sessionID, st.author, false))
}

func typingEvent(sessionID, author string, isTyping bool) models.ServerMessage {
	return models.ServerMessage{
		Type: models.ServerMessageTypeTyping,
		Payload: models.TypingPayload{
			Author:    author,
			IsTyping:  isTyping,
			SessionID: sessionID,
		},
	}
}

// HistoryQuery selects a page of a room's history. Participant, when set, fills the
// per-viewer delivery and read flags.
type HistoryQuery struct {
	Room        string
	Participant string
	Limit       int
	Offset      int
}

// History returns the room's non-expired messages, newest first.
func (e *Engine) History(ctx context.Context, q HistoryQuery) ([]models.MessageView, error) {
	room, err := e.Validator.Name("room", q.Room)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = e.HistoryLimit
	case limit < 0 || limit > MaxHistoryLimit:
		return nil, models.NewValidationError("limit", fmt.Sprintf("must be between 1 and %d", MaxHistoryLimit))
	}
	if q.Offset < 0 {
		return nil, models.NewValidationError("offset", "must not be negative")
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	since := e.now().Add(-e.Retention)
	messages, err := e.Store.ListRoomMessages(ctx, room, since, limit, q.Offset)
	if err != nil {
		return nil, err
	}

	views := make([]models.MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, models.ViewFor(m, q.Participant))
	}
	return views, nil
}
