package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatroom/internal/models"
)

// Dispatch handles one client event of a session. Failures are reported back to that
// session as an error event and never reach other room members.
func (e *Engine) Dispatch(ctx context.Context, sessionID string, msg models.ClientMessage) {
	if err := e.dispatch(ctx, sessionID, msg); err != nil {
		e.ReportError(sessionID, err)
	}
}

func (e *Engine) dispatch(ctx context.Context, sessionID string, msg models.ClientMessage) error {
	switch msg.Type {
	case models.ClientMessageTypeJoin:
		_, err := e.Join(ctx, sessionID, msg.Room, firstNonEmpty(msg.DisplayName, msg.Author, msg.Participant))
		return err

	case models.ClientMessageTypeLeave:
		e.Leave(ctx, sessionID)
		return nil

	case models.ClientMessageTypeSend:
		room, self := e.sessionDefaults(sessionID)
		_, err := e.Create(ctx, sessionID, SendRequest{
			Room:        firstNonEmpty(msg.Room, room),
			Author:      firstNonEmpty(msg.Author, self),
			Body:        msg.Body,
			Kind:        msg.Kind,
			Attachment:  msg.Attachment,
			ReplyTarget: msg.ReplyTarget,
		})
		return err

	case models.ClientMessageTypeTyping:
		room, self := e.sessionDefaults(sessionID)
		return e.Typing(ctx, sessionID, firstNonEmpty(msg.Room, room), firstNonEmpty(msg.Author, self), msg.IsTyping)

	case models.ClientMessageTypeMarkRead:
		_, self := e.sessionDefaults(sessionID)
		_, _, err := e.MarkRead(ctx, msg.MessageID, firstNonEmpty(msg.Participant, self))
		return err

	case models.ClientMessageTypeMarkReadBulk:
		_, self := e.sessionDefaults(sessionID)
		participant, err := e.Validator.Name("participant", firstNonEmpty(msg.Participant, self))
		if err != nil {
			return err
		}
		result := e.MarkReadBulk(ctx, msg.MessageIDs, participant)
		e.Channel.Unicast(sessionID, models.ServerMessage{
			Type:    models.ServerMessageTypeBulkReadResult,
			Room:    msg.Room,
			Payload: result,
		})
		return nil

	case models.ClientMessageTypeReact:
		_, self := e.sessionDefaults(sessionID)
		_, err := e.ToggleReaction(ctx, sessionID, msg.MessageID, msg.Emoji, firstNonEmpty(msg.Participant, self))
		if errors.Is(err, models.ErrReactionBlocked) {
			// Already reported with a reaction-blocked event.
			return nil
		}
		return err

	default:
		return &models.ProtocolError{Reason: fmt.Sprintf("unknown event type %q", msg.Type)}
	}
}

// Disconnect cleans up after a closed connection: any typing indicator is stopped
// and the session leaves its room.
func (e *Engine) Disconnect(ctx context.Context, sessionID string) {
	e.Leave(ctx, sessionID)
}

// ReportError sends err to the session as an error event.
func (e *Engine) ReportError(sessionID string, err error) {
	errType := models.ClassifyError(err)
	e.Metrics.Errors.WithLabelValues(string(errType)).Inc()

	switch errType {
	case models.ErrorTypeStorage, models.ErrorTypeInternal:
		slog.Error("event failed", "session_id", sessionID, "error", err)
	default:
		slog.Debug("event rejected", "session_id", sessionID, "type", errType, "error", err)
	}

	e.Channel.Unicast(sessionID, models.ServerMessage{
		Type: models.ServerMessageTypeError,
		Payload: models.ErrorPayload{
			Message: models.PublicMessage(err),
			Type:    errType,
		},
	})
}

// sessionDefaults returns the room and display name the session joined with.
func (e *Engine) sessionDefaults(sessionID string) (room, displayName string) {
	room, p, ok := e.Presence.Lookup(sessionID)
	if !ok {
		return "", ""
	}
	return room, p.DisplayName
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
