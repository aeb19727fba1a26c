package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatroom/internal/content"
	"chatroom/internal/metrics"
	"chatroom/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const (
	DefaultRetention    = 24 * time.Hour
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
	DefaultOpTimeout    = 5 * time.Second
	DefaultTypingTTL    = 10 * time.Second
)

// MessageStore is the persistence the engine needs. Delivery and reaction updates
// must be atomic conditional updates: concurrent calls for the same message may not
// lose each other's changes.
type MessageStore interface {
	InsertMessage(ctx context.Context, message models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id, participant string, at time.Time) (models.Message, bool, error)
	MarkRead(ctx context.Context, id, participant string, at time.Time) (models.Message, bool, error)
	ToggleReaction(ctx context.Context, id, emoji, participant string) (models.Message, models.ReactionAction, error)
	ListRoomMessages(ctx context.Context, room string, since time.Time, limit, offset int) ([]models.Message, error)
}

type Presence interface {
	Join(room string, p models.Participant) ([]models.Participant, string)
	Leave(sessionID string) (string, models.Participant, bool)
	RosterOf(room string) []models.Participant
	OnlineOthers(room, excludingSessionID string) []models.Participant
	SessionsOf(room, displayName string) []models.Participant
	Lookup(sessionID string) (string, models.Participant, bool)
}

// Channel pushes events to connected sessions.
type Channel interface {
	Broadcast(room string, msg models.ServerMessage)
	BroadcastExcept(room, excludeSessionID string, msg models.ServerMessage)
	Unicast(sessionID string, msg models.ServerMessage)
}

type Config struct {
	Store     MessageStore
	Presence  Presence
	Channel   Channel
	Validator *content.Validator
	Metrics   *metrics.Metrics

	// Messages older than Retention are hidden from history and purged.
	Retention    time.Duration
	HistoryLimit int
	// OpTimeout bounds a single storage operation. It is applied to a context
	// detached from the caller, so a disconnecting client cannot abort a write.
	OpTimeout time.Duration
	TypingTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Store == nil || c.Presence == nil || c.Channel == nil {
		return errors.New("engine requires store, presence and channel")
	}
	if c.Validator == nil {
		c.Validator = content.NewValidator(0)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewUnregistered()
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.HistoryLimit <= 0 || c.HistoryLimit > MaxHistoryLimit {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	return nil
}

type typingState struct {
	room   string
	author string
}

// Engine owns the message lifecycle: creation, delivery and read tracking,
// reactions, and room membership events.
type Engine struct {
	Config
	typing geche.Geche[string, typingState]
	now    func() time.Time
	newID  func() string
}

func New(ctx context.Context, config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		Config: config,
		typing: geche.NewMapTTLCache[string, typingState](ctx, config.TypingTTL, time.Second),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}, nil
}

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.OpTimeout)
}

// SendRequest is a new message as submitted by a client.
type SendRequest struct {
	Room        string
	Author      string
	Body        string
	Kind        models.Kind
	Attachment  string
	ReplyTarget *models.ReplyTarget
}

// Create validates and persists a new message, broadcasts it to the room and marks
// it delivered to everyone else online there. Nothing is broadcast if persisting fails.
func (e *Engine) Create(ctx context.Context, sessionID string, req SendRequest) (models.Message, error) {
	room, err := e.Validator.Name("room", req.Room)
	if err != nil {
		return models.Message{}, err
	}
	author, err := e.Validator.Name("author", req.Author)
	if err != nil {
		return models.Message{}, err
	}
	body, err := e.Validator.Content(req.Kind, req.Body, req.Attachment)
	if err != nil {
		return models.Message{}, err
	}
	reply, err := e.Validator.Reply(req.ReplyTarget)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:          e.newID(),
		Room:        room,
		Author:      author,
		Content:     body,
		CreatedAt:   e.now(),
		ReplyTarget: reply,
		Delivery: models.DeliveryState{
			Sent:        true,
			DeliveredTo: []string{},
			ReadBy:      []string{},
		},
		Reactions: models.Reactions{},
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.Store.InsertMessage(ctx, msg); err != nil {
		slog.Error("failed to persist message", "room", room, "author", author, "error", err)
		return models.Message{}, err
	}
	e.Metrics.MessagesCreated.Inc()

	e.Channel.Broadcast(room, models.ServerMessage{
		Type:    models.ServerMessageTypeMessage,
		Payload: msg,
	})

	e.deliverToOnline(ctx, msg, sessionID)

	return msg, nil
}

// deliverToOnline marks msg delivered to each distinct participant online in its room,
// skipping the sending session and other sessions of the author.
func (e *Engine) deliverToOnline(ctx context.Context, msg models.Message, senderSessionID string) {
	seen := make(map[string]bool)
	for _, p := range e.Presence.OnlineOthers(msg.Room, senderSessionID) {
		if p.DisplayName == msg.Author || seen[p.DisplayName] {
			continue
		}
		seen[p.DisplayName] = true

		if _, _, err := e.MarkDelivered(ctx, msg.ID, p.DisplayName); err != nil {
			slog.Warn("failed to mark message delivered", "message_id", msg.ID, "participant", p.DisplayName, "error", err)
		}
	}
}

// MarkDelivered records that participant received the message. Repeated calls are no-ops.
// On a change the author's sessions in the room get a delivery receipt.
func (e *Engine) MarkDelivered(ctx context.Context, messageID, participant string) (models.Message, bool, error) {
	if messageID == "" {
		return models.Message{}, false, models.NewValidationError("messageId", "is required")
	}
	participant, err := e.Validator.Name("participant", participant)
	if err != nil {
		return models.Message{}, false, err
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	msg, changed, err := e.Store.MarkDelivered(ctx, messageID, participant, e.now())
	if err != nil || !changed {
		return msg, false, err
	}
	e.Metrics.Receipts.WithLabelValues("delivered").Inc()

	receipt := models.ServerMessage{
		Type: models.ServerMessageTypeDeliveryReceipt,
		Room: msg.Room,
		Payload: models.DeliveryReceiptPayload{
			MessageID:   msg.ID,
			DeliveredTo: msg.Delivery.DeliveredTo,
			DeliveredAt: *msg.Delivery.DeliveredAt,
		},
	}
	for _, s := range e.Presence.SessionsOf(msg.Room, msg.Author) {
		e.Channel.Unicast(s.SessionID, receipt)
	}

	return msg, true, nil
}

// MarkRead records that participant has seen the message and broadcasts a read
// receipt to the message's room. Reading implies delivery. Repeated calls are no-ops.
func (e *Engine) MarkRead(ctx context.Context, messageID, participant string) (models.Message, bool, error) {
	if messageID == "" {
		return models.Message{}, false, models.NewValidationError("messageId", "is required")
	}
	participant, err := e.Validator.Name("participant", participant)
	if err != nil {
		return models.Message{}, false, err
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	msg, err := e.Store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	if participant != msg.Author {
		if _, _, err := e.MarkDelivered(ctx, messageID, participant); err != nil {
			return models.Message{}, false, err
		}
	}

	readAt := e.now()
	msg, changed, err := e.Store.MarkRead(ctx, messageID, participant, readAt)
	if err != nil || !changed {
		return msg, false, err
	}
	e.Metrics.Receipts.WithLabelValues("read").Inc()

	e.Channel.Broadcast(msg.Room, models.ServerMessage{
		Type: models.ServerMessageTypeReadReceipt,
		Payload: models.ReadReceiptPayload{
			MessageID:      msg.ID,
			Reader:         participant,
			ReadAt:         readAt,
			OriginalAuthor: msg.Author,
		},
	})

	return msg, true, nil
}

// MarkReadBulk applies MarkRead to every id independently.
// A failing id is reported in Failed and does not stop the rest.
func (e *Engine) MarkReadBulk(ctx context.Context, messageIDs []string, participant string) models.BulkReadPayload {
	result := models.BulkReadPayload{Read: []string{}}
	for _, id := range messageIDs {
		if _, _, err := e.MarkRead(ctx, id, participant); err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[id] = models.PublicMessage(err)
			continue
		}
		result.Read = append(result.Read, id)
	}
	return result
}

type ReactionResult struct {
	MessageID string
	Reactions models.Reactions
	Action    models.ReactionAction
}

// ToggleReaction applies the one-reaction-per-participant policy.
// Added and removed reactions are broadcast to the room. A blocked toggle returns
// models.ErrReactionBlocked with the unchanged reactions and is reported only to
// the requesting session.
func (e *Engine) ToggleReaction(ctx context.Context, sessionID, messageID, emoji, participant string) (ReactionResult, error) {
	if messageID == "" {
		return ReactionResult{}, models.NewValidationError("messageId", "is required")
	}
	if err := e.Validator.Emoji(emoji); err != nil {
		return ReactionResult{}, err
	}
	participant, err := e.Validator.Name("participant", participant)
	if err != nil {
		return ReactionResult{}, err
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	msg, action, err := e.Store.ToggleReaction(ctx, messageID, emoji, participant)
	if err != nil {
		return ReactionResult{}, err
	}
	e.Metrics.Reactions.WithLabelValues(string(action)).Inc()

	// The broadcast payload is shared with every session writer; the caller gets its own copy.
	result := ReactionResult{MessageID: msg.ID, Reactions: msg.Reactions.Clone(), Action: action}

	if action == models.ReactionBlocked {
		e.Channel.Unicast(sessionID, models.ServerMessage{
			Type: models.ServerMessageTypeReactionBlocked,
			Room: msg.Room,
			Payload: models.ReactionBlockedPayload{
				MessageID: msg.ID,
				Emoji:     emoji,
				Error:     models.ErrReactionBlocked.Error(),
			},
		})
		return result, models.ErrReactionBlocked
	}

	e.Channel.Broadcast(msg.Room, models.ServerMessage{
		Type: models.ServerMessageTypeReactionUpdated,
		Payload: models.ReactionUpdatedPayload{
			MessageID:   msg.ID,
			Reactions:   msg.Reactions,
			Action:      action,
			Emoji:       emoji,
			Participant: participant,
		},
	})
	return result, nil
}

// Get returns a single message.
func (e *Engine) Get(ctx context.Context, messageID string) (models.Message, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	return e.Store.GetMessage(ctx, messageID)
}

// Delete removes a single message regardless of its age.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	return e.Store.DeleteMessage(ctx, messageID)
}
