package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatroom/internal/models"
	"chatroom/internal/presence"
	"chatroom/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingChannel resolves rooms through the presence tracker like the hub does
// and keeps every event per session.
type recordingChannel struct {
	presence *presence.Tracker

	mu     sync.Mutex
	events map[string][]models.ServerMessage
}

func newRecordingChannel(p *presence.Tracker) *recordingChannel {
	return &recordingChannel{presence: p, events: make(map[string][]models.ServerMessage)}
}

func (c *recordingChannel) Broadcast(room string, msg models.ServerMessage) {
	c.BroadcastExcept(room, "", msg)
}

func (c *recordingChannel) BroadcastExcept(room, excludeSessionID string, msg models.ServerMessage) {
	if msg.Room == "" {
		msg.Room = room
	}
	for _, p := range c.presence.RosterOf(room) {
		if p.SessionID != excludeSessionID {
			c.Unicast(p.SessionID, msg)
		}
	}
}

func (c *recordingChannel) Unicast(sessionID string, msg models.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[sessionID] = append(c.events[sessionID], msg)
}

// take returns and clears the events of a session.
func (c *recordingChannel) take(sessionID string) []models.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events[sessionID]
	delete(c.events, sessionID)
	return events
}

func ofType(events []models.ServerMessage, t models.ServerMessageType) []models.ServerMessage {
	var out []models.ServerMessage
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type failingStore struct {
	*storage.BboltStorage
}

func (failingStore) InsertMessage(context.Context, models.Message) error {
	return &models.StorageError{Op: "insert", Err: errors.New("disk full")}
}

type testEnv struct {
	engine   *Engine
	store    *storage.BboltStorage
	presence *presence.Tracker
	channel  *recordingChannel
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tracker := presence.New()
	channel := newRecordingChannel(tracker)

	cfg := Config{Store: store, Presence: tracker, Channel: channel}
	for _, m := range mutate {
		m(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e, err := New(ctx, cfg)
	require.NoError(t, err)

	return &testEnv{engine: e, store: store, presence: tracker, channel: channel}
}

func (env *testEnv) join(t *testing.T, sessionID, room, name string) {
	t.Helper()
	_, err := env.engine.Join(context.Background(), sessionID, room, name)
	require.NoError(t, err)
}

func (env *testEnv) send(t *testing.T, sessionID, room, author, body string) models.Message {
	t.Helper()
	msg, err := env.engine.Create(context.Background(), sessionID, SendRequest{Room: room, Author: author, Body: body})
	require.NoError(t, err)
	return msg
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestCreate_NobodyElseOnline(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	env.channel.take("s1")

	msg := env.send(t, "s1", "general", "alice", "hello")
	require.NotEmpty(t, msg.ID)
	require.True(t, msg.Delivery.Sent)
	require.False(t, msg.Delivery.Delivered)
	require.Empty(t, msg.Delivery.DeliveredTo)

	events := env.channel.take("s1")
	require.Len(t, events, 1)
	require.Equal(t, models.ServerMessageTypeMessage, events[0].Type)
	require.Equal(t, "general", events[0].Room)

	stored, err := env.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", stored.Body())
}

func TestCreate_DeliversToOnlineParticipants(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	env.join(t, "s2", "general", "bob")
	env.join(t, "s3", "general", "alice") // second tab of the author
	env.join(t, "s4", "random", "carol")
	for _, s := range []string{"s1", "s2", "s3", "s4"} {
		env.channel.take(s)
	}

	msg := env.send(t, "s1", "general", "alice", "hello")

	stored, err := env.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.True(t, stored.Delivery.Delivered)
	require.Equal(t, []string{"bob"}, stored.Delivery.DeliveredTo)
	require.NotNil(t, stored.Delivery.DeliveredAt)

	bob := env.channel.take("s2")
	require.Len(t, ofType(bob, models.ServerMessageTypeMessage), 1)
	require.Empty(t, ofType(bob, models.ServerMessageTypeDeliveryReceipt))

	// Both sessions of the author get the receipt.
	for _, s := range []string{"s1", "s3"} {
		receipts := ofType(env.channel.take(s), models.ServerMessageTypeDeliveryReceipt)
		require.Len(t, receipts, 1, s)
		payload := receipts[0].Payload.(models.DeliveryReceiptPayload)
		require.Equal(t, msg.ID, payload.MessageID)
		require.Equal(t, []string{"bob"}, payload.DeliveredTo)
	}

	require.Empty(t, env.channel.take("s4"), "other rooms see nothing")
}

func TestCreate_ValidationErrorReachesSenderOnly(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	env.join(t, "s2", "general", "bob")
	env.channel.take("s1")
	env.channel.take("s2")

	env.engine.Dispatch(context.Background(), "s1", models.ClientMessage{
		Type: models.ClientMessageTypeSend,
		Room: "general",
		Body: "   ",
	})

	events := env.channel.take("s1")
	require.Len(t, events, 1)
	require.Equal(t, models.ServerMessageTypeError, events[0].Type)
	require.Equal(t, models.ErrorTypeValidation, events[0].Payload.(models.ErrorPayload).Type)
	require.Empty(t, env.channel.take("s2"))

	history, err := env.engine.History(context.Background(), HistoryQuery{Room: "general"})
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestCreate_StorageFailureIsNotBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Store = failingStore{env.store}
	env.join(t, "s1", "general", "alice")
	env.join(t, "s2", "general", "bob")
	env.channel.take("s1")
	env.channel.take("s2")

	env.engine.Dispatch(context.Background(), "s1", models.ClientMessage{
		Type: models.ClientMessageTypeSend,
		Body: "hello",
	})

	events := env.channel.take("s1")
	require.Len(t, events, 1)
	payload := events[0].Payload.(models.ErrorPayload)
	require.Equal(t, models.ErrorTypeStorage, payload.Type)
	require.Equal(t, "operation failed, please retry", payload.Message)
	require.Empty(t, env.channel.take("s2"))
}

func TestDispatch_SendUsesSessionDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")

	env.engine.Dispatch(context.Background(), "s1", models.ClientMessage{
		Type: models.ClientMessageTypeSend,
		Body: "hi",
	})

	history, err := env.engine.History(context.Background(), HistoryQuery{Room: "general"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "alice", history[0].Author)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	msg := env.send(t, "s1", "general", "alice", "hello")

	// bob joins after the message, so it was never delivered to him
	env.join(t, "s2", "general", "bob")
	env.channel.take("s1")
	env.channel.take("s2")

	updated, changed, err := env.engine.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, updated.Delivery.Read)
	require.Equal(t, []string{"bob"}, updated.Delivery.ReadBy)
	require.Equal(t, []string{"bob"}, updated.Delivery.DeliveredTo, "reading implies delivery")

	for _, s := range []string{"s1", "s2"} {
		receipts := ofType(env.channel.take(s), models.ServerMessageTypeReadReceipt)
		require.Len(t, receipts, 1, s)
		payload := receipts[0].Payload.(models.ReadReceiptPayload)
		require.Equal(t, "bob", payload.Reader)
		require.Equal(t, "alice", payload.OriginalAuthor)
	}

	firstReadAt := *updated.Delivery.ReadAt
	again, changed, err := env.engine.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, []string{"bob"}, again.Delivery.ReadBy)
	require.True(t, again.Delivery.ReadAt.Equal(firstReadAt))
	require.Empty(t, env.channel.take("s1"), "no receipt for a repeated read")

	_, _, err = env.engine.MarkRead(ctx, "missing", "bob")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestMarkReadBulk(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	m1 := env.send(t, "s1", "general", "alice", "one")
	m2 := env.send(t, "s1", "general", "alice", "two")
	env.join(t, "s2", "general", "bob")
	env.channel.take("s2")

	env.engine.Dispatch(context.Background(), "s2", models.ClientMessage{
		Type:       models.ClientMessageTypeMarkReadBulk,
		MessageIDs: []string{m1.ID, "missing", m2.ID},
	})

	results := ofType(env.channel.take("s2"), models.ServerMessageTypeBulkReadResult)
	require.Len(t, results, 1)
	payload := results[0].Payload.(models.BulkReadPayload)
	require.Equal(t, []string{m1.ID, m2.ID}, payload.Read)
	require.Equal(t, map[string]string{"missing": "message not found"}, payload.Failed)
}

func TestToggleReaction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	env.join(t, "s2", "general", "bob")
	msg := env.send(t, "s1", "general", "alice", "hello")
	env.channel.take("s1")
	env.channel.take("s2")

	res, err := env.engine.ToggleReaction(ctx, "s2", msg.ID, "👍", "bob")
	require.NoError(t, err)
	require.Equal(t, models.ReactionAdded, res.Action)
	require.Equal(t, models.Reactions{"👍": {"bob"}}, res.Reactions)
	updated := ofType(env.channel.take("s1"), models.ServerMessageTypeReactionUpdated)
	require.Len(t, updated, 1)
	env.channel.take("s2")

	res.Reactions.Toggle("👍", "carol")
	require.Equal(t, models.Reactions{"👍": {"bob"}}, updated[0].Payload.(models.ReactionUpdatedPayload).Reactions,
		"the result does not alias the broadcast payload")

	res, err = env.engine.ToggleReaction(ctx, "s2", msg.ID, "❤️", "bob")
	require.ErrorIs(t, err, models.ErrReactionBlocked)
	require.Equal(t, models.ReactionBlocked, res.Action)
	require.Equal(t, models.Reactions{"👍": {"bob"}}, res.Reactions)
	require.Empty(t, env.channel.take("s1"), "blocked toggles are not broadcast")
	blocked := env.channel.take("s2")
	require.Len(t, blocked, 1)
	require.Equal(t, models.ServerMessageTypeReactionBlocked, blocked[0].Type)

	res, err = env.engine.ToggleReaction(ctx, "s2", msg.ID, "👍", "bob")
	require.NoError(t, err)
	require.Equal(t, models.ReactionRemoved, res.Action)
	require.Empty(t, res.Reactions)

	res, err = env.engine.ToggleReaction(ctx, "s2", msg.ID, "❤️", "bob")
	require.NoError(t, err)
	require.Equal(t, models.ReactionAdded, res.Action)
}

func TestDispatch_BlockedReactionSendsNoErrorEvent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	msg := env.send(t, "s1", "general", "alice", "hello")

	env.engine.Dispatch(ctx, "s1", models.ClientMessage{Type: models.ClientMessageTypeReact, MessageID: msg.ID, Emoji: "👍"})
	env.channel.take("s1")
	env.engine.Dispatch(ctx, "s1", models.ClientMessage{Type: models.ClientMessageTypeReact, MessageID: msg.ID, Emoji: "🎉"})

	events := env.channel.take("s1")
	require.Len(t, events, 1)
	require.Equal(t, models.ServerMessageTypeReactionBlocked, events[0].Type)
}

func TestJoin_HistoryRosterAndNotices(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	env.send(t, "s1", "general", "alice", "earlier")
	env.channel.take("s1")

	roster, err := env.engine.Join(context.Background(), "s2", "general", "bob")
	require.NoError(t, err)
	require.Len(t, roster, 2)

	bob := env.channel.take("s2")
	history := ofType(bob, models.ServerMessageTypeHistory)
	require.Len(t, history, 1)
	messages := history[0].Payload.(models.HistoryPayload).Messages
	require.Len(t, messages, 1)
	require.Equal(t, "earlier", messages[0].Body())
	require.Len(t, ofType(bob, models.ServerMessageTypeRosterUpdated), 1)
	require.Empty(t, ofType(bob, models.ServerMessageTypeUserJoined), "the joiner gets no notice about itself")

	alice := env.channel.take("s1")
	rosters := ofType(alice, models.ServerMessageTypeRosterUpdated)
	require.Len(t, rosters, 1)
	require.Equal(t, 2, rosters[0].Payload.(models.RosterPayload).Count)
	joined := ofType(alice, models.ServerMessageTypeUserJoined)
	require.Len(t, joined, 1)
	require.Equal(t, "bob", joined[0].Payload.(models.SystemPayload).DisplayName)
}

func TestJoin_MovingRoomsLeavesThePreviousOne(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	env.join(t, "s2", "general", "bob")
	env.channel.take("s1")
	env.channel.take("s2")

	env.join(t, "s2", "random", "bob")

	alice := env.channel.take("s1")
	require.Len(t, ofType(alice, models.ServerMessageTypeUserLeft), 1)
	rosters := ofType(alice, models.ServerMessageTypeRosterUpdated)
	require.Len(t, rosters, 1)
	require.Equal(t, 1, rosters[0].Payload.(models.RosterPayload).Count)

	room, _, ok := env.presence.Lookup("s2")
	require.True(t, ok)
	require.Equal(t, "random", room)
}

func TestJoin_Validation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Join(context.Background(), "s1", "", "alice")
	require.Equal(t, models.ErrorTypeValidation, models.ClassifyError(err))
	_, err = env.engine.Join(context.Background(), "s1", "general", "")
	require.Equal(t, models.ErrorTypeValidation, models.ClassifyError(err))
}

func TestLeave_StopsTyping(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	env.join(t, "s2", "general", "bob")
	env.channel.take("s1")

	require.NoError(t, env.engine.Typing(ctx, "s2", "general", "bob", true))
	typing := env.channel.take("s1")
	require.Len(t, typing, 1)
	require.True(t, typing[0].Payload.(models.TypingPayload).IsTyping)
	require.Empty(t, ofType(env.channel.take("s2"), models.ServerMessageTypeTyping), "typing is not echoed")

	env.engine.Disconnect(ctx, "s2")

	alice := env.channel.take("s1")
	stops := ofType(alice, models.ServerMessageTypeTyping)
	require.Len(t, stops, 1)
	require.False(t, stops[0].Payload.(models.TypingPayload).IsTyping)
	require.Len(t, ofType(alice, models.ServerMessageTypeUserLeft), 1)

	// Leaving twice is harmless.
	env.engine.Leave(ctx, "s2")
	require.Empty(t, env.channel.take("s1"))
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *Config) { c.Retention = time.Hour })
	env.join(t, "s1", "general", "alice")
	env.join(t, "s2", "general", "bob")

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		ids = append(ids, env.send(t, "s1", "general", "alice", body).ID)
	}
	_, _, err := env.engine.MarkRead(ctx, ids[2], "bob")
	require.NoError(t, err)

	views, err := env.engine.History(ctx, HistoryQuery{Room: "general", Participant: "bob"})
	require.NoError(t, err)
	require.Len(t, views, 3)
	require.Equal(t, ids[2], views[0].ID, "newest first")
	require.True(t, views[0].IsReadByUser)
	require.True(t, views[1].IsDeliveredToUser)
	require.False(t, views[1].IsReadByUser)

	views, err = env.engine.History(ctx, HistoryQuery{Room: "general", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, ids[1], views[0].ID)

	_, err = env.engine.History(ctx, HistoryQuery{Room: "general", Limit: 101})
	require.Equal(t, models.ErrorTypeValidation, models.ClassifyError(err))
	_, err = env.engine.History(ctx, HistoryQuery{Room: "general", Offset: -1})
	require.Equal(t, models.ErrorTypeValidation, models.ClassifyError(err))

	// Everything falls outside the retention window an hour later.
	env.engine.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	views, err = env.engine.History(ctx, HistoryQuery{Room: "general"})
	require.NoError(t, err)
	require.Empty(t, views)
}

func TestGetDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	msg := env.send(t, "s1", "general", "alice", "hello")

	got, err := env.engine.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)

	require.NoError(t, env.engine.Delete(ctx, msg.ID))
	_, err = env.engine.Get(ctx, msg.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	require.ErrorIs(t, env.engine.Delete(ctx, msg.ID), models.ErrNotFound)
}

func TestCreate_ReplySnapshotOutlivesOriginal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "s1", "general", "alice")
	env.join(t, "s2", "general", "bob")

	base := time.Now().UTC().Add(-2 * time.Hour)
	env.engine.now = func() time.Time { return base }
	purged := env.send(t, "s1", "general", "alice", "lunch?")
	deleted := env.send(t, "s1", "general", "alice", "at noon")

	env.engine.now = func() time.Time { return base.Add(time.Hour) }
	replyTo := func(original models.Message) models.Message {
		msg, err := env.engine.Create(ctx, "s2", SendRequest{
			Room:   "general",
			Author: "bob",
			Body:   "sure",
			ReplyTarget: &models.ReplyTarget{
				MessageID: original.ID,
				Author:    original.Author,
				Body:      original.Body(),
			},
		})
		require.NoError(t, err)
		return msg
	}
	first := replyTo(purged)
	second := replyTo(deleted)

	require.NoError(t, env.engine.Delete(ctx, deleted.ID))
	n, err := env.store.PurgeOlderThan(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for _, original := range []models.Message{purged, deleted} {
		_, err := env.engine.Get(ctx, original.ID)
		require.ErrorIs(t, err, models.ErrNotFound)
	}

	stored, err := env.engine.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, &models.ReplyTarget{MessageID: purged.ID, Author: "alice", Body: "lunch?"}, stored.ReplyTarget)

	stored, err = env.engine.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, &models.ReplyTarget{MessageID: deleted.ID, Author: "alice", Body: "at noon"}, stored.ReplyTarget)
}

func TestDispatch_UnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Dispatch(context.Background(), "s1", models.ClientMessage{Type: "shout"})

	events := env.channel.take("s1")
	require.Len(t, events, 1)
	require.Equal(t, models.ErrorTypeProtocol, events[0].Payload.(models.ErrorPayload).Type)
}

func TestConcurrentReadsFromManyParticipants(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	msg := env.send(t, "s0", "general", "alice", "hello")

	names := []string{"bob", "carol", "dave", "erin", "frank", "grace"}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Go(func() {
			_, _, err := env.engine.MarkRead(ctx, msg.ID, name)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	stored, err := env.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, names, stored.Delivery.ReadBy)
	require.ElementsMatch(t, names, stored.Delivery.DeliveredTo)
}
