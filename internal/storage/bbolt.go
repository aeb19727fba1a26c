package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"chatroom/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages  = []byte("messages")
	bucketRoomIndex = []byte("room_index")
	bucketTimeIndex = []byte("time_index")
)

var errDuplicateID = errors.New("duplicate message id")

// BboltStorage keeps messages in a single bbolt file.
//
// Every mutation runs inside one bbolt write transaction and bbolt allows only one
// writer at a time, so the conditional updates below (append-if-absent, reaction
// toggle) are atomic with respect to each other.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketRoomIndex, bucketTimeIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is still readable.
func (s *BboltStorage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketMessages) == nil {
			return errors.New("messages bucket missing")
		}
		return nil
	})
}

// InsertMessage stores a new message and its room and time index entries.
func (s *BboltStorage) InsertMessage(ctx context.Context, message models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if message.ID == "" || message.Room == "" {
		return storageErr("insert", errors.New("message missing id or room"))
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		if messages.Get([]byte(message.ID)) != nil {
			return errDuplicateID
		}

		dbMessage := fromModel(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := messages.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		roomBucket, err := tx.Bucket(bucketRoomIndex).CreateBucketIfNotExists([]byte(message.Room))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		if err := roomBucket.Put(dbMessage.indexKey(), nil); err != nil {
			return err
		}

		return tx.Bucket(bucketTimeIndex).Put(dbMessage.indexKey(), []byte(message.Room))
	})
	return storageErr("insert", err)
}

// GetMessage returns the message with the given id or models.ErrNotFound.
func (s *BboltStorage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMessage, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		msg, err = dbMessage.toModel()
		return err
	})
	return msg, storageErr("get", err)
}

// DeleteMessage removes a message and its index entries.
func (s *BboltStorage) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMessage, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		return deleteMessage(tx, dbMessage.indexKey(), dbMessage.Room, dbMessage.ID)
	})
	return storageErr("delete", err)
}

// MarkDelivered adds participant to the message's delivered set unless it is already there.
// The returned bool reports whether anything changed.
func (s *BboltStorage) MarkDelivered(ctx context.Context, id, participant string, at time.Time) (models.Message, bool, error) {
	return s.updateDelivery(ctx, "mark delivered", id, func(d *models.DeliveryState) bool {
		return d.AddDelivered(participant, at)
	})
}

// MarkRead adds participant to the message's read set unless it is already there.
func (s *BboltStorage) MarkRead(ctx context.Context, id, participant string, at time.Time) (models.Message, bool, error) {
	return s.updateDelivery(ctx, "mark read", id, func(d *models.DeliveryState) bool {
		return d.AddRead(participant, at)
	})
}

func (s *BboltStorage) updateDelivery(ctx context.Context, op, id string, apply func(*models.DeliveryState) bool) (models.Message, bool, error) {
	var changed bool
	msg, err := s.update(ctx, op, id, func(m *models.Message) bool {
		changed = apply(&m.Delivery)
		return changed
	})
	return msg, changed, err
}

// ToggleReaction applies the single-reaction policy to the stored message.
// A blocked toggle leaves the record untouched.
func (s *BboltStorage) ToggleReaction(ctx context.Context, id, emoji, participant string) (models.Message, models.ReactionAction, error) {
	var action models.ReactionAction
	msg, err := s.update(ctx, "toggle reaction", id, func(m *models.Message) bool {
		if m.Reactions == nil {
			m.Reactions = models.Reactions{}
		}
		action = m.Reactions.Toggle(emoji, participant)
		return action != models.ReactionBlocked
	})
	return msg, action, err
}

// update loads, mutates and writes back one message inside a single write transaction.
// The record is only rewritten when mutate reports a change.
func (s *BboltStorage) update(ctx context.Context, op, id string, mutate func(*models.Message) bool) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMessage, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		msg, err = dbMessage.toModel()
		if err != nil {
			return err
		}

		if !mutate(&msg) {
			return nil
		}

		updated := fromModel(msg)
		data, err := updated.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return tx.Bucket(bucketMessages).Put(updated.Key(), data)
	})
	return msg, storageErr(op, err)
}

// ListRoomMessages returns messages of room created at or after since, newest first.
func (s *BboltStorage) ListRoomMessages(ctx context.Context, room string, since time.Time, limit, offset int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := []models.Message{}
	var minKey []byte
	if !since.IsZero() {
		minKey = timeKey(since.UnixNano(), "")
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketRoomIndex).Bucket([]byte(room))
		if roomBucket == nil {
			return nil // No messages for this room
		}

		c := roomBucket.Cursor()
		skipped := 0
		for k, _ := c.Last(); k != nil && bytes.Compare(k, minKey) >= 0; k, _ = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(messages) >= limit {
				break
			}

			dbMessage, err := getMessage(tx, string(k[8:]))
			if err != nil {
				return fmt.Errorf("room index points to missing message %s: %v", k[8:], err)
			}
			msg, err := dbMessage.toModel()
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, storageErr("list", err)
}

// PurgeOlderThan deletes every message created strictly before cutoff and
// returns how many were removed. Only the time index is scanned.
func (s *BboltStorage) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type expired struct {
		key  []byte
		room string
	}

	deleted := 0
	maxKey := timeKey(cutoff.UnixNano(), "")
	err := s.db.Update(func(tx *bbolt.Tx) error {
		// Collect first: deleting under a live cursor skips entries.
		var victims []expired
		c := tx.Bucket(bucketTimeIndex).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, maxKey) < 0; k, v = c.Next() {
			victims = append(victims, expired{
				key:  bytes.Clone(k),
				room: string(v),
			})
		}

		for _, victim := range victims {
			if err := deleteMessage(tx, victim.key, victim.room, string(victim.key[8:])); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("purge", err)
	}
	return deleted, nil
}

func getMessage(tx *bbolt.Tx, id string) (*DBMessage, error) {
	data := tx.Bucket(bucketMessages).Get([]byte(id))
	if data == nil {
		return nil, models.ErrNotFound
	}
	var dbMessage DBMessage
	if err := dbMessage.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", id, err)
	}
	return &dbMessage, nil
}

func deleteMessage(tx *bbolt.Tx, indexKey []byte, room, id string) error {
	if err := tx.Bucket(bucketMessages).Delete([]byte(id)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketTimeIndex).Delete(indexKey); err != nil {
		return err
	}

	rooms := tx.Bucket(bucketRoomIndex)
	roomBucket := rooms.Bucket([]byte(room))
	if roomBucket == nil {
		return nil
	}
	if err := roomBucket.Delete(indexKey); err != nil {
		return err
	}
	if k, _ := roomBucket.Cursor().First(); k == nil {
		return rooms.DeleteBucket([]byte(room))
	}
	return nil
}

// storageErr wraps persistence failures. Not-found and context errors pass through untouched.
func storageErr(op string, err error) error {
	if err == nil ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &models.StorageError{Op: op, Err: err}
}
