package storage

import (
	"encoding/binary"
	"time"

	"chatroom/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type DBReplyTarget struct {
	MessageID string `msgpack:"messageId"`
	Author    string `msgpack:"author"`
	Body      string `msgpack:"body"`
}

type DBMessage struct {
	ID         string         `msgpack:"id"`
	Room       string         `msgpack:"room"`
	Author     string         `msgpack:"author"`
	Kind       string         `msgpack:"kind"`
	Body       string         `msgpack:"body"`
	Attachment string         `msgpack:"attachment,omitempty"`
	CreatedAt  int64          `msgpack:"createdAt"` // Unix nanoseconds
	Reply      *DBReplyTarget `msgpack:"reply,omitempty"`

	Sent        bool     `msgpack:"sent"`
	Delivered   bool     `msgpack:"delivered"`
	Read        bool     `msgpack:"read"`
	DeliveredAt int64    `msgpack:"deliveredAt"` // 0 when not delivered
	ReadAt      int64    `msgpack:"readAt"`
	DeliveredTo []string `msgpack:"deliveredTo"`
	ReadBy      []string `msgpack:"readBy"`

	Reactions map[string][]string `msgpack:"reactions"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// indexKey orders entries by creation time, the message id breaks ties.
func (m *DBMessage) indexKey() []byte {
	return timeKey(m.CreatedAt, m.ID)
}

func timeKey(nanos int64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(nanos))
	copy(key[8:], id)
	return key
}

func fromModel(m models.Message) DBMessage {
	dbMessage := DBMessage{
		ID:          m.ID,
		Room:        m.Room,
		Author:      m.Author,
		Kind:        string(m.Kind()),
		Body:        m.Body(),
		Attachment:  m.Attachment(),
		CreatedAt:   m.CreatedAt.UnixNano(),
		Sent:        m.Delivery.Sent,
		Delivered:   m.Delivery.Delivered,
		Read:        m.Delivery.Read,
		DeliveredAt: nanos(m.Delivery.DeliveredAt),
		ReadAt:      nanos(m.Delivery.ReadAt),
		DeliveredTo: m.Delivery.DeliveredTo,
		ReadBy:      m.Delivery.ReadBy,
		Reactions:   m.Reactions,
	}
	if m.ReplyTarget != nil {
		dbMessage.Reply = &DBReplyTarget{
			MessageID: m.ReplyTarget.MessageID,
			Author:    m.ReplyTarget.Author,
			Body:      m.ReplyTarget.Body,
		}
	}
	return dbMessage
}

func (m *DBMessage) toModel() (models.Message, error) {
	content, err := models.NewContent(models.Kind(m.Kind), m.Body, m.Attachment)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        m.ID,
		Room:      m.Room,
		Author:    m.Author,
		Content:   content,
		CreatedAt: time.Unix(0, m.CreatedAt).UTC(),
		Delivery: models.DeliveryState{
			Sent:        m.Sent,
			Delivered:   m.Delivered,
			Read:        m.Read,
			DeliveredAt: fromNanos(m.DeliveredAt),
			ReadAt:      fromNanos(m.ReadAt),
			DeliveredTo: nonNil(m.DeliveredTo),
			ReadBy:      nonNil(m.ReadBy),
		},
		Reactions: models.Reactions(m.Reactions),
	}
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}
	if m.Reply != nil {
		msg.ReplyTarget = &models.ReplyTarget{
			MessageID: m.Reply.MessageID,
			Author:    m.Reply.Author,
			Body:      m.Reply.Body,
		}
	}
	return msg, nil
}

func nanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
