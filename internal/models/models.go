package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Kind is the message content kind.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Content is the kind-specific part of a message.
// It is either TextContent or ImageContent.
type Content interface {
	Kind() Kind
	isContent()
}

// TextContent is a plain text message. Body is never empty.
type TextContent struct {
	Body string
}

func (TextContent) Kind() Kind { return KindText }
func (TextContent) isContent() {}

// ImageContent is an image message with an optional caption.
// Attachment is the opaque encoded image payload and is never empty.
type ImageContent struct {
	Attachment string
	Caption    string
}

func (ImageContent) Kind() Kind { return KindImage }
func (ImageContent) isContent() {}

// Participant is one connected session in a room.
// DisplayName is not unique: several sessions may share it.
type Participant struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

// ReplyTarget is a snapshot of the message being replied to, copied at send time.
// It is never resolved against the store again, so it outlives the original.
type ReplyTarget struct {
	MessageID string `json:"messageId"`
	Author    string `json:"author"`
	Body      string `json:"body"`
}

// DeliveryState tracks the sent -> delivered -> read progression of a message.
// Delivered and Read are true iff the corresponding set is non-empty,
// and none of the flags ever go back to false.
type DeliveryState struct {
	Sent        bool       `json:"sent"`
	Delivered   bool       `json:"delivered"`
	Read        bool       `json:"read"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`
	DeliveredTo []string   `json:"deliveredTo"`
	ReadBy      []string   `json:"readBy"`
}

// AddDelivered adds participant to DeliveredTo.
// It reports false and leaves the state untouched if participant is already there.
// DeliveredAt is only set on the first transition.
func (d *DeliveryState) AddDelivered(participant string, at time.Time) bool {
	if slices.Contains(d.DeliveredTo, participant) {
		return false
	}
	d.DeliveredTo = append(d.DeliveredTo, participant)
	if !d.Delivered {
		d.Delivered = true
		d.DeliveredAt = &at
	}
	return true
}

// AddRead adds participant to ReadBy. Same rules as AddDelivered.
func (d *DeliveryState) AddRead(participant string, at time.Time) bool {
	if slices.Contains(d.ReadBy, participant) {
		return false
	}
	d.ReadBy = append(d.ReadBy, participant)
	if !d.Read {
		d.Read = true
		d.ReadAt = &at
	}
	return true
}

type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
	ReactionBlocked ReactionAction = "blocked"
)

// Reactions maps an emoji to the participants who reacted with it.
// A participant holds at most one emoji per message.
type Reactions map[string][]string

// HeldBy returns the emoji participant currently reacted with, if any.
func (r Reactions) HeldBy(participant string) (string, bool) {
	for emoji, who := range r {
		if slices.Contains(who, participant) {
			return emoji, true
		}
	}
	return "", false
}

// Toggle applies the single-reaction policy:
//   - same emoji again removes it (and the emoji key once nobody holds it);
//   - a different emoji while one is held is blocked, nothing changes;
//   - otherwise the reaction is added.
func (r Reactions) Toggle(emoji, participant string) ReactionAction {
	if who := r[emoji]; slices.Contains(who, participant) {
		who = slices.DeleteFunc(slices.Clone(who), func(p string) bool { return p == participant })
		if len(who) == 0 {
			delete(r, emoji)
		} else {
			r[emoji] = who
		}
		return ReactionRemoved
	}

	if _, ok := r.HeldBy(participant); ok {
		return ReactionBlocked
	}

	r[emoji] = append(r[emoji], participant)
	return ReactionAdded
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, who := range r {
		out[emoji] = slices.Clone(who)
	}
	return out
}

// Message is a chat message. Only Delivery and Reactions change after creation.
type Message struct {
	ID          string
	Room        string
	Author      string
	Content     Content
	CreatedAt   time.Time
	ReplyTarget *ReplyTarget
	Delivery    DeliveryState
	Reactions   Reactions
}

func (m Message) Kind() Kind {
	if m.Content == nil {
		return KindText
	}
	return m.Content.Kind()
}

// Body returns the text of a text message or the caption of an image.
func (m Message) Body() string {
	switch c := m.Content.(type) {
	case TextContent:
		return c.Body
	case ImageContent:
		return c.Caption
	}
	return ""
}

func (m Message) Attachment() string {
	if c, ok := m.Content.(ImageContent); ok {
		return c.Attachment
	}
	return ""
}

// wireMessage is the flat JSON form of Message.
type wireMessage struct {
	ID            string        `json:"id"`
	Room          string        `json:"room"`
	Author        string        `json:"author"`
	Kind          Kind          `json:"kind"`
	Body          string        `json:"body"`
	Attachment    string        `json:"attachment,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	ReplyTarget   *ReplyTarget  `json:"replyTarget,omitempty"`
	DeliveryState DeliveryState `json:"deliveryState"`
	Reactions     Reactions     `json:"reactions"`
}

func (m Message) wire() wireMessage {
	reactions := m.Reactions
	if reactions == nil {
		reactions = Reactions{}
	}
	return wireMessage{
		ID:            m.ID,
		Room:          m.Room,
		Author:        m.Author,
		Kind:          m.Kind(),
		Body:          m.Body(),
		Attachment:    m.Attachment(),
		CreatedAt:     m.CreatedAt,
		ReplyTarget:   m.ReplyTarget,
		DeliveryState: m.Delivery,
		Reactions:     reactions,
	}
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.wire())
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content, err := NewContent(w.Kind, w.Body, w.Attachment)
	if err != nil {
		return err
	}
	*m = Message{
		ID:          w.ID,
		Room:        w.Room,
		Author:      w.Author,
		Content:     content,
		CreatedAt:   w.CreatedAt,
		ReplyTarget: w.ReplyTarget,
		Delivery:    w.DeliveryState,
		Reactions:   w.Reactions,
	}
	return nil
}

// NewContent builds the content variant for kind. An empty kind means text.
func NewContent(kind Kind, body, attachment string) (Content, error) {
	switch kind {
	case KindText, "":
		return TextContent{Body: body}, nil
	case KindImage:
		return ImageContent{Attachment: attachment, Caption: body}, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}
}

// MessageView is a message as seen by one participant in a history query.
type MessageView struct {
	Message
	IsDeliveredToUser bool
	IsReadByUser      bool
}

// ViewFor enriches m with participant's delivery and read flags.
func ViewFor(m Message, participant string) MessageView {
	v := MessageView{Message: m}
	if participant != "" {
		v.IsDeliveredToUser = slices.Contains(m.Delivery.DeliveredTo, participant)
		v.IsReadByUser = slices.Contains(m.Delivery.ReadBy, participant)
	}
	return v
}

func (v MessageView) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		wireMessage
		IsDeliveredToUser bool `json:"isDeliveredToUser"`
		IsReadByUser      bool `json:"isReadByUser"`
		DeliveryCount     int  `json:"deliveryCount"`
		ReadCount         int  `json:"readCount"`
	}{
		wireMessage:       v.Message.wire(),
		IsDeliveredToUser: v.IsDeliveredToUser,
		IsReadByUser:      v.IsReadByUser,
		DeliveryCount:     len(v.Delivery.DeliveredTo),
		ReadCount:         len(v.Delivery.ReadBy),
	})
}
