package models

import "time"

// ClientMessage represents a message sent from the client to the server.
// Which fields are meaningful depends on Type.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	Room        string            `json:"room,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Author      string            `json:"author,omitempty"`
	Body        string            `json:"body,omitempty"`
	Kind        Kind              `json:"kind,omitempty"`
	Attachment  string            `json:"attachment,omitempty"`
	ReplyTarget *ReplyTarget      `json:"replyTarget,omitempty"`
	IsTyping    bool              `json:"isTyping,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	MessageIDs  []string          `json:"messageIds,omitempty"`
	Participant string            `json:"participant,omitempty"`
	Emoji       string            `json:"emoji,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeJoin         ClientMessageType = "join"
	ClientMessageTypeLeave        ClientMessageType = "leave"
	ClientMessageTypeSend         ClientMessageType = "send"
	ClientMessageTypeTyping       ClientMessageType = "typing"
	ClientMessageTypeMarkRead     ClientMessageType = "mark-read"
	ClientMessageTypeMarkReadBulk ClientMessageType = "mark-read-bulk"
	ClientMessageTypeReact        ClientMessageType = "react"
)

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Room    string            `json:"room,omitempty"`
	Payload any               `json:"payload,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageTypeMessage         ServerMessageType = "message"
	ServerMessageTypeTyping          ServerMessageType = "typing"
	ServerMessageTypeReadReceipt     ServerMessageType = "read-receipt"
	ServerMessageTypeDeliveryReceipt ServerMessageType = "delivery-receipt"
	ServerMessageTypeReactionUpdated ServerMessageType = "reaction-updated"
	ServerMessageTypeReactionBlocked ServerMessageType = "reaction-blocked"
	ServerMessageTypeRosterUpdated   ServerMessageType = "roster-updated"
	ServerMessageTypeUserJoined      ServerMessageType = "user-joined"
	ServerMessageTypeUserLeft        ServerMessageType = "user-left"
	ServerMessageTypeHistory         ServerMessageType = "history"
	ServerMessageTypeBulkReadResult  ServerMessageType = "bulk-read-result"
	ServerMessageTypeError           ServerMessageType = "error"
)

type TypingPayload struct {
	Author    string `json:"author"`
	IsTyping  bool   `json:"isTyping"`
	SessionID string `json:"sessionId"`
}

type ReadReceiptPayload struct {
	MessageID      string    `json:"messageId"`
	Reader         string    `json:"reader"`
	ReadAt         time.Time `json:"readAt"`
	OriginalAuthor string    `json:"originalAuthor"`
}

type DeliveryReceiptPayload struct {
	MessageID   string    `json:"messageId"`
	DeliveredTo []string  `json:"deliveredTo"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type ReactionUpdatedPayload struct {
	MessageID   string         `json:"messageId"`
	Reactions   Reactions      `json:"reactions"`
	Action      ReactionAction `json:"action"`
	Emoji       string         `json:"emoji"`
	Participant string         `json:"participant"`
}

type ReactionBlockedPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Error     string `json:"error"`
}

type RosterPayload struct {
	Participants []Participant `json:"participants"`
	Count        int           `json:"count"`
}

// SystemPayload is a human-readable room notice such as a user joining.
type SystemPayload struct {
	Message     string    `json:"message"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
}

type HistoryPayload struct {
	Messages []MessageView `json:"messages"`
}

type BulkReadPayload struct {
	Read   []string          `json:"read"`
	Failed map[string]string `json:"failed,omitempty"`
}

type ErrorPayload struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type,omitempty"`
}
