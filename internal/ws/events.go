package ws

import (
	"encoding/json"
	"time"

	"github.com/unichat/internal/model"
)

// OpType enumerates the operations a client may send. The set is closed:
// anything else falls through to the unknown-type error path.
type OpType string

const (
	OpJoinConversation OpType = "join_conversation"
	OpSendMessage      OpType = "send_message"
	OpTypingStart      OpType = "typing_start"
	OpTypingStop       OpType = "typing_stop"
	OpDeleteMessage    OpType = "delete_message"
	OpReactToMessage   OpType = "react_to_message"
	OpMarkRead         OpType = "mark_read"
	OpPing             OpType = "ping"
)

// EventType enumerates server-to-client frame types.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventConversationJoined    EventType = "conversation_joined"
	EventNewMessage            EventType = "new_message"
	EventFileMessage           EventType = "file_message"
	EventMessageDeleted        EventType = "message_deleted"
	EventReactionUpdate        EventType = "reaction_update"
	EventMessageRead           EventType = "message_read"
	EventConversationRead      EventType = "conversation_read"
	EventTypingUpdate          EventType = "typing_update"
	EventPong                  EventType = "pong"
	EventError                 EventType = "error"
)

// Close codes sent on connection rejection. Unauthenticated upgrades get a
// distinct code from internal failures during accept.
const (
	CloseUnauthenticated = 4001
	CloseInternalError   = 4000
)

// InboundFrame is what the client sends: a type tag plus an op-specific
// data object, decoded lazily per operation.
type InboundFrame struct {
	Type OpType          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OutboundFrame is what the server sends.
// Data uses typed structs to avoid heap-heavy map[string]any.
type OutboundFrame struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// --- Inbound operation payloads ---

type JoinData struct {
	ConversationID string `json:"conversation_id"`
}

type SendData struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type TypingData struct {
	ConversationID string `json:"conversation_id"`
}

type DeleteData struct {
	MessageID string `json:"message_id"`
}

type ReactData struct {
	MessageID    string `json:"message_id"`
	ReactionType string `json:"reaction_type"`
}

type MarkReadData struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// --- Outbound payloads ---

type ConnectionEstablishedData struct {
	Message string           `json:"message"`
	User    model.UserPublic `json:"user"`
}

type ConversationJoinedData struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type MessageDeletedData struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	DeletedBy      string    `json:"deleted_by"`
	DeleteReason   string    `json:"delete_reason"`
	NewContent     string    `json:"new_content"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// ReactionData describes the surviving reaction; nil when the toggle
// removed it.
type ReactionData struct {
	UserID       string    `json:"user_id"`
	UserEmail    string    `json:"user_email"`
	UserName     string    `json:"user_name"`
	ReactionType string    `json:"reaction_type"`
	CreatedAt    time.Time `json:"created_at"`
}

type ReactionUpdateData struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	Action         string        `json:"action"`
	ReactionData   *ReactionData `json:"reaction_data"`
	UserID         string        `json:"user_id"`
}

type TypingUpdateData struct {
	UserID         string `json:"user_id"`
	UserEmail      string `json:"user_email"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type MessageReadData struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	ReaderEmail    string    `json:"reader_email"`
	ReaderName     string    `json:"reader_name"`
	ReadAt         time.Time `json:"read_at"`
}

type ConversationReadData struct {
	ConversationID      string    `json:"conversation_id"`
	ReaderID            string    `json:"reader_id"`
	ReaderEmail         string    `json:"reader_email"`
	ReaderName          string    `json:"reader_name"`
	ReadAt              time.Time `json:"read_at"`
	MessagesMarkedCount int       `json:"messages_marked_count"`
	MarkedMessageIDs    []string  `json:"marked_message_ids"`
}

type PongData struct {
	Timestamp time.Time `json:"timestamp"`
}

type ErrorData struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
