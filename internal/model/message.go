package model

import "time"

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageFile   MessageKind = "file"
	MessageImage  MessageKind = "image"
	MessageSystem MessageKind = "system"
)

// Deleted-message sentinels. A deleted message keeps its row; the content is
// replaced and is_edited is set. System messages are never deletable.
const (
	DeleteReasonAuthor = "deleted by author"
	DeleteReasonAdmin  = "deleted by admin"

	// DeletedSentinelPrefix marks already-deleted content; see
	// DeletedSentinel for the full replacement string.
	DeletedSentinelPrefix = "[Message deleted"
)

// DeletedSentinel formats the replacement content for a soft-deleted message.
func DeletedSentinel(reason string) string {
	return "[Message " + reason + "]"
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"message_type"`
	CreatedAt      time.Time   `json:"timestamp"`
	IsEdited       bool        `json:"is_edited"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	ReplyToID      *string     `json:"reply_to_id,omitempty"`
	FileURL        string      `json:"file_url,omitempty"`
	FileName       string      `json:"file_name,omitempty"`
	FileSize       int64       `json:"file_size,omitempty"`
	Sender         *UserPublic `json:"sender,omitempty"`
}

// IsDeleted reports whether the message content has been replaced by the
// deletion sentinel.
func (m *Message) IsDeleted() bool {
	return len(m.Content) >= len(DeletedSentinelPrefix) && m.Content[:len(DeletedSentinelPrefix)] == DeletedSentinelPrefix
}

// Reaction: at most one per (message, user); re-sending the same symbol
// removes it, a different symbol overwrites in place.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"reaction_type"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadReceipt is unique per (message, user) and never created for the
// message's own author.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// TypingMark is an ephemeral (conversation, user) record, removed on
// stop-typing, on send, and on disconnect.
type TypingMark struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	StartedAt      time.Time `json:"started_at"`
}
