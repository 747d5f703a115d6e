package ws

import (
	"context"
	"strings"
	"time"

	"github.com/unichat/internal/model"
	"github.com/unichat/internal/repository"
)

// Store interfaces consumed by the hub and operation handlers. The pgx
// repositories satisfy them; tests use in-memory fakes.

type ConversationStore interface {
	GetMember(ctx context.Context, conversationID, userID string) (*model.Membership, error)
	UpdateMemberLastRead(ctx context.Context, conversationID, userID string, t time.Time) error
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	SoftDelete(ctx context.Context, id, sentinel string, at time.Time) (bool, error)
	UnreadRefs(ctx context.Context, conversationID, readerID string, since *time.Time) ([]repository.MessageRef, error)
	FilterReadable(ctx context.Context, conversationID, readerID string, ids []string) ([]repository.MessageRef, error)
}

type ReactionStore interface {
	GetOrCreate(ctx context.Context, messageID, userID, symbol string, at time.Time) (bool, *model.Reaction, error)
	UpdateSymbol(ctx context.Context, messageID, userID, symbol string, at time.Time) error
	Delete(ctx context.Context, messageID, userID string) error
}

type ReadStore interface {
	CreateMissing(ctx context.Context, userID string, messageIDs []string, at time.Time) ([]string, error)
}

type TypingStore interface {
	Upsert(ctx context.Context, conversationID, userID string, at time.Time) error
	Delete(ctx context.Context, conversationID, userID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

type PresenceStore interface {
	Upsert(ctx context.Context, userID string, status model.PresenceStatus, at time.Time) error
}

// allowedReactions is the closed reaction vocabulary. Order matters only
// for the validation error text.
var allowedReactions = []string{"👍", "❤️", "😂", "😮", "😢", "😡", "👎", "🔥", "💯", "👏"}

var allowedReactionSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(allowedReactions))
	for _, r := range allowedReactions {
		m[r] = struct{}{}
	}
	return m
}()

func validReaction(symbol string) bool {
	_, ok := allowedReactionSet[symbol]
	return ok
}

func invalidReactionError() string {
	return "Invalid reaction type. Valid options: " + strings.Join(allowedReactions, ", ")
}

// User-facing operation error texts.
const (
	errNotMember       = "You are not a member of this conversation"
	errMessageNotFound = "Message not found"
	errSystemDelete    = "System messages cannot be deleted"
	errDeleteExpired   = "You can only delete your own messages within 24 hours of posting"
	errDeleteNotOwn    = "You can only delete your own messages"
	errInternal        = "Internal server error"
	errBadJSON         = "Invalid JSON format"
)

// authorDeleteWindow is how long a sender may delete their own message.
const authorDeleteWindow = 24 * time.Hour
