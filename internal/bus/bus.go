// Package bus is the conversation fanout layer. Each conversation maps to
// one channel key; every API instance subscribes to the keys its connected
// clients joined and republishes inbound envelopes to them. The redis
// implementation spans instances, the memory one serves -dev and tests.
package bus

import (
	"context"
	"encoding/json"
)

// Envelope is the unit of fanout. Data carries the already-marshaled frame
// payload; Type mirrors the outbound frame type so subscribers can route
// without re-parsing Data. ActorID is the user whose operation produced the
// event, SenderID the message author when the event concerns one message.
type Envelope struct {
	Type     string          `json:"type"`
	ActorID  string          `json:"actor_id,omitempty"`
	SenderID string          `json:"sender_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Handler receives envelopes for a subscribed key. It must not block: the
// per-key delivery loop is serial and a stalled handler stalls the key.
type Handler func(key string, env Envelope)

type Bus interface {
	// Publish sends the envelope to all current subscribers of key.
	// Publishing to a key with no subscribers is a no-op.
	Publish(ctx context.Context, key string, env Envelope) error
	// Subscribe registers the handler for key. One subscription per key per
	// process is enough; connection-level routing happens in the handler.
	Subscribe(ctx context.Context, key string, h Handler) error
	// Unsubscribe removes the subscription for key.
	Unsubscribe(ctx context.Context, key string) error
	Close() error
}

// ConversationKey returns the channel key for a conversation.
func ConversationKey(conversationID string) string {
	return "conversation:" + conversationID
}
