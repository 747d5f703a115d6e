package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) handle(key string, env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) waitLen(t *testing.T, n int) []Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.envs)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.envs, n)
	return append([]Envelope(nil), c.envs...)
}

func TestMemoryBusPublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	err := b.Publish(context.Background(), ConversationKey("c1"), Envelope{Type: "new_message"})
	assert.NoError(t, err)
}

func TestMemoryBusDeliversAfterSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var c collector
	require.NoError(t, b.Subscribe(ctx, ConversationKey("c1"), c.handle))

	env := Envelope{Type: "new_message", ActorID: "u1", Data: json.RawMessage(`{"id":"m1"}`)}
	require.NoError(t, b.Publish(ctx, ConversationKey("c1"), env))

	got := c.waitLen(t, 1)
	assert.Equal(t, env, got[0])
}

func TestMemoryBusKeyIsolation(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var c1, c2 collector
	require.NoError(t, b.Subscribe(ctx, ConversationKey("c1"), c1.handle))
	require.NoError(t, b.Subscribe(ctx, ConversationKey("c2"), c2.handle))

	require.NoError(t, b.Publish(ctx, ConversationKey("c1"), Envelope{Type: "typing_update"}))

	c1.waitLen(t, 1)
	time.Sleep(20 * time.Millisecond)
	c2.mu.Lock()
	defer c2.mu.Unlock()
	assert.Empty(t, c2.envs)
}

func TestMemoryBusOrderPerKey(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var c collector
	require.NoError(t, b.Subscribe(ctx, ConversationKey("c1"), c.handle))

	for i := 0; i < 50; i++ {
		data, _ := json.Marshal(i)
		require.NoError(t, b.Publish(ctx, ConversationKey("c1"), Envelope{Type: "new_message", Data: data}))
	}

	got := c.waitLen(t, 50)
	for i, env := range got {
		var n int
		require.NoError(t, json.Unmarshal(env.Data, &n))
		assert.Equal(t, i, n)
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var c collector
	require.NoError(t, b.Subscribe(ctx, ConversationKey("c1"), c.handle))
	require.NoError(t, b.Unsubscribe(ctx, ConversationKey("c1")))

	require.NoError(t, b.Publish(ctx, ConversationKey("c1"), Envelope{Type: "new_message"}))
	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.envs)
}

func TestMemoryBusDuplicateSubscribeIsNoop(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var c collector
	require.NoError(t, b.Subscribe(ctx, ConversationKey("c1"), c.handle))
	require.NoError(t, b.Subscribe(ctx, ConversationKey("c1"), c.handle))

	require.NoError(t, b.Publish(ctx, ConversationKey("c1"), Envelope{Type: "new_message"}))
	c.waitLen(t, 1)
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.envs, 1)
}
