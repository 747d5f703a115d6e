package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/unichat/internal/logger"
)

// RedisBus fans envelopes out over redis Pub/Sub so that members connected
// to different API instances still see each other's events.
type RedisBus struct {
	cli *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSub
}

type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBus(cli *redis.Client) *RedisBus {
	return &RedisBus{
		cli:  cli,
		subs: make(map[string]*redisSub),
	}
}

func (b *RedisBus) Publish(ctx context.Context, key string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.cli.Publish(ctx, key, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, key string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key]; ok {
		return nil
	}

	ps := b.cli.Subscribe(context.WithoutCancel(ctx), key)
	// Wait for the subscription to land so a Publish right after
	// Subscribe returns cannot be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{ps: ps, cancel: cancel, done: make(chan struct{})}
	b.subs[key] = sub

	go b.readLoop(loopCtx, key, sub, h)
	return nil
}

func (b *RedisBus) readLoop(ctx context.Context, key string, sub *redisSub, h Handler) {
	defer close(sub.done)
	ch := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Errorf("bus: bad envelope on %s: %v", key, err)
				continue
			}
			h(key, env)
		}
	}
}

func (b *RedisBus) Unsubscribe(ctx context.Context, key string) error {
	b.mu.Lock()
	sub, ok := b.subs[key]
	if ok {
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	err := sub.ps.Close()
	<-sub.done
	return err
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSub)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		_ = sub.ps.Close()
		<-sub.done
	}
	return nil
}
