package bus

import (
	"context"
	"sync"
)

const memoryQueueSize = 256

// MemoryBus is the single-process bus used in -dev mode and tests. Each key
// gets its own serial delivery goroutine so envelope order per conversation
// matches publish order.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]*memorySub
	closed bool
}

type memorySub struct {
	ch   chan Envelope
	done chan struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]*memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, key string, env Envelope) error {
	b.mu.Lock()
	sub, ok := b.subs[key]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case sub.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, key string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if _, ok := b.subs[key]; ok {
		return nil
	}
	sub := &memorySub{ch: make(chan Envelope, memoryQueueSize), done: make(chan struct{})}
	b.subs[key] = sub
	go func() {
		defer close(sub.done)
		for env := range sub.ch {
			h(key, env)
		}
	}()
	return nil
}

func (b *MemoryBus) Unsubscribe(ctx context.Context, key string) error {
	b.mu.Lock()
	sub, ok := b.subs[key]
	if ok {
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(sub.ch)
	<-sub.done
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*memorySub)
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
		<-sub.done
	}
	return nil
}
