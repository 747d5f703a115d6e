// Package memory is the in-process IdentityCache used in -dev mode and tests
// (no Redis required).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/unichat/internal/model"
)

type item struct {
	snap *model.UserSnapshot
	exp  time.Time
}

type Client struct {
	mu    sync.RWMutex
	users map[string]item
}

func New() *Client {
	return &Client{users: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetUser(ctx context.Context, userID string) (*model.UserSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.users[userID]
	if !ok || time.Now().After(v.exp) || !v.snap.Valid() {
		return nil, nil
	}
	return v.snap, nil
}

func (c *Client) SetUser(ctx context.Context, snap *model.UserSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[snap.ID] = item{snap: snap, exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, userID)
	return nil
}
