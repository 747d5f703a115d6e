package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/unichat/internal/model"
)

// authUserKey mirrors the account system's cache namespace.
const authUserKey = "auth_user:"

type Client struct {
	cli *redis.Client
}

// New wraps an already-connected go-redis client.
func New(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// GetUser returns the cached snapshot or (nil, nil) on a miss. Entries with
// a stale snapshot version are discarded and reported as misses.
func (c *Client) GetUser(ctx context.Context, userID string) (*model.UserSnapshot, error) {
	val, err := c.cli.Get(ctx, authUserKey+userID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity cache get: %w", err)
	}
	var snap model.UserSnapshot
	if err := json.Unmarshal(val, &snap); err != nil || !snap.Valid() {
		// Unreadable or outdated entry: drop it and treat as a miss.
		c.cli.Del(ctx, authUserKey+userID)
		return nil, nil
	}
	return &snap, nil
}

func (c *Client) SetUser(ctx context.Context, snap *model.UserSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("identity cache marshal: %w", err)
	}
	if err := c.cli.Set(ctx, authUserKey+snap.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("identity cache set: %w", err)
	}
	return nil
}

func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	if err := c.cli.Del(ctx, authUserKey+userID).Err(); err != nil {
		return fmt.Errorf("identity cache del: %w", err)
	}
	return nil
}
