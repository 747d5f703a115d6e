package storage

import (
	"context"
	"time"

	"github.com/unichat/internal/model"
)

// IdentityCache is the write-through cache for authenticated principal
// snapshots, keyed by user id with a per-entry TTL.
// Implementations: redis.Client, memory.Client (for -dev and tests).
type IdentityCache interface {
	// GetUser returns the cached snapshot, or (nil, nil) on a miss.
	GetUser(ctx context.Context, userID string) (*model.UserSnapshot, error)
	SetUser(ctx context.Context, snap *model.UserSnapshot, ttl time.Duration) error
	// DeleteUser invalidates the snapshot; called on any mutation to the
	// underlying principal record, not left to the TTL.
	DeleteUser(ctx context.Context, userID string) error
	Close() error
}
