package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/model"
)

type PresenceRepository struct {
	pool *pgxpool.Pool
}

func NewPresenceRepository(pool *pgxpool.Pool) *PresenceRepository {
	return &PresenceRepository{pool: pool}
}

// Upsert sets the user's presence status and last-seen time (one row per user).
func (r *PresenceRepository) Upsert(ctx context.Context, userID string, status model.PresenceStatus, at time.Time) error {
	defer logger.DeferLogDuration("presence.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_presence (user_id, status, last_seen)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status, last_seen = EXCLUDED.last_seen`,
		userID, status, at,
	)
	if err != nil {
		return fmt.Errorf("presenceRepo.Upsert: %w", err)
	}
	return nil
}

func (r *PresenceRepository) Get(ctx context.Context, userID string) (*model.Presence, error) {
	defer logger.DeferLogDuration("presence.Get", time.Now())()
	p := &model.Presence{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, status, last_seen, status_message FROM user_presence WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Status, &p.LastSeen, &p.StatusMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("presenceRepo.Get: %w", err)
	}
	return p, nil
}

// ResetAllOffline marks every principal offline; called at startup so stale
// online rows from a crashed process do not survive a restart.
func (r *PresenceRepository) ResetAllOffline(ctx context.Context) error {
	defer logger.DeferLogDuration("presence.ResetAllOffline", time.Now())()
	_, err := r.pool.Exec(ctx, `UPDATE user_presence SET status = 'offline' WHERE status != 'offline'`)
	if err != nil {
		return fmt.Errorf("presenceRepo.ResetAllOffline: %w", err)
	}
	return nil
}
