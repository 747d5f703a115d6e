package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unichat/internal/logger"
)

type TypingRepository struct {
	pool *pgxpool.Pool
}

func NewTypingRepository(pool *pgxpool.Pool) *TypingRepository {
	return &TypingRepository{pool: pool}
}

// Upsert records that the user is typing in the conversation; repeated
// typing_start frames refresh the timestamp.
func (r *TypingRepository) Upsert(ctx context.Context, conversationID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("typing.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO typing_marks (conversation_id, user_id, started_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET started_at = EXCLUDED.started_at`,
		conversationID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("typingRepo.Upsert: %w", err)
	}
	return nil
}

func (r *TypingRepository) Delete(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("typing.Delete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM typing_marks WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("typingRepo.Delete: %w", err)
	}
	return nil
}

// DeleteAllForUser clears every typing mark owned by the user; part of the
// session's disconnect finalizer.
func (r *TypingRepository) DeleteAllForUser(ctx context.Context, userID string) error {
	defer logger.DeferLogDuration("typing.DeleteAllForUser", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM typing_marks WHERE user_id = $1`, userID,
	)
	if err != nil {
		return fmt.Errorf("typingRepo.DeleteAllForUser: %w", err)
	}
	return nil
}
