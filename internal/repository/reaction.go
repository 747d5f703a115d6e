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

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// GetOrCreate inserts a reaction for (message, user) or returns the existing
// one. The (message_id, user_id) primary key serializes concurrent reactions
// to the same message; no application-level locking.
func (r *ReactionRepository) GetOrCreate(ctx context.Context, messageID, userID, symbol string, at time.Time) (bool, *model.Reaction, error) {
	defer logger.DeferLogDuration("reaction.GetOrCreate", time.Now())()
	var createdAt time.Time
	err := r.pool.QueryRow(ctx,
		`INSERT INTO message_reactions (message_id, user_id, reaction_type, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id, user_id) DO NOTHING
		 RETURNING created_at`,
		messageID, userID, symbol, at,
	).Scan(&createdAt)
	if err == nil {
		return true, &model.Reaction{MessageID: messageID, UserID: userID, Symbol: symbol, CreatedAt: createdAt}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("reactionRepo.GetOrCreate insert: %w", err)
	}

	// Conflict: load the existing reaction.
	existing := &model.Reaction{MessageID: messageID, UserID: userID}
	err = r.pool.QueryRow(ctx,
		`SELECT reaction_type, created_at FROM message_reactions WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	).Scan(&existing.Symbol, &existing.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted between insert and select (concurrent toggle); treat as not found.
		return false, nil, ErrNotFound
	}
	if err != nil {
		return false, nil, fmt.Errorf("reactionRepo.GetOrCreate select: %w", err)
	}
	return false, existing, nil
}

// UpdateSymbol overwrites the reaction symbol and timestamp in place.
func (r *ReactionRepository) UpdateSymbol(ctx context.Context, messageID, userID, symbol string, at time.Time) error {
	defer logger.DeferLogDuration("reaction.UpdateSymbol", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE message_reactions SET reaction_type = $3, created_at = $4 WHERE message_id = $1 AND user_id = $2`,
		messageID, userID, symbol, at,
	)
	if err != nil {
		return fmt.Errorf("reactionRepo.UpdateSymbol: %w", err)
	}
	return nil
}

// Delete removes the user's reaction from a message (toggle off).
func (r *ReactionRepository) Delete(ctx context.Context, messageID, userID string) error {
	defer logger.DeferLogDuration("reaction.Delete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("reactionRepo.Delete: %w", err)
	}
	return nil
}

// GetByMessage lists reactions on a message, oldest first.
func (r *ReactionRepository) GetByMessage(ctx context.Context, messageID string) ([]model.Reaction, error) {
	defer logger.DeferLogDuration("reaction.GetByMessage", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, reaction_type, created_at
		 FROM message_reactions
		 WHERE message_id = $1
		 ORDER BY created_at`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.GetByMessage query: %w", err)
	}
	defer rows.Close()

	reactions := make([]model.Reaction, 0, 8)
	for rows.Next() {
		var rc model.Reaction
		if err := rows.Scan(&rc.MessageID, &rc.UserID, &rc.Symbol, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("reactionRepo.GetByMessage scan: %w", err)
		}
		reactions = append(reactions, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.GetByMessage rows: %w", err)
	}
	return reactions, nil
}
