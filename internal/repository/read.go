package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unichat/internal/logger"
)

type ReadReceiptRepository struct {
	pool *pgxpool.Pool
}

func NewReadReceiptRepository(pool *pgxpool.Pool) *ReadReceiptRepository {
	return &ReadReceiptRepository{pool: pool}
}

// CreateMissing inserts read receipts for the given messages, skipping pairs
// that already exist, and returns the ids that were actually inserted. The
// (message_id, user_id) primary key makes repeated mark-read calls create
// zero new rows.
func (r *ReadReceiptRepository) CreateMissing(ctx context.Context, userID string, messageIDs []string, at time.Time) ([]string, error) {
	defer logger.DeferLogDuration("read.CreateMissing", time.Now())()
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT unnest($1::uuid[]), $2, $3
		 ON CONFLICT (message_id, user_id) DO NOTHING
		 RETURNING message_id`,
		messageIDs, userID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("readRepo.CreateMissing query: %w", err)
	}
	defer rows.Close()

	inserted := make([]string, 0, len(messageIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("readRepo.CreateMissing scan: %w", err)
		}
		inserted = append(inserted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readRepo.CreateMissing rows: %w", err)
	}
	return inserted, nil
}

// CountForMessage returns how many principals have read a message.
func (r *ReadReceiptRepository) CountForMessage(ctx context.Context, messageID string) (int, error) {
	defer logger.DeferLogDuration("read.CountForMessage", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM message_reads WHERE message_id = $1`, messageID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("readRepo.CountForMessage: %w", err)
	}
	return n, nil
}
