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

const msgCols = `m.id, m.conversation_id, m.sender_id, m.content, m.message_type, m.created_at,
	        m.is_edited, m.edited_at, m.reply_to_id, m.file_url, m.file_name, m.file_size,
	        u.id, u.email, u.first_name, u.last_name`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }) (*model.Message, error) {
	m := &model.Message{}
	var sender model.User
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Kind, &m.CreatedAt,
		&m.IsEdited, &m.EditedAt, &m.ReplyToID, &m.FileURL, &m.FileName, &m.FileSize,
		&sender.ID, &sender.Email, &sender.FirstName, &sender.LastName)
	if err != nil {
		return nil, err
	}
	pub := sender.ToPublic()
	m.Sender = &pub
	return m, nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, message_type, created_at, is_edited, edited_at, reply_to_id, file_url, file_name, file_size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Kind, m.CreatedAt, m.IsEdited, m.EditedAt, m.ReplyToID, m.FileURL, m.FileName, m.FileSize,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	row := r.pool.QueryRow(ctx,
		`SELECT `+msgCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) List(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.List query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.List scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.List rows: %w", err)
	}
	return messages, nil
}

// SoftDelete replaces the content with the deletion sentinel and flags the
// message edited. Returns false when the message was already deleted or is a
// system message (no row updated); the caller treats that as a no-op.
func (r *MessageRepository) SoftDelete(ctx context.Context, id, sentinel string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $2, is_edited = TRUE, edited_at = $3
		 WHERE id = $1 AND message_type != 'system' AND content NOT LIKE $4`,
		id, sentinel, at, model.DeletedSentinelPrefix+"%",
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MessageRef is the (id, sender) pair used by the mark-read flow: sender ids
// drive both the self-exclusion and the single-receipt visibility filter.
type MessageRef struct {
	ID       string
	SenderID string
}

// UnreadRefs returns refs for all messages in the conversation newer than
// the watermark (all of history when since is nil), excluding the reader's
// own messages, oldest first.
func (r *MessageRepository) UnreadRefs(ctx context.Context, conversationID, readerID string, since *time.Time) ([]MessageRef, error) {
	defer logger.DeferLogDuration("msg.UnreadRefs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, sender_id FROM messages
		 WHERE conversation_id = $1 AND sender_id != $2
		   AND ($3::timestamptz IS NULL OR created_at > $3)
		 ORDER BY created_at`, conversationID, readerID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadRefs query: %w", err)
	}
	defer rows.Close()
	return collectRefs(rows, "msgRepo.UnreadRefs")
}

// FilterReadable keeps only the ids that belong to the conversation and were
// not sent by the reader.
func (r *MessageRepository) FilterReadable(ctx context.Context, conversationID, readerID string, ids []string) ([]MessageRef, error) {
	defer logger.DeferLogDuration("msg.FilterReadable", time.Now())()
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, sender_id FROM messages
		 WHERE conversation_id = $1 AND sender_id != $2 AND id = ANY($3::uuid[])
		 ORDER BY created_at`, conversationID, readerID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.FilterReadable query: %w", err)
	}
	defer rows.Close()
	return collectRefs(rows, "msgRepo.FilterReadable")
}

func collectRefs(rows pgx.Rows, op string) ([]MessageRef, error) {
	refs := make([]MessageRef, 0, 16)
	for rows.Next() {
		var ref MessageRef
		if err := rows.Scan(&ref.ID, &ref.SenderID); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return refs, nil
}
