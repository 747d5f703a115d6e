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

const convCols = `id, conversation_type, name, description, community_id, created_by, created_at, updated_at, is_active, max_members, is_public`

// convColsC is convCols with the "c" alias, for joined queries.
const convColsC = `c.id, c.conversation_type, c.name, c.description, c.community_id, c.created_by, c.created_at, c.updated_at, c.is_active, c.max_members, c.is_public`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Type, &c.Name, &c.Description, &c.CommunityID, &c.CreatedBy,
		&c.CreatedAt, &c.UpdatedAt, &c.IsActive, &c.MaxMembers, &c.IsPublic)
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, conversation_type, name, description, community_id, created_by, created_at, updated_at, is_active, max_members, is_public)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Type, c.Name, c.Description, c.CommunityID, c.CreatedBy, c.CreatedAt, c.UpdatedAt, c.IsActive, c.MaxMembers, c.IsPublic,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// AddMember inserts a membership or reactivates a previously deactivated one
// for the same (conversation, user) pair.
func (r *ConversationRepository) AddMember(ctx context.Context, m *model.Membership) error {
	defer logger.DeferLogDuration("conv.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id, role, joined_at, is_active, notifications_enabled)
		 VALUES ($1, $2, $3, $4, TRUE, $5)
		 ON CONFLICT (conversation_id, user_id)
		 DO UPDATE SET is_active = TRUE, role = EXCLUDED.role, joined_at = EXCLUDED.joined_at`,
		m.ConversationID, m.UserID, m.Role, m.JoinedAt, m.NotificationsEnabled,
	)
	if err != nil {
		return fmt.Errorf("convRepo.AddMember: %w", err)
	}
	return nil
}

// GetMember returns the active membership for (conversation, user), or
// ErrNotFound. Every authorization decision goes through this lookup.
func (r *ConversationRepository) GetMember(ctx context.Context, conversationID, userID string) (*model.Membership, error) {
	defer logger.DeferLogDuration("conv.GetMember", time.Now())()
	m := &model.Membership{}
	err := r.pool.QueryRow(ctx,
		`SELECT conversation_id, user_id, role, joined_at, is_active, notifications_enabled, last_read_at
		 FROM conversation_members
		 WHERE conversation_id = $1 AND user_id = $2 AND is_active = TRUE`,
		conversationID, userID,
	).Scan(&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt, &m.IsActive, &m.NotificationsEnabled, &m.LastReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetMember: %w", err)
	}
	return m, nil
}

// DeactivateMember soft-deletes a membership (leave). The row stays.
func (r *ConversationRepository) DeactivateMember(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("conv.DeactivateMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET is_active = FALSE WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.DeactivateMember: %w", err)
	}
	return nil
}

func (r *ConversationRepository) UpdateMemberRole(ctx context.Context, conversationID, userID string, role model.MemberRole) error {
	defer logger.DeferLogDuration("conv.UpdateMemberRole", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET role = $1 WHERE conversation_id = $2 AND user_id = $3`,
		role, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateMemberRole: %w", err)
	}
	return nil
}

// UpdateMemberLastRead moves the read watermark for a member.
func (r *ConversationRepository) UpdateMemberLastRead(ctx context.Context, conversationID, userID string, t time.Time) error {
	defer logger.DeferLogDuration("conv.UpdateMemberLastRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET last_read_at = $1 WHERE conversation_id = $2 AND user_id = $3`,
		t, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateMemberLastRead: %w", err)
	}
	return nil
}

// GetActiveMemberIDs returns the user ids of all active members.
func (r *ConversationRepository) GetActiveMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.GetActiveMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1 AND is_active = TRUE`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetActiveMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.GetActiveMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetActiveMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) CountActiveMembers(ctx context.Context, conversationID string) (int, error) {
	defer logger.DeferLogDuration("conv.CountActiveMembers", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_members WHERE conversation_id = $1 AND is_active = TRUE`,
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("convRepo.CountActiveMembers: %w", err)
	}
	return n, nil
}

// GetOldestActiveMember returns the longest-standing active member, used to
// promote a replacement admin when the last admin leaves.
func (r *ConversationRepository) GetOldestActiveMember(ctx context.Context, conversationID string) (*model.Membership, error) {
	defer logger.DeferLogDuration("conv.GetOldestActiveMember", time.Now())()
	m := &model.Membership{}
	err := r.pool.QueryRow(ctx,
		`SELECT conversation_id, user_id, role, joined_at, is_active, notifications_enabled, last_read_at
		 FROM conversation_members
		 WHERE conversation_id = $1 AND is_active = TRUE
		 ORDER BY joined_at
		 LIMIT 1`, conversationID,
	).Scan(&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt, &m.IsActive, &m.NotificationsEnabled, &m.LastReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetOldestActiveMember: %w", err)
	}
	return m, nil
}

// GetUserConversations lists conversations where the user has an active
// membership, most recently created first.
func (r *ConversationRepository) GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetUserConversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+convColsC+`
		 FROM conversations c
		 JOIN conversation_members cm ON cm.conversation_id = c.id
		 WHERE cm.user_id = $1 AND cm.is_active = TRUE AND c.is_active = TRUE
		 ORDER BY c.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convRepo.GetUserConversations scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations rows: %w", err)
	}
	return convs, nil
}

// FindPersonalConversation returns the personal conversation between two
// users, if one exists (active or not: a left personal chat is reactivated
// rather than duplicated).
func (r *ConversationRepository) FindPersonalConversation(ctx context.Context, userID1, userID2 string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindPersonalConversation", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+convColsC+`
		 FROM conversations c
		 WHERE c.conversation_type = 'personal'
		   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $2)`,
		userID1, userID2,
	)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.FindPersonalConversation: %w", err)
	}
	return c, nil
}

// ListChannels lists public channels for a community.
func (r *ConversationRepository) ListChannels(ctx context.Context, communityID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.ListChannels", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+convCols+`
		 FROM conversations
		 WHERE conversation_type = 'channel' AND community_id = $1 AND is_active = TRUE AND is_public = TRUE
		 ORDER BY name`, communityID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListChannels query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convRepo.ListChannels scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListChannels rows: %w", err)
	}
	return convs, nil
}

// GetUnreadCount counts messages created after the member's watermark,
// excluding their own.
func (r *ConversationRepository) GetUnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("conv.GetUnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = $2
		 WHERE m.conversation_id = $1 AND m.sender_id != $2
		   AND (cm.last_read_at IS NULL OR m.created_at > cm.last_read_at)`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("convRepo.GetUnreadCount: %w", err)
	}
	return count, nil
}
