package model

import "time"

type ConversationType string

const (
	ConversationPersonal ConversationType = "personal"
	ConversationGroup    ConversationType = "group"
	ConversationChannel  ConversationType = "channel"
)

type MemberRole string

const (
	RoleMember MemberRole = "member"
	RoleAdmin  MemberRole = "admin"
)

type Conversation struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	// CommunityID scopes a channel to a university community; nil for
	// personal and group conversations.
	CommunityID *string   `json:"community_id,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	IsActive    bool      `json:"is_active"`
	MaxMembers  int       `json:"max_members"`
	IsPublic    bool      `json:"is_public"`
}

// Membership ties a principal to a conversation. Leaving deactivates the row
// instead of deleting it; LastReadAt is the read watermark.
type Membership struct {
	ConversationID       string     `json:"conversation_id"`
	UserID               string     `json:"user_id"`
	Role                 MemberRole `json:"role"`
	JoinedAt             time.Time  `json:"joined_at"`
	IsActive             bool       `json:"is_active"`
	NotificationsEnabled bool       `json:"notifications_enabled"`
	LastReadAt           *time.Time `json:"last_read_at,omitempty"`
}

// ConversationSummary is a conversation enriched for listing.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	Members      []UserPublic `json:"members"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}
