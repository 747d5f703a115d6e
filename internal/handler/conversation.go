package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/middleware"
	"github.com/unichat/internal/model"
	"github.com/unichat/internal/repository"
)

type ConversationHandler struct {
	convRepo *repository.ConversationRepository
	userRepo *repository.UserRepository
}

func NewConversationHandler(convRepo *repository.ConversationRepository, userRepo *repository.UserRepository) *ConversationHandler {
	return &ConversationHandler{convRepo: convRepo, userRepo: userRepo}
}

type CreatePersonalRequest struct {
	UserID string `json:"user_id"`
}

type CreateGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MemberIDs   []string `json:"member_ids"`
	MaxMembers  int      `json:"max_members"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

// List returns the caller's active conversations with member lists and
// unread counts.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	convs, err := h.convRepo.GetUserConversations(r.Context(), userID)
	if err != nil {
		logger.Errorf("list conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	summaries := make([]model.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := model.ConversationSummary{Conversation: conv}
		memberIDs, err := h.convRepo.GetActiveMemberIDs(r.Context(), conv.ID)
		if err == nil {
			summary.Members, _ = h.userRepo.GetPublicByIDs(r.Context(), memberIDs)
		}
		summary.UnreadCount, _ = h.convRepo.GetUnreadCount(r.Context(), conv.ID, userID)
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// CreatePersonal creates (or reactivates) the one-to-one conversation
// between the caller and the given user. A personal conversation has
// exactly two active memberships.
func (h *ConversationHandler) CreatePersonal(w http.ResponseWriter, r *http.Request) {
	var req CreatePersonalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.UserID == currentUserID {
		writeError(w, http.StatusBadRequest, "cannot create conversation with yourself")
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	now := time.Now().UTC()

	// An existing pair conversation is reactivated rather than duplicated.
	existing, err := h.convRepo.FindPersonalConversation(r.Context(), currentUserID, req.UserID)
	if err == nil {
		for _, uid := range []string{currentUserID, req.UserID} {
			member := &model.Membership{
				ConversationID: existing.ID,
				UserID:         uid,
				Role:           model.RoleMember,
				JoinedAt:       now,
				IsActive:       true,
			}
			if err := h.convRepo.AddMember(r.Context(), member); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to restore membership")
				return
			}
		}
		writeJSON(w, http.StatusOK, existing)
		return
	}
	if !errors.Is(err, repository.ErrNotFound) {
		logger.Errorf("find personal conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	conv := &model.Conversation{
		ID:        uuid.New().String(),
		Type:      model.ConversationPersonal,
		CreatedBy: currentUserID,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}
	if err := h.convRepo.Create(r.Context(), conv); err != nil {
		logger.Errorf("create personal conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	for _, uid := range []string{currentUserID, req.UserID} {
		member := &model.Membership{
			ConversationID: conv.ID,
			UserID:         uid,
			Role:           model.RoleMember,
			JoinedAt:       now,
			IsActive:       true,
		}
		if err := h.convRepo.AddMember(r.Context(), member); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to add member")
			return
		}
	}
	writeJSON(w, http.StatusCreated, conv)
}

// CreateGroup creates a group conversation; the creator becomes admin.
func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:          uuid.New().String(),
		Type:        model.ConversationGroup,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   currentUserID,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsActive:    true,
		MaxMembers:  req.MaxMembers,
	}
	if err := h.convRepo.Create(r.Context(), conv); err != nil {
		logger.Errorf("create group conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	creator := &model.Membership{
		ConversationID: conv.ID,
		UserID:         currentUserID,
		Role:           model.RoleAdmin,
		JoinedAt:       now,
		IsActive:       true,
	}
	if err := h.convRepo.AddMember(r.Context(), creator); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add creator")
		return
	}
	for _, uid := range req.MemberIDs {
		if uid == currentUserID {
			continue
		}
		member := &model.Membership{
			ConversationID: conv.ID,
			UserID:         uid,
			Role:           model.RoleMember,
			JoinedAt:       now,
			IsActive:       true,
		}
		if err := h.convRepo.AddMember(r.Context(), member); err != nil {
			logger.Errorf("add member %s to %s: %v", uid, conv.ID, err)
		}
	}
	writeJSON(w, http.StatusCreated, conv)
}

// Get returns one conversation; members only.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	if _, err := h.convRepo.GetMember(r.Context(), conversationID, userID); err != nil {
		writeError(w, http.StatusForbidden, "not a member of this conversation")
		return
	}
	conv, err := h.convRepo.GetByID(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	summary := model.ConversationSummary{Conversation: *conv}
	if memberIDs, err := h.convRepo.GetActiveMemberIDs(r.Context(), conv.ID); err == nil {
		summary.Members, _ = h.userRepo.GetPublicByIDs(r.Context(), memberIDs)
	}
	summary.UnreadCount, _ = h.convRepo.GetUnreadCount(r.Context(), conv.ID, userID)
	writeJSON(w, http.StatusOK, summary)
}

// AddMember adds a user to a group or channel; admins only, capacity
// permitting.
func (h *ConversationHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	currentUserID := middleware.GetUserID(r.Context())

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	m, err := h.convRepo.GetMember(r.Context(), conversationID, currentUserID)
	if err != nil {
		writeError(w, http.StatusForbidden, "not a member of this conversation")
		return
	}
	if m.Role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "only admins can add members")
		return
	}

	conv, err := h.convRepo.GetByID(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if conv.Type == model.ConversationPersonal {
		writeError(w, http.StatusBadRequest, "cannot add members to a personal conversation")
		return
	}
	if conv.MaxMembers > 0 {
		count, err := h.convRepo.CountActiveMembers(r.Context(), conversationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to add member")
			return
		}
		if count >= conv.MaxMembers {
			writeError(w, http.StatusConflict, "conversation is full")
			return
		}
	}
	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	member := &model.Membership{
		ConversationID: conversationID,
		UserID:         req.UserID,
		Role:           model.RoleMember,
		JoinedAt:       time.Now().UTC(),
		IsActive:       true,
	}
	if err := h.convRepo.AddMember(r.Context(), member); err != nil {
		logger.Errorf("add member %s to %s: %v", req.UserID, conversationID, err)
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

// Leave soft-deactivates the caller's membership. When the leaving member
// was an admin and others remain, the oldest remaining member is promoted.
func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	m, err := h.convRepo.GetMember(r.Context(), conversationID, userID)
	if err != nil {
		writeError(w, http.StatusForbidden, "not a member of this conversation")
		return
	}
	if err := h.convRepo.DeactivateMember(r.Context(), conversationID, userID); err != nil {
		logger.Errorf("leave conversation %s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to leave conversation")
		return
	}

	if m.Role == model.RoleAdmin {
		oldest, err := h.convRepo.GetOldestActiveMember(r.Context(), conversationID)
		if err == nil && oldest.Role != model.RoleAdmin {
			if err := h.convRepo.UpdateMemberRole(r.Context(), conversationID, oldest.UserID, model.RoleAdmin); err != nil {
				logger.Errorf("promote member %s in %s: %v", oldest.UserID, conversationID, err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// ListChannels returns the public channels of a community.
func (h *ConversationHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	communityID := r.URL.Query().Get("community_id")
	if communityID == "" {
		writeError(w, http.StatusBadRequest, "community_id is required")
		return
	}
	channels, err := h.convRepo.ListChannels(r.Context(), communityID)
	if err != nil {
		logger.Errorf("list channels community=%s: %v", communityID, err)
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	writeJSON(w, http.StatusOK, channels)
}
