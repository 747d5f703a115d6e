package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/model"
	"github.com/unichat/internal/repository"
)

// HandleFrame dispatches one inbound frame. Frames from the same session
// arrive here sequentially (the read pump is the only caller).
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame InboundFrame) {
	if !c.active() {
		return
	}
	switch frame.Type {
	case OpPing:
		h.handlePing(c)
	case OpJoinConversation:
		h.handleJoinConversation(ctx, c, frame.Data)
	case OpSendMessage:
		h.handleSendMessage(ctx, c, frame.Data)
	case OpTypingStart:
		h.handleTyping(ctx, c, frame.Data, true)
	case OpTypingStop:
		h.handleTyping(ctx, c, frame.Data, false)
	case OpDeleteMessage:
		h.handleDeleteMessage(ctx, c, frame.Data)
	case OpReactToMessage:
		h.handleReactToMessage(ctx, c, frame.Data)
	case OpMarkRead:
		h.handleMarkRead(ctx, c, frame.Data)
	default:
		h.sendError(c, fmt.Sprintf("Unknown message type: %s", frame.Type))
	}
}

func (h *Hub) handlePing(c *Client) {
	h.sendToClient(c, OutboundFrame{Type: EventPong, Data: PongData{Timestamp: time.Now().UTC()}})
}

// requireMember loads the active membership for (c, conversationID) and
// reports errors to the session. Every authorized operation starts here.
func (h *Hub) requireMember(ctx context.Context, c *Client, conversationID string) (*model.Membership, bool) {
	m, err := h.convStore.GetMember(ctx, conversationID, c.userID())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, errNotMember)
		} else {
			logger.Errorf("ws get member conv=%s user=%s: %v", conversationID, c.userID(), err)
			h.sendError(c, errInternal)
		}
		return nil, false
	}
	return m, true
}

func (h *Hub) handleJoinConversation(ctx context.Context, c *Client, raw json.RawMessage) {
	var data JoinData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(c, errBadJSON)
		return
	}
	if data.ConversationID == "" {
		h.sendError(c, "conversation_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, ok := h.requireMember(ctx, c, data.ConversationID)
	if !ok {
		return
	}
	if err := h.joinConversation(ctx, c, data.ConversationID, m.Role); err != nil {
		logger.Errorf("ws join conv=%s user=%s: %v", data.ConversationID, c.userID(), err)
		h.sendError(c, errInternal)
		return
	}

	h.sendToClient(c, OutboundFrame{Type: EventConversationJoined, Data: ConversationJoinedData{
		ConversationID: data.ConversationID,
		Message:        "Successfully joined conversation",
	}})
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	var data SendData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(c, errBadJSON)
		return
	}
	content := strings.TrimSpace(data.Content)
	if data.ConversationID == "" || content == "" {
		h.sendError(c, "conversation_id and content are required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, ok := h.requireMember(ctx, c, data.ConversationID); !ok {
		return
	}

	pub := c.user.ToPublic()
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: data.ConversationID,
		SenderID:       c.userID(),
		Content:        content,
		Kind:           model.MessageText,
		CreatedAt:      time.Now().UTC(),
		Sender:         &pub,
	}
	if err := h.msgStore.Create(ctx, m); err != nil {
		logger.Errorf("ws save message conv=%s user=%s: %v", data.ConversationID, c.userID(), err)
		h.sendError(c, "Failed to create message")
		return
	}

	// Sending supersedes the typing indicator.
	if err := h.typingStore.Delete(ctx, data.ConversationID, c.userID()); err != nil {
		logger.Errorf("ws clear typing conv=%s user=%s: %v", data.ConversationID, c.userID(), err)
	}

	// The sender's own session receives the broadcast echo.
	h.publish(ctx, data.ConversationID, EventNewMessage, "", m.SenderID, m)
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, raw json.RawMessage, isTyping bool) {
	var data TypingData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(c, errBadJSON)
		return
	}
	if data.ConversationID == "" {
		h.sendError(c, "conversation_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, ok := h.requireMember(ctx, c, data.ConversationID); !ok {
		return
	}

	var err error
	if isTyping {
		err = h.typingStore.Upsert(ctx, data.ConversationID, c.userID(), time.Now().UTC())
	} else {
		err = h.typingStore.Delete(ctx, data.ConversationID, c.userID())
	}
	if err != nil {
		logger.Errorf("ws typing conv=%s user=%s: %v", data.ConversationID, c.userID(), err)
		h.sendError(c, errInternal)
		return
	}

	payload := TypingUpdateData{
		UserID:         c.userID(),
		UserEmail:      c.user.Email,
		ConversationID: data.ConversationID,
		IsTyping:       isTyping,
	}
	h.publish(ctx, data.ConversationID, EventTypingUpdate, c.userID(), "", payload)
	h.sendToClient(c, OutboundFrame{Type: EventTypingUpdate, Data: payload})
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("ws.handleDeleteMessage", time.Now())()
	var data DeleteData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(c, errBadJSON)
		return
	}
	if data.MessageID == "" {
		h.sendError(c, "message_id is required for deletion")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg, err := h.msgStore.GetByID(ctx, data.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, errMessageNotFound)
		} else {
			logger.Errorf("ws get message %s: %v", data.MessageID, err)
			h.sendError(c, errInternal)
		}
		return
	}

	m, ok := h.requireMember(ctx, c, msg.ConversationID)
	if !ok {
		return
	}

	now := time.Now().UTC()
	reason, denied := deletePermission(msg, m, c.userID(), now)
	if denied != "" {
		h.sendError(c, denied)
		return
	}

	payload := MessageDeletedData{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeletedBy:      c.userID(),
		DeleteReason:   reason,
		NewContent:     model.DeletedSentinel(reason),
		DeletedAt:      now,
	}

	deleted, err := h.msgStore.SoftDelete(ctx, msg.ID, payload.NewContent, now)
	if err != nil {
		logger.Errorf("ws delete message %s: %v", msg.ID, err)
		h.sendError(c, "Failed to delete message")
		return
	}
	if deleted {
		h.publish(ctx, msg.ConversationID, EventMessageDeleted, c.userID(), "", payload)
	}
	// Re-deleting an already-deleted message is a no-op: the deleter still
	// gets the acknowledgment, members get no second broadcast.
	h.sendToClient(c, OutboundFrame{Type: EventMessageDeleted, Data: payload})
}

// deletePermission evaluates the deletion policy in order: system messages
// are immune, authors may delete within the window, admins always may.
// Returns the delete reason, or a non-empty denial message.
func deletePermission(msg *model.Message, m *model.Membership, userID string, now time.Time) (reason, denied string) {
	if msg.Kind == model.MessageSystem {
		return "", errSystemDelete
	}
	if msg.SenderID == userID {
		if now.Sub(msg.CreatedAt) <= authorDeleteWindow {
			return model.DeleteReasonAuthor, ""
		}
		return "", errDeleteExpired
	}
	if m.Role == model.RoleAdmin {
		return model.DeleteReasonAdmin, ""
	}
	return "", errDeleteNotOwn
}

func (h *Hub) handleReactToMessage(ctx context.Context, c *Client, raw json.RawMessage) {
	var data ReactData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(c, errBadJSON)
		return
	}
	if data.MessageID == "" || data.ReactionType == "" {
		h.sendError(c, "message_id and reaction_type are required")
		return
	}
	if !validReaction(data.ReactionType) {
		h.sendError(c, invalidReactionError())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg, err := h.msgStore.GetByID(ctx, data.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, errMessageNotFound)
		} else {
			logger.Errorf("ws get message %s: %v", data.MessageID, err)
			h.sendError(c, errInternal)
		}
		return
	}
	if _, ok := h.requireMember(ctx, c, msg.ConversationID); !ok {
		return
	}

	now := time.Now().UTC()
	action, reactionAt, err := h.toggleReaction(ctx, c.userID(), msg.ID, data.ReactionType, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, errMessageNotFound)
		} else {
			logger.Errorf("ws react message=%s user=%s: %v", msg.ID, c.userID(), err)
			h.sendError(c, "Failed to update reaction")
		}
		return
	}

	var reaction *ReactionData
	if action != "removed" {
		reaction = &ReactionData{
			UserID:       c.userID(),
			UserEmail:    c.user.Email,
			UserName:     c.user.DisplayName(),
			ReactionType: data.ReactionType,
			CreatedAt:    reactionAt,
		}
	}
	payload := ReactionUpdateData{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Action:         action,
		ReactionData:   reaction,
		UserID:         c.userID(),
	}
	h.publish(ctx, msg.ConversationID, EventReactionUpdate, c.userID(), "", payload)
	h.sendToClient(c, OutboundFrame{Type: EventReactionUpdate, Data: payload})
}

// toggleReaction applies the toggle semantics: create when absent, remove on
// the same symbol, overwrite on a different one. At most one reaction per
// (message, user) survives.
func (h *Hub) toggleReaction(ctx context.Context, userID, messageID, symbol string, now time.Time) (action string, at time.Time, err error) {
	created, existing, err := h.reactStore.GetOrCreate(ctx, messageID, userID, symbol, now)
	if err != nil {
		return "", time.Time{}, err
	}
	if created {
		return "added", now, nil
	}
	if existing.Symbol == symbol {
		if err := h.reactStore.Delete(ctx, messageID, userID); err != nil {
			return "", time.Time{}, err
		}
		return "removed", time.Time{}, nil
	}
	if err := h.reactStore.UpdateSymbol(ctx, messageID, userID, symbol, now); err != nil {
		return "", time.Time{}, err
	}
	return "updated", now, nil
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("ws.handleMarkRead", time.Now())()
	var data MarkReadData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(c, errBadJSON)
		return
	}
	if data.ConversationID == "" {
		h.sendError(c, "conversation_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, ok := h.requireMember(ctx, c, data.ConversationID)
	if !ok {
		return
	}

	// Eligible set: the explicit ids restricted to this conversation, or
	// everything past the watermark. Self-authored messages never qualify.
	var (
		refs []repository.MessageRef
		err  error
	)
	if len(data.MessageIDs) > 0 {
		refs, err = h.msgStore.FilterReadable(ctx, data.ConversationID, c.userID(), data.MessageIDs)
	} else {
		refs, err = h.msgStore.UnreadRefs(ctx, data.ConversationID, c.userID(), m.LastReadAt)
	}
	if err != nil {
		logger.Errorf("ws mark read conv=%s user=%s: %v", data.ConversationID, c.userID(), err)
		h.sendError(c, "Failed to mark messages as read")
		return
	}

	now := time.Now().UTC()
	senderByID := make(map[string]string, len(refs))
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
		senderByID[ref.ID] = ref.SenderID
	}

	var marked []string
	if len(ids) > 0 {
		marked, err = h.readStore.CreateMissing(ctx, c.userID(), ids, now)
		if err != nil {
			logger.Errorf("ws create receipts conv=%s user=%s: %v", data.ConversationID, c.userID(), err)
			h.sendError(c, "Failed to mark messages as read")
			return
		}
	}

	// The watermark advances even when no new receipt was created.
	if err := h.convStore.UpdateMemberLastRead(ctx, data.ConversationID, c.userID(), now); err != nil {
		logger.Errorf("ws update watermark conv=%s user=%s: %v", data.ConversationID, c.userID(), err)
	}

	switch {
	case len(marked) == 1:
		h.publish(ctx, data.ConversationID, EventMessageRead, c.userID(), senderByID[marked[0]], MessageReadData{
			MessageID:      marked[0],
			ConversationID: data.ConversationID,
			ReaderID:       c.userID(),
			ReaderEmail:    c.user.Email,
			ReaderName:     c.user.DisplayName(),
			ReadAt:         now,
		})
	case len(marked) > 1:
		h.publish(ctx, data.ConversationID, EventConversationRead, c.userID(), "", ConversationReadData{
			ConversationID:      data.ConversationID,
			ReaderID:            c.userID(),
			ReaderEmail:         c.user.Email,
			ReaderName:          c.user.DisplayName(),
			ReadAt:              now,
			MessagesMarkedCount: len(marked),
			MarkedMessageIDs:    marked,
		})
	}
}
