package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/unichat/internal/bus"
	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/middleware"
	"github.com/unichat/internal/model"
	"github.com/unichat/internal/repository"
	"github.com/unichat/internal/ws"
)

const defaultHistoryLimit = 50

type MessageHandler struct {
	msgRepo    *repository.MessageRepository
	convRepo   *repository.ConversationRepository
	reactRepo  *repository.ReactionRepository
	readRepo   *repository.ReadReceiptRepository
	typingRepo *repository.TypingRepository
	userRepo   *repository.UserRepository
	fanout     bus.Bus
}

func NewMessageHandler(
	msgRepo *repository.MessageRepository,
	convRepo *repository.ConversationRepository,
	reactRepo *repository.ReactionRepository,
	readRepo *repository.ReadReceiptRepository,
	typingRepo *repository.TypingRepository,
	userRepo *repository.UserRepository,
	fanout bus.Bus,
) *MessageHandler {
	return &MessageHandler{
		msgRepo:    msgRepo,
		convRepo:   convRepo,
		reactRepo:  reactRepo,
		readRepo:   readRepo,
		typingRepo: typingRepo,
		userRepo:   userRepo,
		fanout:     fanout,
	}
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

// List returns paginated message history, newest first; members only.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	if _, err := h.convRepo.GetMember(r.Context(), conversationID, userID); err != nil {
		writeError(w, http.StatusForbidden, "not a member of this conversation")
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	msgs, err := h.msgRepo.List(r.Context(), conversationID, limit, offset)
	if err != nil {
		logger.Errorf("list messages conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	out, err := decorateHistory(r.Context(), msgs, h.reactRepo, h.readRepo)
	if err != nil {
		logger.Errorf("decorate history conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HistoryMessage is a stored message with the per-message state the live
// frames deliver incrementally: its reactions and how many members read it.
type HistoryMessage struct {
	model.Message
	Reactions []model.Reaction `json:"reactions"`
	ReadCount int              `json:"read_count"`
}

type reactionLister interface {
	GetByMessage(ctx context.Context, messageID string) ([]model.Reaction, error)
}

type readCounter interface {
	CountForMessage(ctx context.Context, messageID string) (int, error)
}

func decorateHistory(ctx context.Context, msgs []model.Message, reactions reactionLister, reads readCounter) ([]HistoryMessage, error) {
	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		rs, err := reactions.GetByMessage(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if rs == nil {
			rs = []model.Reaction{}
		}
		n, err := reads.CountForMessage(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, HistoryMessage{Message: m, Reactions: rs, ReadCount: n})
	}
	return out, nil
}

// Send persists a text message over REST and publishes it to the fanout
// bus, so connected sessions receive the same new_message frame as a
// WebSocket send.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if _, err := h.convRepo.GetMember(r.Context(), conversationID, userID); err != nil {
		writeError(w, http.StatusForbidden, "not a member of this conversation")
		return
	}

	sender, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	pub := sender.ToPublic()

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		Kind:           model.MessageText,
		CreatedAt:      time.Now().UTC(),
		Sender:         &pub,
	}
	if err := h.msgRepo.Create(r.Context(), m); err != nil {
		logger.Errorf("rest send conv=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	if err := h.typingRepo.Delete(r.Context(), conversationID, userID); err != nil {
		logger.Errorf("rest send clear typing conv=%s user=%s: %v", conversationID, userID, err)
	}

	h.publishMessage(r, ws.EventNewMessage, m)
	writeJSON(w, http.StatusCreated, m)
}

func (h *MessageHandler) publishMessage(r *http.Request, evType ws.EventType, m *model.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		logger.Errorf("marshal message %s: %v", m.ID, err)
		return
	}
	env := bus.Envelope{Type: string(evType), SenderID: m.SenderID, Data: data}
	if err := h.fanout.Publish(r.Context(), bus.ConversationKey(m.ConversationID), env); err != nil {
		logger.Errorf("publish %s conv=%s: %v", evType, m.ConversationID, err)
	}
}
