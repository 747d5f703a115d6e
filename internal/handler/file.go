package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unichat/internal/fileserver"
	"github.com/unichat/internal/middleware"
	"github.com/unichat/internal/repository"
)

type FileHandler struct {
	files     *fileserver.Service
	convRepo  *repository.ConversationRepository
	userRepo  *repository.UserRepository
	maxUpload int64
}

func NewFileHandler(files *fileserver.Service, convRepo *repository.ConversationRepository, userRepo *repository.UserRepository, maxUpload int64) *FileHandler {
	return &FileHandler{files: files, convRepo: convRepo, userRepo: userRepo, maxUpload: maxUpload}
}

// Upload accepts a multipart form with "file" and "conversation_id" fields.
// Membership is checked here; staging and validation happen in the
// fileserver service.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "file too large")
		return
	}

	convID := r.FormValue("conversation_id")
	if convID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if _, err := h.convRepo.GetMember(ctx, convID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusForbidden, "You are not a member of this conversation")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	sender, err := h.userRepo.GetByID(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.files.Upload(w, r, sender.ToPublic(), convID)
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	h.files.Serve(w, r, filename)
}
