package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/unichat/internal/auth"
	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/middleware"
	"github.com/unichat/internal/repository"
)

type UserHandler struct {
	userRepo *repository.UserRepository
	auth     *auth.Authenticator
}

func NewUserHandler(userRepo *repository.UserRepository, a *auth.Authenticator) *UserHandler {
	return &UserHandler{userRepo: userRepo, auth: a}
}

type UpdateProfileRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	u, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateProfile changes the caller's name fields and invalidates the
// cached identity so the next connect sees fresh data.
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	first := strings.TrimSpace(req.FirstName)
	last := strings.TrimSpace(req.LastName)
	if first == "" && last == "" {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	if err := h.userRepo.UpdateProfile(r.Context(), userID, first, last); err != nil {
		logger.Errorf("update profile user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	h.auth.Invalidate(r.Context(), userID)

	u, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
