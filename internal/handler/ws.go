package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unichat/internal/auth"
	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/middleware"
	"github.com/unichat/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	auth           middleware.Authenticator
	allowedOrigins string
}

// NewWSHandler creates the WebSocket upgrade handler. allowedOrigins is the
// same comma-separated list (or "*") used for CORS.
func NewWSHandler(hub *ws.Hub, auth middleware.Authenticator, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, auth: auth, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the connection, authenticates it, and hands it to the
// hub. Authentication runs after the upgrade so the rejection reaches the
// client as a WebSocket close code: 4001 for a bad token, 4000 for an
// internal failure during accept.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	token := middleware.BearerToken(r)
	user, err := h.auth.Authenticate(r.Context(), token)
	if err != nil && !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrUnknownUser) {
		logger.Errorf("ws accept failed from %s: %v", r.RemoteAddr, err)
		closeWith(conn, ws.CloseInternalError, "internal error")
		return
	}
	if err != nil || user == nil {
		logger.Infof("ws rejected unauthenticated connection from %s", r.RemoteAddr)
		closeWith(conn, ws.CloseUnauthenticated, "unauthenticated")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, user)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
