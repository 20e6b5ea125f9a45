// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// TokenValidator authenticates a relay handshake token and resolves the
// store and terminal it was issued for.
type TokenValidator interface {
	AuthenticateToken(token string) (storeID, terminalID string, err error)
}

// Handler upgrades authenticated HTTP requests into relay sessions
type Handler struct {
	hub       *Hub
	validator TokenValidator
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates a websocket endpoint backed by hub
func NewHandler(hub *Hub, validator TokenValidator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:       hub,
		validator: validator,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Terminals and displays connect from app webviews with no
			// meaningful origin; auth is carried by the token instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates the handshake, upgrades the connection and hands
// the session to the hub. Authentication happens before the upgrade so a bad
// token gets a plain HTTP status, not a websocket close frame.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := handshakeToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	storeID, terminalID, err := h.validator.AuthenticateToken(token)
	if err != nil {
		h.logger.Debug("Relay handshake rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	role := r.URL.Query().Get("role")
	switch role {
	case RolePOS, RoleDisplay:
	case "":
		role = RolePOS
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}

	s := h.hub.newSession(conn, storeID, terminalID, role)
	if err := h.hub.connect(s); err != nil {
		_ = conn.Close()
		return
	}
}

// handshakeToken pulls the bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers on a
// websocket handshake.
func handshakeToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
