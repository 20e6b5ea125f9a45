// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub routes cart and transaction events between pos terminals and their
// bound customer-facing displays. Each connection's handlers run sequentially
// on its own read goroutine; the shared registry serializes its own state.
// A single connection's failure is isolated to that connection.
type Hub struct {
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewHub creates a hub with an empty registry
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry: NewRegistry(),
		logger:   logger,
		sessions: make(map[*Session]struct{}),
	}
}

// Registry exposes the terminal/display registry, mainly for tests and status
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Close disconnects every session. New connections are rejected afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.Close()
	}
}

// connect registers an authenticated session and starts its pumps
func (h *Hub) connect(s *Session) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("relay hub is closed")
	}
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	h.registry.Add(s)
	h.logger.Debug("Session joined",
		"session_id", s.ID, "store_id", s.StoreID,
		"terminal_id", s.TerminalID, "role", s.Role)

	go s.writePump()
	go s.readPump()
	return nil
}

// disconnect removes a session from the hub and clears any display binding
// held by it.
func (h *Hub) disconnect(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()

	h.registry.Remove(s)
	s.closeSend()
	h.logger.Debug("Session left", "session_id", s.ID, "terminal_id", s.TerminalID, "role", s.Role)
}

// dispatch handles one inbound frame from a session. Unknown or
// role-inappropriate events are rejected deterministically with a
// system:error envelope.
func (h *Hub) dispatch(s *Session, raw []byte) {
	var env Envelope
	if err := decodeStrict(raw, &env); err != nil || env.Type == "" {
		h.reject(s, "malformed event frame")
		return
	}

	switch env.Type {
	case EvSystemPing:
		s.trySend(mustEnvelope(EvSystemPong, nil))

	case EvCartUpdate:
		if s.Role != RolePOS {
			h.reject(s, "cart:update requires pos role")
			return
		}
		var cart CartSnapshot
		if err := decodeStrict(env.Data, &cart); err != nil {
			h.reject(s, "malformed cart:update payload")
			return
		}
		if cart.Timestamp.IsZero() {
			cart.Timestamp = time.Now().UTC()
		}
		h.forwardCart(s, &cart)

	case EvTransactionComplete:
		if s.Role != RolePOS {
			h.reject(s, "transaction:complete requires pos role")
			return
		}
		var txn TransactionComplete
		if err := decodeStrict(env.Data, &txn); err != nil {
			h.reject(s, "malformed transaction:complete payload")
			return
		}
		h.forwardTransaction(s, &txn)

	case EvDisplaySubscribe:
		if s.Role != RoleDisplay {
			h.reject(s, "display:subscribe requires display role")
			return
		}
		var sub DisplaySubscribe
		if err := decodeStrict(env.Data, &sub); err != nil || sub.TerminalID == "" {
			h.reject(s, "malformed display:subscribe payload")
			return
		}
		// The binding is scoped to the display's own store; a token for one
		// store can never observe another store's terminals.
		replaced := h.registry.BindDisplay(s.StoreID, sub.TerminalID, s)
		if replaced != nil {
			h.logger.Debug("Display binding replaced",
				"terminal_id", sub.TerminalID,
				"old_session", replaced.ID, "new_session", s.ID)
		}
		s.trySend(mustEnvelope(EvDisplaySubscribed, DisplaySubscribed{TerminalID: sub.TerminalID}))

	default:
		h.reject(s, fmt.Sprintf("unknown event type %q", env.Type))
	}
}

// forwardCart fans a cart snapshot out to the bound display (if any) and to
// the other pos sockets of the same terminal. A terminal with no bound
// display drops the event silently; that is the expected late-join behavior.
func (h *Hub) forwardCart(from *Session, cart *CartSnapshot) {
	frame := mustEnvelope(EvCartUpdated, cart)

	if display := h.registry.BoundDisplay(from.StoreID, from.TerminalID); display != nil {
		if !display.trySend(frame) {
			h.logger.Debug("Dropped cart:updated for slow display",
				"terminal_id", from.TerminalID, "session_id", display.ID)
		}
	} else {
		h.logger.Debug("No display bound; cart:updated dropped", "terminal_id", from.TerminalID)
	}

	for _, peer := range h.registry.Peers(from.StoreID, from.TerminalID, from) {
		if peer.Role == RolePOS {
			peer.trySend(frame)
		}
	}
}

// forwardTransaction delivers a completed transaction to the bound display only
func (h *Hub) forwardTransaction(from *Session, txn *TransactionComplete) {
	display := h.registry.BoundDisplay(from.StoreID, from.TerminalID)
	if display == nil {
		h.logger.Debug("No display bound; transaction:complete dropped", "terminal_id", from.TerminalID)
		return
	}
	display.trySend(mustEnvelope(EvTransactionDone, txn))
}

// reject answers an invalid frame with a system:error envelope
func (h *Hub) reject(s *Session, message string) {
	h.logger.Debug("Rejected event", "session_id", s.ID, "reason", message)
	s.trySend(mustEnvelope(EvSystemError, SystemError{Message: message}))
}

// newSession builds a session for an upgraded connection
func (h *Hub) newSession(conn *websocket.Conn, storeID, terminalID, role string) *Session {
	return &Session{
		ID:          uuid.New().String(),
		StoreID:     storeID,
		TerminalID:  terminalID,
		Role:        role,
		ConnectedAt: time.Now(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
	}
}
