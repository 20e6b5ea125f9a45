// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session roles
const (
	RolePOS     = "pos"
	RoleDisplay = "display"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 32
)

// Session is one authenticated relay connection
type Session struct {
	ID          string
	StoreID     string
	TerminalID  string
	Role        string
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

// trySend queues an outbound frame without blocking. Delivery is
// at-most-once: when the session's buffer is full the frame is dropped, never
// buffered or retried. The durable pull path is the source of truth; the
// relay is a latency optimization only.
func (s *Session) trySend(frame []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound channel. trySend after this is a no-op, so a
// forward racing a disconnect drops the frame instead of panicking.
func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// readPump reads frames from the socket and dispatches them through the hub.
// It runs on the connection's goroutine; handlers for one connection execute
// sequentially relative to that connection.
func (s *Session) readPump() {
	defer func() {
		s.hub.disconnect(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("Session read failed", "session_id", s.ID, "error", err)
			}
			return
		}
		s.hub.dispatch(s, raw)
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with protocol-level pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
