// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
)

// roomKey identifies a terminal within its store. Every lookup carries the
// store so a session can only ever observe terminals of the store its token
// was issued for.
type roomKey struct {
	storeID    string
	terminalID string
}

// Registry is the terminal/display bookkeeping owned by the hub: which
// sessions belong to each terminal, and which display socket is currently
// bound to each terminal. All mutation goes through its methods under one
// lock; "last subscribe wins" and "prune on disconnect" are both
// read-then-write sequences that must not interleave.
type Registry struct {
	mu        sync.Mutex
	terminals map[roomKey]map[*Session]struct{}
	displays  map[roomKey]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		terminals: make(map[roomKey]map[*Session]struct{}),
		displays:  make(map[roomKey]*Session),
	}
}

// Add registers a connected session under its store and terminal
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := roomKey{s.StoreID, s.TerminalID}
	set, ok := r.terminals[key]
	if !ok {
		set = make(map[*Session]struct{})
		r.terminals[key] = set
	}
	set[s] = struct{}{}
}

// Remove drops a session. If the session was the bound display for any
// terminal the binding is cleared by session identity; the display does not
// have to announce its terminal on disconnect. A terminal that loses its last
// session is pruned.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := roomKey{s.StoreID, s.TerminalID}
	if set, ok := r.terminals[key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.terminals, key)
		}
	}

	for bound, display := range r.displays {
		if display == s {
			delete(r.displays, bound)
		}
	}
}

// BindDisplay registers s as the sole bound display for terminalID within
// storeID, unconditionally replacing any prior binding. It returns the
// replaced session, if any. Any previous binding held by s itself is cleared
// first so a display is bound to at most one terminal.
func (r *Registry) BindDisplay(storeID, terminalID string, s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := roomKey{storeID, terminalID}
	for bound, display := range r.displays {
		if display == s && bound != key {
			delete(r.displays, bound)
		}
	}

	prior := r.displays[key]
	r.displays[key] = s
	if prior == s {
		return nil
	}
	return prior
}

// BoundDisplay returns the display currently bound to the store's terminal,
// or nil.
func (r *Registry) BoundDisplay(storeID, terminalID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.displays[roomKey{storeID, terminalID}]
}

// Peers returns the sessions connected under the store's terminal, excluding
// except.
func (r *Registry) Peers(storeID, terminalID string, except *Session) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.terminals[roomKey{storeID, terminalID}]
	if len(set) == 0 {
		return nil
	}
	peers := make([]*Session, 0, len(set))
	for s := range set {
		if s != except {
			peers = append(peers, s)
		}
	}
	return peers
}

// HasTerminal reports whether any session is connected under the store's
// terminal.
func (r *Registry) HasTerminal(storeID, terminalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.terminals[roomKey{storeID, terminalID}]
	return ok
}
