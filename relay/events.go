// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Client->server event types. Anything outside this set is rejected with a
// system:error envelope rather than silently ignored.
const (
	EvCartUpdate          = "cart:update"
	EvTransactionComplete = "transaction:complete"
	EvDisplaySubscribe    = "display:subscribe"
	EvSystemPing          = "system:ping"
)

// Server->client event types
const (
	EvCartUpdated       = "cart:updated"
	EvTransactionDone   = "transaction:complete"
	EvDisplaySubscribed = "display:subscribed"
	EvSystemPong        = "system:pong"
	EvSystemError       = "system:error"
)

// Envelope is the wire frame for every relay event
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CartItem is one line of a live cart
type CartItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name,omitempty"`
	Qty       float64 `json:"qty"`
	UnitPrice float64 `json:"unitPrice"`
	Total     float64 `json:"total"`
}

// CartSnapshot is the transient live-cart state. It exists only on the wire;
// a display keeps nothing beyond the last snapshot it received.
type CartSnapshot struct {
	Items     []CartItem `json:"items"`
	Subtotal  float64    `json:"subtotal"`
	Tax       float64    `json:"tax"`
	Discount  float64    `json:"discount"`
	Total     float64    `json:"total"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
}

// TransactionComplete announces a finished sale to the bound display
type TransactionComplete struct {
	Total  float64 `json:"total"`
	Paid   float64 `json:"paid"`
	Change float64 `json:"change"`
}

// DisplaySubscribe binds the sending display socket to a terminal
type DisplaySubscribe struct {
	TerminalID string `json:"terminalId"`
}

// DisplaySubscribed confirms a binding back to the display
type DisplaySubscribed struct {
	TerminalID string `json:"terminalId"`
}

// SystemError reports a rejected event back to the sender
type SystemError struct {
	Message string `json:"message"`
}

// decodeStrict unmarshals event data rejecting unknown fields, keeping the
// event surface a closed union.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing event data")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// mustEnvelope marshals a server->client envelope. Marshal of these known
// types cannot fail; a failure would be a programming error.
func mustEnvelope(eventType string, v any) []byte {
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("relay: marshal %s: %v", eventType, err))
		}
		data = b
	}
	b, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		panic(fmt.Sprintf("relay: marshal envelope %s: %v", eventType, err))
	}
	return b
}
