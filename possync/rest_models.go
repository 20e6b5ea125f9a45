// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses
// These models are used for serialization/deserialization of HTTP requests and responses

// PushRequest represents a batch push request from a terminal
// Note: store_id must match the JWT sub claim; the handler rejects mismatches.
type PushRequest struct {
	StoreID string       `json:"storeId"` // Store identifier (UUID)
	Changes []PushChange `json:"changes"` // Batch of changes, FIFO-ordered by the client
}

// PushChange represents a single change in a push request
type PushChange struct {
	EntityType string          `json:"entityType"`        // product, category, sale, ...
	RecordID   string          `json:"recordId"`          // UUID of the affected record
	Operation  string          `json:"operation"`         // create, update, delete
	ChangeID   string          `json:"changeId"`          // Client-generated UUID for idempotent replay
	Payload    json.RawMessage `json:"payload,omitempty"` // Typed payload (null for delete)
}

// PushResponse represents the server response to a push request
type PushResponse struct {
	Status  string      `json:"status"` // always "completed"; per-item outcomes are in Results
	Results PushResults `json:"results"`
}

// PushResults aggregates per-change outcomes of one push batch
type PushResults struct {
	Success   int         `json:"success"`   // applied, including idempotent replays
	Failed    int         `json:"failed"`    // rejected per-item; details in Errors
	Conflicts int         `json:"conflicts"` // subset of Success that were replays already in the ledger
	Errors    []PushError `json:"errors"`
}

// PushError carries the rejected change alongside its failure reason
type PushError struct {
	Change PushChange `json:"change"`
	Reason string     `json:"reason"` // bad_payload, unknown_entity, internal_error
	Error  string     `json:"error"`
}

// PullRequest represents a delta request from a terminal
type PullRequest struct {
	StoreID      string     `json:"storeId"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"` // Watermark; nil means "everything"
}

// PullResponse represents the server response to a pull request.
// Timestamp is the server clock reading captured before the delta queries ran;
// clients must persist it as their new watermark.
type PullResponse struct {
	Status    string      `json:"status"` // always "ok"
	Timestamp time.Time   `json:"timestamp"`
	Changes   PullChanges `json:"changes"`
}

// PullChanges groups pulled records by entity type
type PullChanges struct {
	Products   []Record `json:"products"`
	Categories []Record `json:"categories"`
	Sales      []Record `json:"sales"`
	Customers  []Record `json:"customers"`
	Users      []Record `json:"users"`
	Settings   []Record `json:"settings"`
}

// Record is one pulled row: the current server state of an entity
type Record struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted"`
}

// StatusResponse represents the health/status payload
type StatusResponse struct {
	Status   string   `json:"status"` // healthy, degraded
	AppName  string   `json:"app_name"`
	Entities []string `json:"entities"` // entity types accepted by push
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// group returns the slice for the given entity type, for response assembly.
func (c *PullChanges) group(entityType string) *[]Record {
	switch entityType {
	case EntityProduct:
		return &c.Products
	case EntityCategory:
		return &c.Categories
	case EntitySale:
		return &c.Sales
	case EntityCustomer:
		return &c.Customers
	case EntityUser:
		return &c.Users
	case EntitySetting:
		return &c.Settings
	default:
		return nil
	}
}
