// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"time"
)

// Database entity models for PostgreSQL tables

// LedgerEntry represents a row in sync.sync_ledger: server-side proof that a
// client-generated change_id was already applied.
type LedgerEntry struct {
	ChangeID    string    `db:"change_id"`
	StoreID     string    `db:"store_id"`
	EntityType  string    `db:"entity_type"`
	RecordID    string    `db:"record_id"`
	Operation   string    `db:"operation"`
	ProcessedAt time.Time `db:"processed_at"`
}
