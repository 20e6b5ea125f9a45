// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required pos and sync tables within an
// existing transaction. Every entity table shares one shape: the row id, the
// owning store, the typed payload as JSON, the server-stamped updated_at used
// by the pull watermark, and the soft-delete flag.
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS pos`,
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Idempotency ledger: at most one row per change_id, ever. Rows are
		// written in the same transaction as the entity mutation they guard
		// and are never updated or deleted.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.sync_ledger (
			change_id    UUID        PRIMARY KEY,
			store_id     UUID        NOT NULL,
			entity_type  TEXT        NOT NULL,
			record_id    UUID        NOT NULL,
			operation    TEXT        NOT NULL CHECK (operation IN ('create','update','delete')),
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS sync_ledger_store_idx ON sync.sync_ledger(store_id, processed_at)`,
	}

	for _, table := range entityTables {
		migrations = append(migrations, fmt.Sprintf(
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS pos.%s (
				id         UUID        NOT NULL,
				store_id   UUID        NOT NULL,
				data       JSON        NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
				PRIMARY KEY (store_id, id)
			)`, table))
		// Delta queries scan by store and watermark.
		migrations = append(migrations, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_store_updated_idx ON pos.%s(store_id, updated_at)`,
			table, table))
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run schema migration: %w", err)
		}
	}
	return nil
}
