// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tillworks/possync/possync"
)

// applyPull merges one pull response into the local store atomically.
// Last-write-wins on updated_at: an incoming record overwrites the local row
// only when it is strictly newer; ties keep the local row. Soft deletes are
// carried through so deletions propagate across terminals.
// Caller holds writeMu.
func (c *Client) applyPull(ctx context.Context, changes *possync.PullChanges) (applied int, err error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	groups := []struct {
		entityType string
		records    []possync.Record
	}{
		{possync.EntityProduct, changes.Products},
		{possync.EntityCategory, changes.Categories},
		{possync.EntitySale, changes.Sales},
		{possync.EntityCustomer, changes.Customers},
		{possync.EntityUser, changes.Users},
		{possync.EntitySetting, changes.Settings},
	}

	for _, g := range groups {
		table := localTables[g.entityType]
		for i := range g.records {
			ok, err := c.mergeRecordInTx(ctx, tx, table, &g.records[i])
			if err != nil {
				return applied, fmt.Errorf("failed to merge %s record: %w", g.entityType, err)
			}
			if ok {
				applied++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("failed to commit merge transaction: %w", err)
	}
	return applied, nil
}

// mergeRecordInTx applies one pulled record with the LWW rule. Returns true
// when the local row was written.
func (c *Client) mergeRecordInTx(ctx context.Context, tx *sql.Tx, table string, rec *possync.Record) (bool, error) {
	var localUpdatedAt string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT updated_at FROM "%s" WHERE id = ?`, table), rec.ID).Scan(&localUpdatedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New to this terminal
	case err != nil:
		return false, fmt.Errorf("failed to read local row: %w", err)
	default:
		local, err := time.Parse(time.RFC3339Nano, localUpdatedAt)
		if err != nil {
			return false, fmt.Errorf("failed to parse local updated_at: %w", err)
		}
		if !rec.UpdatedAt.After(local) {
			return false, nil
		}
	}

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (id, data, updated_at, deleted) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted
	`, table), rec.ID, string(rec.Data), rec.UpdatedAt.UTC().Format(time.RFC3339Nano), deleted)
	if err != nil {
		return false, fmt.Errorf("failed to write local row: %w", err)
	}
	return true, nil
}
