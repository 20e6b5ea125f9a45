// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProcessPull answers a delta query: every tracked entity row for the store
// whose updated_at is strictly after lastSyncTime, grouped by entity type.
//
// The as-of timestamp is captured from the server clock BEFORE the delta
// queries execute and is returned to the client as its next watermark. Using
// the client's receipt time instead would open a lost-update window for rows
// written while the response is in flight.
func (s *Service) ProcessPull(ctx context.Context, storeID string, lastSyncTime *time.Time) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	asOf := s.now().UTC()

	since := time.Time{}
	if lastSyncTime != nil {
		since = *lastSyncTime
	}

	changes := PullChanges{
		Products:   []Record{},
		Categories: []Record{},
		Sales:      []Record{},
		Customers:  []Record{},
		Users:      []Record{},
		Settings:   []Record{},
	}

	for _, entityType := range pullEntityTypes {
		records, err := s.queryDelta(ctx, entityTables[entityType], storeID, since)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s delta: %w", entityType, err)
		}
		*changes.group(entityType) = records
	}

	return &PullResponse{
		Status:    "ok",
		Timestamp: asOf,
		Changes:   changes,
	}, nil
}

// queryDelta fetches rows changed after since for one entity table. The
// response is a snapshot; no row-level ordering is guaranteed or needed.
func (s *Service) queryDelta(ctx context.Context, table, storeID string, since time.Time) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT id::text, data, updated_at, deleted
		FROM pos.%s
		WHERE store_id = @store_id AND updated_at > @since`,
		pgx.Identifier{table}.Sanitize())

	rows, err := s.pool.Query(ctx, query, pgx.NamedArgs{
		"store_id": storeID,
		"since":    since,
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Data, &r.UpdatedAt, &r.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
