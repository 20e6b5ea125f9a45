// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrBatchTooLarge reports a push batch exceeding ServiceConfig.MaxBatchSize.
// It is a client error: the whole batch is rejected before any change runs.
var ErrBatchTooLarge = errors.New("batch too large")

// ProcessPush applies a batch of terminal changes in array order. Each change
// runs in its own transaction: the ledger gate insert and the entity mutation
// commit together, so a crash between the two is not possible and a retried
// push can never re-apply a change that looks unprocessed. A mid-batch failure
// therefore never rolls back earlier successes.
func (s *Service) ProcessPush(ctx context.Context, storeID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	results := PushResults{Errors: []PushError{}}

	if s.config.MaxBatchSize > 0 && len(req.Changes) > s.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: changes=%d limit=%d", ErrBatchTooLarge, len(req.Changes), s.config.MaxBatchSize)
	}

	for i := range req.Changes {
		change := &req.Changes[i]

		if err := validateChange(change); err != nil {
			s.logger.Warn("Push validation failed",
				"store_id", storeID,
				"entity_type", change.EntityType,
				"record_id", change.RecordID,
				"change_id", change.ChangeID,
				"op", change.Operation,
				"error", err,
			)
			results.Failed++
			results.Errors = append(results.Errors, PushError{
				Change: *change,
				Reason: invalidReason(err),
				Error:  err.Error(),
			})
			continue
		}

		replayed, err := s.applyChange(ctx, storeID, change)
		if err != nil {
			s.logger.Error("Failed to apply change",
				"store_id", storeID, "change_id", change.ChangeID,
				"entity_type", change.EntityType, "record_id", change.RecordID,
				"error", err)
			results.Failed++
			results.Errors = append(results.Errors, PushError{
				Change: *change,
				Reason: ReasonInternalError,
				Error:  err.Error(),
			})
			continue
		}

		results.Success++
		if replayed {
			results.Conflicts++
			s.logger.Debug("Idempotent replay skipped",
				"store_id", storeID, "change_id", change.ChangeID)
		}
	}

	return &PushResponse{Status: "completed", Results: results}, nil
}

// applyChange runs the ledger gate and the entity mutation in one transaction.
// It reports replayed=true when the change_id was already in the ledger and
// nothing was applied.
func (s *Service) applyChange(ctx context.Context, storeID string, change *PushChange) (replayed bool, err error) {
	stamp := s.now().UTC()

	txErr := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO sync.sync_ledger (change_id, store_id, entity_type, record_id, operation, processed_at)
			VALUES (@change_id, @store_id, @entity_type, @record_id, @operation, @processed_at)
			ON CONFLICT (change_id) DO NOTHING`,
			pgx.NamedArgs{
				"change_id":    change.ChangeID,
				"store_id":     storeID,
				"entity_type":  change.EntityType,
				"record_id":    change.RecordID,
				"operation":    change.Operation,
				"processed_at": stamp,
			})
		if err != nil {
			return fmt.Errorf("ledger gate insert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already applied; counts as success with zero side effects.
			replayed = true
			return nil
		}

		switch change.Operation {
		case OpCreate, OpUpdate:
			return s.applyUpsertInTx(ctx, tx, storeID, change, stamp)
		case OpDelete:
			return s.applyDeleteInTx(ctx, tx, storeID, change, stamp)
		default:
			return fmt.Errorf("invalid operation: %s", change.Operation)
		}
	})
	if txErr != nil {
		// Under concurrent retries the gate insert can lose a serialization
		// race after the original commit landed. Re-check the ledger so such
		// a change is reported as the replay it is, not as a failure.
		if isRetryablePGTxError(txErr) {
			exists, checkErr := s.ledgerHasChange(ctx, change.ChangeID)
			if checkErr == nil && exists {
				return true, nil
			}
		}
		return false, txErr
	}
	return replayed, nil
}

// applyUpsertInTx materializes a create/update into the entity table.
func (s *Service) applyUpsertInTx(ctx context.Context, tx pgx.Tx, storeID string, change *PushChange, stamp time.Time) error {
	table := pgx.Identifier{entityTables[change.EntityType]}.Sanitize()
	query := fmt.Sprintf(`
		INSERT INTO pos.%s (id, store_id, data, updated_at, deleted)
		VALUES (@id, @store_id, @data, @updated_at, FALSE)
		ON CONFLICT (store_id, id) DO UPDATE SET
			data       = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at,
			deleted    = FALSE`, table)

	_, err := tx.Exec(ctx, query, pgx.NamedArgs{
		"id":         change.RecordID,
		"store_id":   storeID,
		"data":       change.Payload,
		"updated_at": stamp,
	})
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", change.EntityType, change.RecordID, err)
	}
	return nil
}

// applyDeleteInTx flips the soft-delete flag. Deleting a record the server has
// never seen is a no-op and still counts as applied; the ledger entry records
// that the change was processed.
func (s *Service) applyDeleteInTx(ctx context.Context, tx pgx.Tx, storeID string, change *PushChange, stamp time.Time) error {
	table := pgx.Identifier{entityTables[change.EntityType]}.Sanitize()
	query := fmt.Sprintf(`
		UPDATE pos.%s SET deleted = TRUE, updated_at = @updated_at
		WHERE store_id = @store_id AND id = @id`, table)

	_, err := tx.Exec(ctx, query, pgx.NamedArgs{
		"id":         change.RecordID,
		"store_id":   storeID,
		"updated_at": stamp,
	})
	if err != nil {
		return fmt.Errorf("soft-delete %s %s: %w", change.EntityType, change.RecordID, err)
	}
	return nil
}

// ledgerHasChange reports whether a change_id has already been recorded.
func (s *Service) ledgerHasChange(ctx context.Context, changeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync.sync_ledger WHERE change_id = @change_id)`,
		pgx.NamedArgs{"change_id": changeID},
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// invalidReason maps a validation error to its wire reason code.
func invalidReason(err error) string {
	if errors.Is(err, ErrUnknownEntity) {
		return ReasonUnknownEntity
	}
	return ReasonBadPayload
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}
