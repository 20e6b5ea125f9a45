// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service provides the core synchronization functionality: the push path
// guarded by the sync ledger, and the watermark-based pull path. This is the
// component a POS backend wires into its HTTP surface.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	// now is the clock source for updated_at stamps and pull as-of timestamps.
	// Overridable in tests.
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName      string // Application name for connection tracking
	MaxBatchSize int    // Maximum number of changes in a single push (0 = unlimited)
}

// NewService creates a new sync service instance from an existing pool and
// initializes the pos and sync schemas.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "possync"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &Service{
		pool:   pool,
		logger: logger,
		config: config,
		now:    time.Now,
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	logger.Debug("Database schema initialized successfully")

	return service, nil
}

// Close gracefully shuts down the sync service. It is safe to call multiple
// times. It does NOT close the database pool - the caller owns pool lifecycle.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// Entities returns the entity types accepted by push, for status reporting.
func (s *Service) Entities() []string {
	entities := make([]string, 0, len(entityTables))
	for _, et := range []string{
		EntityProduct, EntityCategory, EntitySale, EntityCustomer,
		EntityUser, EntitySetting, EntityStockMovement,
	} {
		entities = append(entities, et)
	}
	return entities
}

// checkClosed returns an error if the service has been closed
func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}
