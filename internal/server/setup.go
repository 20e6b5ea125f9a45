// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillworks/possync/possync"
	"github.com/tillworks/possync/relay"
)

// Components holds the wired-up server pieces so the daemon can shut them
// down in order.
type Components struct {
	Pool    *pgxpool.Pool
	Service *possync.Service
	JWTAuth *possync.JWTAuth
	Hub     *relay.Hub
	Handler http.Handler
	Logger  *slog.Logger
}

// Close shuts down the relay first so no event lands on a closing service
func (c *Components) Close() {
	if c.Hub != nil {
		c.Hub.Close()
	}
	if c.Service != nil {
		c.Service.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// Setup connects to Postgres, initializes the sync service and relay hub,
// and builds the HTTP router.
func Setup(ctx context.Context, cfg *Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	service, err := possync.NewService(ctx, pool, &possync.ServiceConfig{
		AppName:      cfg.AppName,
		MaxBatchSize: cfg.MaxBatchSize,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create sync service: %w", err)
	}

	jwtAuth := possync.NewJWTAuth(cfg.JWTSecret)
	syncHandlers := possync.NewHTTPSyncHandlers(service, jwtAuth, logger)

	hub := relay.NewHub(logger)
	realtimeHandler := relay.NewHandler(hub, jwtAuth, logger)

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, req)
			logger.Info("handled",
				"method", req.Method, "url", req.URL.Path,
				"status", m.Code, "duration", m.Duration, "bytes", m.Written)
		})
	})

	// Push and pull reject unauthenticated requests before the handlers run;
	// the handlers then read the verified identity from the request context.
	r.Methods(http.MethodPost).Path("/sync/push").Handler(jwtAuth.Middleware(http.HandlerFunc(syncHandlers.HandlePush)))
	r.Methods(http.MethodPost).Path("/sync/pull").Handler(jwtAuth.Middleware(http.HandlerFunc(syncHandlers.HandlePull)))
	r.Methods(http.MethodGet).Path("/sync/status").HandlerFunc(syncHandlers.HandleStatus)
	r.Methods(http.MethodGet).Path("/realtime").Handler(realtimeHandler)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Components{
		Pool:    pool,
		Service: service,
		JWTAuth: jwtAuth,
		Hub:     hub,
		Handler: r,
		Logger:  logger,
	}, nil
}
