// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillworks/possync/internal/server"
	"github.com/tillworks/possync/possync"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "possyncd",
		Short: "Sync gateway and realtime relay for POS terminals",
		Long: `possyncd serves the batch sync API (push/pull with idempotent replay)
and the websocket relay that pairs POS terminals with customer displays.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	cmd.AddCommand(tokenCmd(&configFile))
	return cmd
}

func runServer(ctx context.Context, configFile string) error {
	cfg, err := server.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := server.Setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           comps.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", cfg.ListenAddr, "app", cfg.AppName)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	return nil
}

// tokenCmd mints a provisioning JWT for a terminal, for operators setting up
// new hardware.
func tokenCmd(configFile *string) *cobra.Command {
	var storeID, terminalID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a terminal JWT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if storeID == "" || terminalID == "" {
				return fmt.Errorf("--store and --terminal are required")
			}
			token, err := possync.NewJWTAuth(cfg.JWTSecret).GenerateToken(storeID, terminalID, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&storeID, "store", "", "store ID (UUID)")
	cmd.Flags().StringVar(&terminalID, "terminal", "", "terminal ID (UUID)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
