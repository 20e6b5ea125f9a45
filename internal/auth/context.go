// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	storeIDKey    contextKey = "store_id"
	terminalIDKey contextKey = "terminal_id"
)

// SetStoreID sets the store ID in the context
func SetStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, storeIDKey, storeID)
}

// GetStoreID retrieves the store ID from the context
func GetStoreID(ctx context.Context) (string, bool) {
	storeID, ok := ctx.Value(storeIDKey).(string)
	return storeID, ok
}

// SetTerminalID sets the terminal ID in the context
func SetTerminalID(ctx context.Context, terminalID string) context.Context {
	return context.WithValue(ctx, terminalIDKey, terminalID)
}

// GetTerminalID retrieves the terminal ID from the context
func GetTerminalID(ctx context.Context) (string, bool) {
	terminalID, ok := ctx.Value(terminalIDKey).(string)
	return terminalID, ok
}

// SetAuthContext sets both store and terminal identity in the context
func SetAuthContext(ctx context.Context, storeID, terminalID string) context.Context {
	ctx = SetStoreID(ctx, storeID)
	ctx = SetTerminalID(ctx, terminalID)
	return ctx
}
