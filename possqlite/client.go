// Package possqlite is the terminal-side sync client. It keeps a durable
// change log and a local entity store in SQLite, pushes pending changes to
// the sync gateway in batches, and merges pulled deltas back with
// last-write-wins semantics.
//
// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tillworks/possync/possync"
)

// ErrAuthFailed is returned when the gateway rejects the client's token.
// Sync cycles halt until SetToken installs fresh credentials; retrying with
// the same token would only produce a retry storm.
var ErrAuthFailed = errors.New("authentication failed")

// ErrCycleInFlight is returned by SyncNow when another cycle holds the guard
var ErrCycleInFlight = errors.New("sync cycle already in flight")

// ErrOffline is returned by SyncNow while the app has flagged the terminal
// offline via SetOnline(false). No network attempt is made until
// SetOnline(true).
var ErrOffline = errors.New("client is offline")

// Client manages the local SQLite store and two-way sync with the gateway
type Client struct {
	DB         *sql.DB
	BaseURL    string
	StoreID    string
	TerminalID string
	HTTP       *http.Client

	config  *Config
	logger  *slog.Logger
	log     *ChangeLog
	now     func() time.Time
	writeMu sync.Mutex // serialize SQLite writes

	tokenMu sync.RWMutex
	token   string

	// Atomic flags: single in-flight cycle guard, online/offline indicator,
	// app-driven offline switch, auth halt.
	cycleActive int32
	online      int32
	suspended   int32
	authFailed  int32

	trigger chan struct{}

	runMu  sync.Mutex // guards cancel and done across Start/Stop
	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds configuration for the sync client
type Config struct {
	Interval     time.Duration // periodic cycle interval
	PushLimit    int           // max changes per push batch
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	CycleTimeout time.Duration // upper bound on one push+pull cycle
}

// DefaultConfig returns the configuration used by terminals in the field
func DefaultConfig() *Config {
	return &Config{
		Interval:     15 * time.Second,
		PushLimit:    100,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		CycleTimeout: 30 * time.Second,
	}
}

// NewClient creates a sync client bound to one store and terminal. The local
// schema (change log, sync state, entity tables) is created on first use.
func NewClient(db *sql.DB, baseURL, storeID, terminalID, token string, config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.PushLimit <= 0 {
		return nil, fmt.Errorf("config.PushLimit must be positive")
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	now := time.Now
	client := &Client{
		DB:         db,
		BaseURL:    baseURL,
		StoreID:    storeID,
		TerminalID: terminalID,
		HTTP:       &http.Client{Timeout: 60 * time.Second},
		config:     config,
		logger:     slog.Default(),
		log:        &ChangeLog{db: db, now: now},
		now:        now,
		token:      token,
		online:     1,
		trigger:    make(chan struct{}, 1),
	}
	return client, nil
}

// SetLogger replaces the default logger
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// ChangeLog exposes the durable change queue
func (c *Client) ChangeLog() *ChangeLog {
	return c.log
}

// SetToken installs fresh credentials and lifts the auth halt
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
	atomic.StoreInt32(&c.authFailed, 0)
}

func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// Online reports the passive connectivity indicator. It flips false on a
// transport failure and true on any successful round trip.
func (c *Client) Online() bool {
	return atomic.LoadInt32(&c.online) == 1
}

// SetOnline lets the app's own connectivity detector drive the client.
// SetOnline(false) suspends sync cycles entirely; changes keep accumulating
// in the change log and are pushed once SetOnline(true) lifts the suspension.
// The passive indicator only tracks transport results and never suspends
// cycles, since a cycle is the only way to detect recovery.
func (c *Client) SetOnline(online bool) {
	if online {
		atomic.StoreInt32(&c.suspended, 0)
		atomic.StoreInt32(&c.online, 1)
		c.TriggerSync()
	} else {
		atomic.StoreInt32(&c.suspended, 1)
		atomic.StoreInt32(&c.online, 0)
	}
}

// localTables maps entity types to their local store tables. Stock movements
// are recorded and pushed but never pulled; the server aggregates them.
var localTables = map[string]string{
	possync.EntityProduct:       "products",
	possync.EntityCategory:      "categories",
	possync.EntitySale:          "sales",
	possync.EntityCustomer:      "customers",
	possync.EntityUser:          "users",
	possync.EntitySetting:       "settings",
	possync.EntityStockMovement: "stock_movements",
}

// initializeDatabase creates the change log, sync state and entity tables
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS _pos_change_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload     TEXT,
			change_id   TEXT NOT NULL UNIQUE,
			created_at  TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending'
			            CHECK (status IN ('pending','processed','failed'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_pos_change_log_pending
			ON _pos_change_log (status, created_at, id)`,

		// One row per store: the last successful pull watermark, always the
		// server's clock reading.
		`CREATE TABLE IF NOT EXISTS _pos_sync_state (
			store_id       TEXT PRIMARY KEY,
			last_sync_time TEXT
		)`,
	}

	for _, table := range localTables {
		statements = append(statements, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id         TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0
		)`, table))
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create local table: %w", err)
		}
	}
	return nil
}

// NotifyChange records a durable change and, when online and not halted on
// auth, nudges the scheduler to sync immediately. The change is on disk
// before NotifyChange returns regardless of connectivity.
func (c *Client) NotifyChange(ctx context.Context, entityType, recordID, operation string, payload json.RawMessage) (string, error) {
	if _, ok := localTables[entityType]; !ok {
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
	switch operation {
	case possync.OpCreate, possync.OpUpdate, possync.OpDelete:
	default:
		return "", fmt.Errorf("unknown operation %q", operation)
	}

	c.writeMu.Lock()
	changeID, err := c.log.Record(ctx, entityType, recordID, operation, payload)
	c.writeMu.Unlock()
	if err != nil {
		return "", err
	}

	if c.Online() && atomic.LoadInt32(&c.authFailed) == 0 {
		c.TriggerSync()
	}
	return changeID, nil
}

// UpsertLocal writes an entity row to the local store and queues the change
// for push. Used by the terminal's mutation handlers for create and update.
func (c *Client) UpsertLocal(ctx context.Context, entityType, recordID string, payload json.RawMessage) (string, error) {
	table, ok := localTables[entityType]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("payload required for upsert")
	}

	op := possync.OpUpdate
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var exists bool
	err := c.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM "%s" WHERE id = ?)`, table), recordID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("failed to check %s existence: %w", entityType, err)
	}
	if !exists {
		op = possync.OpCreate
	}

	stamp := c.now().UTC().Format(time.RFC3339Nano)
	_, err = c.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (id, data, updated_at, deleted) VALUES (?, ?, ?, 0)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at, deleted = 0
	`, table), recordID, string(payload), stamp)
	if err != nil {
		return "", fmt.Errorf("failed to upsert local %s: %w", entityType, err)
	}

	changeID, err := c.log.Record(ctx, entityType, recordID, op, payload)
	if err != nil {
		return "", err
	}
	if c.Online() && atomic.LoadInt32(&c.authFailed) == 0 {
		c.TriggerSync()
	}
	return changeID, nil
}

// DeleteLocal soft-deletes an entity row and queues the deletion for push
func (c *Client) DeleteLocal(ctx context.Context, entityType, recordID string) (string, error) {
	table, ok := localTables[entityType]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stamp := c.now().UTC().Format(time.RFC3339Nano)
	_, err := c.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE "%s" SET deleted = 1, updated_at = ? WHERE id = ?
	`, table), stamp, recordID)
	if err != nil {
		return "", fmt.Errorf("failed to delete local %s: %w", entityType, err)
	}

	changeID, err := c.log.Record(ctx, entityType, recordID, possync.OpDelete, nil)
	if err != nil {
		return "", err
	}
	if c.Online() && atomic.LoadInt32(&c.authFailed) == 0 {
		c.TriggerSync()
	}
	return changeID, nil
}

// LocalRecord is one row of the local entity store
type LocalRecord struct {
	ID        string
	Data      json.RawMessage
	UpdatedAt time.Time
	Deleted   bool
}

// GetLocal reads one entity row from the local store, deleted or not
func (c *Client) GetLocal(ctx context.Context, entityType, recordID string) (*LocalRecord, error) {
	table, ok := localTables[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	var rec LocalRecord
	var data, updatedAt string
	var deleted int
	err := c.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, data, updated_at, deleted FROM "%s" WHERE id = ?
	`, table), recordID).Scan(&rec.ID, &data, &updatedAt, &deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to load local %s %s: %w", entityType, recordID, err)
	}
	rec.Data = json.RawMessage(data)
	rec.Deleted = deleted != 0
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s %s: %w", entityType, recordID, err)
	}
	return &rec, nil
}

// Watermark returns the stored pull watermark, or nil before the first
// successful pull.
func (c *Client) Watermark(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	err := c.DB.QueryRowContext(ctx, `
		SELECT last_sync_time FROM _pos_sync_state WHERE store_id = ?
	`, c.StoreID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load watermark: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watermark: %w", err)
	}
	return &t, nil
}

// setWatermark persists the server-reported pull timestamp. The watermark is
// monotonically non-decreasing; an older timestamp is ignored.
func (c *Client) setWatermark(ctx context.Context, t time.Time) error {
	current, err := c.Watermark(ctx)
	if err != nil {
		return err
	}
	if current != nil && !t.After(*current) {
		return nil
	}
	_, err = c.DB.ExecContext(ctx, `
		INSERT INTO _pos_sync_state (store_id, last_sync_time) VALUES (?, ?)
		ON CONFLICT (store_id) DO UPDATE SET last_sync_time = excluded.last_sync_time
	`, c.StoreID, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist watermark: %w", err)
	}
	return nil
}
