// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tillworks/possync/possync"
)

// Start launches the scheduler: one goroutine driving push+pull cycles from
// a periodic ticker and the capacity-1 trigger channel. Stop cancels it and
// waits for an in-flight cycle to finish or time out; there is no hard
// cancel of an in-flight push.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("sync client already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.schedulerLoop(ctx)
	return nil
}

// Stop shuts the scheduler down and waits for it to drain. Safe to call
// multiple times and from concurrent goroutines.
func (c *Client) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// TriggerSync requests an immediate cycle. When a cycle is already in flight
// the trigger is dropped, not queued; the periodic timer covers re-delivery.
func (c *Client) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// schedulerLoop is the single logical timeline for this terminal's sync.
// Transport failures put the loop into exponential backoff; auth failures
// halt cycles entirely until SetToken.
func (c *Client) schedulerLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	backoff := c.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}

		err := c.SyncNow(ctx)
		switch {
		case err == nil:
			backoff = c.config.BackoffMin
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrAuthFailed):
			c.logger.Warn("Sync halted until credentials are refreshed")
		case errors.Is(err, ErrOffline):
			// App flagged offline; SetOnline(true) will trigger the next cycle
		case errors.Is(err, ErrCycleInFlight):
			// Dropped trigger; nothing to do
		default:
			c.logger.Debug("Sync cycle failed; backing off", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
		}
	}
}

// SyncNow runs one push+pull cycle. At most one cycle is in flight; a second
// caller gets ErrCycleInFlight immediately. The whole cycle is bounded by
// Config.CycleTimeout so a stalled push re-enters Idle instead of freezing
// the guard forever.
func (c *Client) SyncNow(ctx context.Context) error {
	if atomic.LoadInt32(&c.suspended) == 1 {
		return ErrOffline
	}
	if atomic.LoadInt32(&c.authFailed) == 1 {
		return ErrAuthFailed
	}
	if !atomic.CompareAndSwapInt32(&c.cycleActive, 0, 1) {
		return ErrCycleInFlight
	}
	defer atomic.StoreInt32(&c.cycleActive, 0)

	ctx, cancel := context.WithTimeout(ctx, c.config.CycleTimeout)
	defer cancel()

	if err := c.pushBatch(ctx); err != nil {
		return err
	}
	return c.pullOnce(ctx)
}

// pushBatch sends up to PushLimit pending changes as one batch and applies
// the per-item results. A transport failure leaves every change pending with
// its attempt counter bumped.
func (c *Client) pushBatch(ctx context.Context) error {
	pending, err := c.log.ListPending(ctx, c.config.PushLimit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	req := &possync.PushRequest{
		StoreID: c.StoreID,
		Changes: make([]possync.PushChange, len(pending)),
	}
	ids := make([]int64, len(pending))
	byChangeID := make(map[string]int64, len(pending))
	for i, rec := range pending {
		req.Changes[i] = possync.PushChange{
			EntityType: rec.EntityType,
			RecordID:   rec.RecordID,
			Operation:  rec.Operation,
			ChangeID:   rec.ChangeID,
			Payload:    rec.Payload,
		}
		ids[i] = rec.ID
		byChangeID[rec.ChangeID] = rec.ID
	}

	resp, err := c.sendPushRequest(ctx, req)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			atomic.StoreInt32(&c.authFailed, 1)
			return err
		}
		atomic.StoreInt32(&c.online, 0)
		// The cycle context may already be expired (CycleTimeout); the attempt
		// must still be recorded.
		c.writeMu.Lock()
		markErr := c.log.RecordAttempt(context.WithoutCancel(ctx), ids, err.Error())
		c.writeMu.Unlock()
		if markErr != nil {
			c.logger.Error("Failed to record push attempt", "error", markErr)
		}
		return fmt.Errorf("push failed: %w", err)
	}
	atomic.StoreInt32(&c.online, 1)

	failed := make(map[int64]string, len(resp.Results.Errors))
	for _, pushErr := range resp.Results.Errors {
		if id, ok := byChangeID[pushErr.Change.ChangeID]; ok {
			msg := pushErr.Error
			if msg == "" {
				msg = pushErr.Reason
			}
			failed[id] = msg
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, id := range ids {
		if msg, ok := failed[id]; ok {
			if err := c.log.MarkFailed(ctx, id, msg); err != nil {
				return err
			}
			continue
		}
		if err := c.log.MarkProcessed(ctx, id); err != nil {
			return err
		}
		if err := c.log.Remove(ctx, id); err != nil {
			return err
		}
	}

	c.logger.Debug("Push batch completed",
		"sent", len(ids),
		"success", resp.Results.Success,
		"failed", resp.Results.Failed,
		"conflicts", resp.Results.Conflicts)
	return nil
}

// pullOnce fetches the delta since the stored watermark, merges it into the
// local store, and advances the watermark to the server-reported timestamp.
func (c *Client) pullOnce(ctx context.Context) error {
	watermark, err := c.Watermark(ctx)
	if err != nil {
		return err
	}

	resp, err := c.sendPullRequest(ctx, &possync.PullRequest{
		StoreID:      c.StoreID,
		LastSyncTime: watermark,
	})
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			atomic.StoreInt32(&c.authFailed, 1)
			return err
		}
		atomic.StoreInt32(&c.online, 0)
		return fmt.Errorf("pull failed: %w", err)
	}
	atomic.StoreInt32(&c.online, 1)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	applied, err := c.applyPull(ctx, &resp.Changes)
	if err != nil {
		return err
	}
	if err := c.setWatermark(ctx, resp.Timestamp); err != nil {
		return err
	}

	if applied > 0 {
		c.logger.Debug("Pull applied", "records", applied, "watermark", resp.Timestamp)
	}
	return nil
}

// sendPushRequest posts one push batch to the gateway
func (c *Client) sendPushRequest(ctx context.Context, req *possync.PushRequest) (*possync.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: server returned status %d", ErrAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var pushResp possync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &pushResp, nil
}

// sendPullRequest posts one delta request to the gateway
func (c *Client) sendPullRequest(ctx context.Context, req *possync.PullRequest) (*possync.PullResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pull request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/pull", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send pull request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: server returned status %d", ErrAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var pullResp possync.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pullResp); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &pullResp, nil
}
