// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/tillworks/possync/possync"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, v any) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func emptyPull(timestamp time.Time) *possync.PullResponse {
	return &possync.PullResponse{Status: "ok", Timestamp: timestamp}
}

func newTestClient(t *testing.T, transport http.RoundTripper) *Client {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1) // :memory: is per-connection
	t.Cleanup(func() { _ = db.Close() })

	client, err := NewClient(db, "http://gateway.local",
		uuid.New().String(), uuid.New().String(), "test-token", DefaultConfig())
	require.NoError(t, err)
	client.HTTP = &http.Client{Transport: transport}
	return client
}

// fakeGateway answers push and pull like the real gateway: every pushed
// change succeeds unless its record ID is in rejectRecords, and pull returns
// the configured response.
type fakeGateway struct {
	rejectRecords map[string]bool
	pullResp      func() *possync.PullResponse
	pushes        []possync.PushRequest
}

func (g *fakeGateway) roundTrip(r *http.Request) (*http.Response, error) {
	switch r.URL.Path {
	case "/sync/push":
		var req possync.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		g.pushes = append(g.pushes, req)

		results := possync.PushResults{Errors: []possync.PushError{}}
		for _, ch := range req.Changes {
			if g.rejectRecords[ch.RecordID] {
				results.Failed++
				results.Errors = append(results.Errors, possync.PushError{
					Change: ch,
					Reason: possync.ReasonBadPayload,
					Error:  "bad_payload: rejected by test gateway",
				})
				continue
			}
			results.Success++
		}
		return jsonResponse(200, &possync.PushResponse{Status: "completed", Results: results}), nil
	case "/sync/pull":
		return jsonResponse(200, g.pullResp()), nil
	default:
		return nil, fmt.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
	}
}

func TestSyncNow_PushSuccessDrainsQueue(t *testing.T) {
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))
	ctx := context.Background()

	_, err := client.NotifyChange(ctx, possync.EntityProduct, uuid.New().String(), possync.OpCreate,
		json.RawMessage(`{"name":"Espresso","price":2.5}`))
	require.NoError(t, err)
	_, err = client.NotifyChange(ctx, possync.EntityProduct, uuid.New().String(), possync.OpCreate,
		json.RawMessage(`{"name":"Latte","price":3.5}`))
	require.NoError(t, err)

	require.NoError(t, client.SyncNow(ctx))

	n, err := client.ChangeLog().PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.True(t, client.Online())

	require.Len(t, gw.pushes, 1)
	require.Len(t, gw.pushes[0].Changes, 2)
	require.Equal(t, client.StoreID, gw.pushes[0].StoreID)
}

func TestSyncNow_PushPreservesFIFO(t *testing.T) {
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))
	ctx := context.Background()

	recordID := uuid.New().String()
	first, err := client.NotifyChange(ctx, possync.EntityProduct, recordID, possync.OpCreate,
		json.RawMessage(`{"name":"v1","price":1}`))
	require.NoError(t, err)
	second, err := client.NotifyChange(ctx, possync.EntityProduct, recordID, possync.OpUpdate,
		json.RawMessage(`{"name":"v2","price":2}`))
	require.NoError(t, err)

	require.NoError(t, client.SyncNow(ctx))

	require.Len(t, gw.pushes, 1)
	sent := gw.pushes[0].Changes
	require.Len(t, sent, 2)
	require.Equal(t, first, sent[0].ChangeID)
	require.Equal(t, second, sent[1].ChangeID)
}

func TestSyncNow_RetryAccounting(t *testing.T) {
	failing := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	})
	client := newTestClient(t, failing)
	ctx := context.Background()

	changeID, err := client.NotifyChange(ctx, possync.EntitySale, uuid.New().String(), possync.OpCreate,
		json.RawMessage(`{"total":10}`))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Error(t, client.SyncNow(ctx))
	}

	rec, err := client.ChangeLog().Get(ctx, changeID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 3, rec.Attempts)
	require.NotEmpty(t, rec.LastError)
	require.False(t, client.Online())
}

func TestSyncNow_PerItemFailure(t *testing.T) {
	now := time.Now().UTC()
	badRecord := uuid.New().String()
	gw := &fakeGateway{
		rejectRecords: map[string]bool{badRecord: true},
		pullResp:      func() *possync.PullResponse { return emptyPull(now) },
	}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))
	ctx := context.Background()

	goodID, err := client.NotifyChange(ctx, possync.EntityProduct, uuid.New().String(), possync.OpCreate,
		json.RawMessage(`{"name":"ok","price":1}`))
	require.NoError(t, err)
	badID, err := client.NotifyChange(ctx, possync.EntityProduct, badRecord, possync.OpCreate,
		json.RawMessage(`{"name":"bad","price":1}`))
	require.NoError(t, err)

	require.NoError(t, client.SyncNow(ctx))

	// The good change was removed; the rejected one is failed, not pending.
	_, err = client.ChangeLog().Get(ctx, goodID)
	require.Error(t, err)

	rec, err := client.ChangeLog().Get(ctx, badID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Contains(t, rec.LastError, "bad_payload")

	n, err := client.ChangeLog().PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSyncNow_CycleGuard(t *testing.T) {
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))

	client.cycleActive = 1
	err := client.SyncNow(context.Background())
	require.ErrorIs(t, err, ErrCycleInFlight)
	client.cycleActive = 0

	require.NoError(t, client.SyncNow(context.Background()))
}

func TestSyncNow_AuthHalt(t *testing.T) {
	unauthorized := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(401, map[string]string{"error": "invalid token"}), nil
	})
	client := newTestClient(t, unauthorized)
	ctx := context.Background()

	changeID, err := client.NotifyChange(ctx, possync.EntityProduct, uuid.New().String(), possync.OpCreate,
		json.RawMessage(`{"name":"x","price":1}`))
	require.NoError(t, err)

	err = client.SyncNow(ctx)
	require.ErrorIs(t, err, ErrAuthFailed)

	// Cycles now halt without touching the network at all.
	require.ErrorIs(t, client.SyncNow(ctx), ErrAuthFailed)

	// The change was not failed or retried: it waits for fresh credentials.
	rec, err := client.ChangeLog().Get(ctx, changeID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 0, rec.Attempts)

	// Fresh credentials lift the halt.
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	client.HTTP = &http.Client{Transport: roundTripFunc(gw.roundTrip)}
	client.SetToken("fresh-token")
	require.NoError(t, client.SyncNow(ctx))

	n, err := client.ChangeLog().PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPull_WatermarkMonotonic(t *testing.T) {
	serverTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(serverTime) }}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))
	ctx := context.Background()

	require.NoError(t, client.SyncNow(ctx))
	wm, err := client.Watermark(ctx)
	require.NoError(t, err)
	require.NotNil(t, wm)
	require.True(t, wm.Equal(serverTime))

	// A response with an older timestamp must not move the watermark back.
	serverTime = serverTime.Add(-time.Hour)
	require.NoError(t, client.SyncNow(ctx))
	wm, err = client.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, wm.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	// A newer timestamp advances it.
	serverTime = serverTime.Add(2 * time.Hour)
	require.NoError(t, client.SyncNow(ctx))
	wm, err = client.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, wm.Equal(serverTime))
}

func TestPull_SendsStoredWatermark(t *testing.T) {
	serverTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var lastPull possync.PullRequest
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/sync/push":
			return jsonResponse(200, &possync.PushResponse{Status: "completed"}), nil
		case "/sync/pull":
			if err := json.NewDecoder(r.Body).Decode(&lastPull); err != nil {
				return nil, err
			}
			return jsonResponse(200, emptyPull(serverTime)), nil
		}
		return nil, fmt.Errorf("unexpected path %s", r.URL.Path)
	})
	client := newTestClient(t, transport)
	ctx := context.Background()

	require.NoError(t, client.SyncNow(ctx))
	require.Nil(t, lastPull.LastSyncTime) // first pull asks for everything

	require.NoError(t, client.SyncNow(ctx))
	require.NotNil(t, lastPull.LastSyncTime)
	require.True(t, lastPull.LastSyncTime.Equal(serverTime))
}

func TestPull_LWWMerge(t *testing.T) {
	recordID := uuid.New().String()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pullData := func(updatedAt time.Time, deleted bool, name string) *possync.PullResponse {
		resp := emptyPull(updatedAt.Add(time.Minute))
		resp.Changes.Products = []possync.Record{{
			ID:        recordID,
			Data:      json.RawMessage(fmt.Sprintf(`{"name":%q,"price":1}`, name)),
			UpdatedAt: updatedAt,
			Deleted:   deleted,
		}}
		return resp
	}

	current := pullData(base, false, "from-server")
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return current }}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))
	ctx := context.Background()

	// New record merges in.
	require.NoError(t, client.SyncNow(ctx))
	rec, err := client.GetLocal(ctx, possync.EntityProduct, recordID)
	require.NoError(t, err)
	require.Contains(t, string(rec.Data), "from-server")

	// Same updated_at again: a tie keeps the local row untouched.
	current = pullData(base, false, "tie-loser")
	require.NoError(t, client.SyncNow(ctx))
	rec, err = client.GetLocal(ctx, possync.EntityProduct, recordID)
	require.NoError(t, err)
	require.Contains(t, string(rec.Data), "from-server")

	// Strictly newer wins, including a soft delete.
	current = pullData(base.Add(time.Second), true, "deleted-later")
	require.NoError(t, client.SyncNow(ctx))
	rec, err = client.GetLocal(ctx, possync.EntityProduct, recordID)
	require.NoError(t, err)
	require.True(t, rec.Deleted)

	// Older than local: ignored.
	current = pullData(base.Add(-time.Hour), false, "stale")
	require.NoError(t, client.SyncNow(ctx))
	rec, err = client.GetLocal(ctx, possync.EntityProduct, recordID)
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	require.Contains(t, string(rec.Data), "deleted-later")
}

func TestLocalMutationHelpers(t *testing.T) {
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))
	ctx := context.Background()

	recordID := uuid.New().String()

	// First write is a create, second an update.
	_, err := client.UpsertLocal(ctx, possync.EntityProduct, recordID, json.RawMessage(`{"name":"v1","price":1}`))
	require.NoError(t, err)
	_, err = client.UpsertLocal(ctx, possync.EntityProduct, recordID, json.RawMessage(`{"name":"v2","price":2}`))
	require.NoError(t, err)

	pending, err := client.ChangeLog().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, possync.OpCreate, pending[0].Operation)
	require.Equal(t, possync.OpUpdate, pending[1].Operation)

	rec, err := client.GetLocal(ctx, possync.EntityProduct, recordID)
	require.NoError(t, err)
	require.Contains(t, string(rec.Data), "v2")
	require.False(t, rec.Deleted)

	// Delete soft-deletes locally and queues a payload-less change.
	_, err = client.DeleteLocal(ctx, possync.EntityProduct, recordID)
	require.NoError(t, err)
	rec, err = client.GetLocal(ctx, possync.EntityProduct, recordID)
	require.NoError(t, err)
	require.True(t, rec.Deleted)

	pending, err = client.ChangeLog().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, possync.OpDelete, pending[2].Operation)
	require.Nil(t, pending[2].Payload)
}

func TestNotifyChange_Validation(t *testing.T) {
	client := newTestClient(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("no network expected")
	}))
	ctx := context.Background()

	_, err := client.NotifyChange(ctx, "invoice", uuid.New().String(), possync.OpCreate, json.RawMessage(`{}`))
	require.Error(t, err)

	_, err = client.NotifyChange(ctx, possync.EntityProduct, uuid.New().String(), "upsert", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestSyncNow_CycleTimeoutReleasesGuard(t *testing.T) {
	// The transport stalls until the cycle context expires.
	blocking := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})
	client := newTestClient(t, blocking)
	client.config.CycleTimeout = 50 * time.Millisecond
	ctx := context.Background()

	changeID, err := client.NotifyChange(ctx, possync.EntityProduct, uuid.New().String(), possync.OpCreate,
		json.RawMessage(`{"name":"stuck","price":1}`))
	require.NoError(t, err)

	err = client.SyncNow(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCycleInFlight)

	// The stalled cycle was cut off and released the guard; the attempt was
	// still recorded and the change stays pending.
	require.EqualValues(t, 0, client.cycleActive)
	rec, err := client.ChangeLog().Get(ctx, changeID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 1, rec.Attempts)

	// A follow-up cycle over a healthy transport drains the queue.
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	client.HTTP = &http.Client{Transport: roundTripFunc(gw.roundTrip)}
	require.NoError(t, client.SyncNow(ctx))
}

func TestSyncNow_OfflineSuspendsCycles(t *testing.T) {
	requests := 0
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	counting := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		requests++
		return gw.roundTrip(r)
	})
	client := newTestClient(t, counting)
	ctx := context.Background()

	_, err := client.NotifyChange(ctx, possync.EntityProduct, uuid.New().String(), possync.OpCreate,
		json.RawMessage(`{"name":"queued","price":1}`))
	require.NoError(t, err)

	// While the app flags the terminal offline, no network attempt is made.
	client.SetOnline(false)
	require.ErrorIs(t, client.SyncNow(ctx), ErrOffline)
	require.ErrorIs(t, client.SyncNow(ctx), ErrOffline)
	require.Equal(t, 0, requests)

	// Back online: the queued change goes out.
	client.SetOnline(true)
	require.NoError(t, client.SyncNow(ctx))
	require.Greater(t, requests, 0)

	n, err := client.ChangeLog().PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSchedulerLifecycle(t *testing.T) {
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))
	client.config.Interval = time.Hour // only the trigger drives this test

	require.NoError(t, client.Start(context.Background()))
	require.Error(t, client.Start(context.Background())) // double start rejected

	client.TriggerSync()
	require.Eventually(t, func() bool {
		wm, err := client.Watermark(context.Background())
		return err == nil && wm != nil
	}, 2*time.Second, 10*time.Millisecond)

	client.Stop()
	// Stop is idempotent.
	client.Stop()
}

func TestSchedulerStop_Concurrent(t *testing.T) {
	now := time.Now().UTC()
	gw := &fakeGateway{pullResp: func() *possync.PullResponse { return emptyPull(now) }}
	client := newTestClient(t, roundTripFunc(gw.roundTrip))
	client.config.Interval = time.Hour

	require.NoError(t, client.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Stop()
		}()
	}
	wg.Wait()

	// A stopped client can be started again.
	require.NoError(t, client.Start(context.Background()))
	client.Stop()
}
