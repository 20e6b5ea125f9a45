// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHandlePush_BatchTooLarge(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken(uuid.New().String(), uuid.New().String(), time.Hour)
	require.NoError(t, err)

	// The batch cap rejects before any database work, so no pool is needed.
	service := &Service{
		config: &ServiceConfig{MaxBatchSize: 1},
		logger: slog.Default(),
		now:    time.Now,
	}
	h := NewHTTPSyncHandlers(service, jwtAuth, slog.Default())

	body, err := json.Marshal(PushRequest{Changes: make([]PushChange, 2)})
	require.NoError(t, err)
	r := httptest.NewRequest("POST", "/sync/push", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	h.HandlePush(w, r)

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	require.Equal(t, "batch_too_large", errResp.Error)
}
