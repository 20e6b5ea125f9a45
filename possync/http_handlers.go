// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// TerminalAuthenticator extracts store and terminal identity from HTTP
// requests. Implementations validate auth (e.g., JWT) before the gateway runs;
// subscription and plan-limit policy lives behind the same boundary.
type TerminalAuthenticator interface {
	GetStoreID(r *http.Request) (string, error)
	GetTerminalID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the push/pull sync API
type HTTPSyncHandlers struct {
	service       *Service
	authenticator TerminalAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *Service, authenticator TerminalAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandlePush processes batch push requests
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	storeID, err := h.authenticator.GetStoreID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var pushReq PushRequest
	if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	// The token, not the body, is the authority on store identity.
	if pushReq.StoreID != "" && pushReq.StoreID != storeID {
		h.writeError(w, http.StatusForbidden, "store_mismatch", "storeId does not match credentials")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), storeID, &pushReq)
	if err != nil {
		if errors.Is(err, ErrBatchTooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
			return
		}
		h.logger.Error("Failed to process push", "error", err, "store_id", storeID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode push response", "error", err, "store_id", storeID)
	}
}

// HandlePull processes delta pull requests
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	storeID, err := h.authenticator.GetStoreID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var pullReq PullRequest
	if err := json.NewDecoder(r.Body).Decode(&pullReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse pull request")
		return
	}

	if pullReq.StoreID != "" && pullReq.StoreID != storeID {
		h.writeError(w, http.StatusForbidden, "store_mismatch", "storeId does not match credentials")
		return
	}

	response, err := h.service.ProcessPull(r.Context(), storeID, pullReq.LastSyncTime)
	if err != nil {
		h.logger.Error("Failed to process pull", "error", err, "store_id", storeID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err, "store_id", storeID)
	}
}

// HandleStatus returns service status for health checks
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	response := StatusResponse{
		Status:   "healthy",
		AppName:  h.service.config.AppName,
		Entities: h.service.Entities(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
