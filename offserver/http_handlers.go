// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mobiletoly/go-offqueue/internal/auth"
)

// Handlers exposes the per-entity REST API:
//
//	POST   /{entity}        create (idempotent upsert keyed by body id)
//	PUT    /{entity}/{id}   update (idempotent upsert)
//	DELETE /{entity}/{id}   delete (idempotent)
//	GET    /{entity}/{id}   fetch stored representation
//
// All routes expect an authenticated request context (see JWTAuth.Middleware).
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates HTTP handlers over the service.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, logger: logger}
}

// Register adds the entity routes to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /{entity}", h.handleCreate)
	mux.HandleFunc("PUT /{entity}/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /{entity}/{id}", h.handleDelete)
	mux.HandleFunc("GET /{entity}/{id}", h.handleGet)
}

func (h *Handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, entity, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}
	if req.ID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "id must be a positive integer")
		return
	}

	resp, err := h.service.Upsert(r.Context(), userID, entity, req.ID, req.Data)
	if err != nil {
		h.logger.Error("Failed to create record", "error", err, "entity", entity, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to store record")
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, entity, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	recordID, ok := h.pathRecordID(w, r)
	if !ok {
		return
	}

	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}

	// The path id wins; the body id is informational.
	resp, err := h.service.Upsert(r.Context(), userID, entity, recordID, req.Data)
	if err != nil {
		h.logger.Error("Failed to update record", "error", err, "entity", entity, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "update_failed", "Failed to store record")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, entity, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	recordID, ok := h.pathRecordID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, entity, recordID); err != nil {
		h.logger.Error("Failed to delete record", "error", err, "entity", entity, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, entity, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	recordID, ok := h.pathRecordID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.Get(r.Context(), userID, entity, recordID)
	if err == ErrNotFound {
		h.writeError(w, http.StatusNotFound, "not_found", "Record does not exist")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load record", "error", err, "entity", entity, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to load record")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// requestScope pulls the authenticated user from the context and validates
// the entity path segment against the registered set.
func (h *Handlers) requestScope(w http.ResponseWriter, r *http.Request) (userID, entity string, ok bool) {
	userID, ok = auth.UserID(r.Context())
	if !ok || userID == "" {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "Missing authenticated user")
		return "", "", false
	}
	entity = r.PathValue("entity")
	if !h.service.IsRegistered(entity) {
		h.writeError(w, http.StatusNotFound, "unknown_entity", "Entity type is not registered: "+entity)
		return "", "", false
	}
	return userID, entity, true
}

func (h *Handlers) pathRecordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
