// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offserver

import (
	"encoding/json"
	"time"
)

// UpsertRequest is the body of POST /{entity} and PUT /{entity}/{id}. The
// client-assigned record id travels with the payload so retried requests
// land on the same row (idempotent full-record replacement).
type UpsertRequest struct {
	ID   int64           `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RecordResponse is the stored representation returned on 2xx.
type RecordResponse struct {
	Entity    string          `json:"entity"`
	ID        int64           `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ErrorResponse is the standardized non-2xx envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
