// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Gateway performs one network operation per mutation against the remote API
// for a single entity type. A call issues exactly one request; retry is the
// engine's responsibility, not the gateway's.
type Gateway interface {
	Create(ctx context.Context, recordID int64, payload json.RawMessage) error
	Update(ctx context.Context, recordID int64, payload json.RawMessage) error
	Delete(ctx context.Context, recordID int64) error
}

// recordEnvelope is the wire shape of a record snapshot. The client-assigned
// id travels with the payload so the server can upsert idempotently.
type recordEnvelope struct {
	ID   int64           `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// remoteErrorBody is the error envelope returned by the remote API.
type remoteErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPGateway talks to the remote REST API for one entity:
//
//	POST   {base}/{entity}        create
//	PUT    {base}/{entity}/{id}   update
//	DELETE {base}/{entity}/{id}   delete
//
// Every call requires an authenticated identity; without one the gateway
// fails fast with ErrUnauthenticated and never touches the network.
type HTTPGateway struct {
	BaseURL  string
	Entity   string
	Identity IdentityProvider
	Token    TokenFunc
	HTTP     *http.Client
}

// NewHTTPGateway creates a gateway for one entity type.
func NewHTTPGateway(baseURL, entity string, identity IdentityProvider, token TokenFunc) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Entity:   entity,
		Identity: identity,
		Token:    token,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *HTTPGateway) Create(ctx context.Context, recordID int64, payload json.RawMessage) error {
	url := fmt.Sprintf("%s/%s", g.BaseURL, g.Entity)
	return g.do(ctx, "create", http.MethodPost, url, &recordEnvelope{ID: recordID, Data: payload})
}

func (g *HTTPGateway) Update(ctx context.Context, recordID int64, payload json.RawMessage) error {
	url := fmt.Sprintf("%s/%s/%d", g.BaseURL, g.Entity, recordID)
	return g.do(ctx, "update", http.MethodPut, url, &recordEnvelope{ID: recordID, Data: payload})
}

func (g *HTTPGateway) Delete(ctx context.Context, recordID int64) error {
	url := fmt.Sprintf("%s/%s/%d", g.BaseURL, g.Entity, recordID)
	return g.do(ctx, "delete", http.MethodDelete, url, nil)
}

func (g *HTTPGateway) do(ctx context.Context, op, method, url string, body *recordEnvelope) error {
	if g.Identity == nil || !g.Identity.IsAuthenticated() {
		return fmt.Errorf("%w: %s %s requires an identity", ErrUnauthenticated, g.Entity, op)
	}
	token, err := g.Token(ctx)
	if err != nil || token == "" {
		// Token provider failures read as "no identity", not transport errors.
		return fmt.Errorf("%w: no access token for %s %s", ErrUnauthenticated, g.Entity, op)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	remoteErr := &RemoteError{StatusCode: resp.StatusCode}
	var errBody remoteErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil {
		remoteErr.Message = errBody.Message
		if remoteErr.Message == "" {
			remoteErr.Message = errBody.Error
		}
	}
	return remoteErr
}
