// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal the engine syncs on behalf of.
type Identity struct {
	UserID   string
	DeviceID string
}

// IdentityProvider supplies the current authenticated identity. Provider
// failures are treated as "not authenticated" and never surface as errors
// to the engine.
type IdentityProvider interface {
	IsAuthenticated() bool
	CurrentIdentity() (*Identity, bool)
}

// TokenFunc returns the current access token (a JWT) for outgoing requests.
type TokenFunc func(ctx context.Context) (string, error)

// StaticIdentity is a fixed identity, mainly for tests and single-user CLIs.
type StaticIdentity struct {
	Identity Identity
}

func (s *StaticIdentity) IsAuthenticated() bool { return s.Identity.UserID != "" }

func (s *StaticIdentity) CurrentIdentity() (*Identity, bool) {
	if s.Identity.UserID == "" {
		return nil, false
	}
	id := s.Identity
	return &id, true
}

// tokenClaims mirrors the server-side claim layout: user in the standard
// `sub` claim, device in `did`.
type tokenClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// TokenIdentity derives the identity from the JWT access token supplied by
// Token. The token is parsed without signature verification; the client does
// not hold the server secret, and the server re-validates on every call.
type TokenIdentity struct {
	Token TokenFunc
}

func (t *TokenIdentity) IsAuthenticated() bool {
	_, ok := t.CurrentIdentity()
	return ok
}

func (t *TokenIdentity) CurrentIdentity() (*Identity, bool) {
	if t.Token == nil {
		return nil, false
	}
	raw, err := t.Token(context.Background())
	if err != nil || raw == "" {
		return nil, false
	}
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, false
	}
	if claims.Subject == "" {
		return nil, false
	}
	return &Identity{UserID: claims.Subject, DeviceID: claims.DeviceID}, true
}
