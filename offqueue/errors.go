// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"errors"
	"fmt"
)

// Sentinel errors for cycle-level preconditions. A drain cycle checks these
// before touching the queue, so a failed precondition has no side effects.
var (
	// ErrBusy is returned when a drain cycle is already running and the
	// caller did not force a new one.
	ErrBusy = errors.New("sync already in progress")

	// ErrOffline is returned when connectivity state is false at cycle start.
	ErrOffline = errors.New("device is offline")

	// ErrUnauthenticated is returned when no identity context is available.
	// Gateways fail fast with this error before issuing any network call.
	ErrUnauthenticated = errors.New("not authenticated")
)

// TransportError represents a network/transport-level failure on a gateway
// call (connection refused, timeout, DNS failure). The mutation stays queued
// and its attempts counter is incremented.
type TransportError struct {
	Op  string // "create", "update" or "delete"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError represents a non-2xx response from the remote API, carrying the
// server-supplied message. Like TransportError it is recorded per item and
// does not abort the rest of the cycle.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote rejected with status %d: %s", e.StatusCode, e.Message)
}
