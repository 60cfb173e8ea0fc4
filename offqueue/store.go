// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Op is the kind of local mutation recorded in the queue.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Record is a locally stored entity row. Data is an opaque JSON document
// owned by the application; the store only manages the sync bookkeeping
// around it.
type Record struct {
	ID        int64           `json:"id"`
	Entity    string          `json:"entity"`
	Data      json.RawMessage `json:"data"`
	Synced    bool            `json:"synced"`
	Deleted   bool            `json:"deleted"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Mutation is one entry of the append-only mutation log. Entries are drained
// in id order (FIFO), which preserves per-record creation order. Payload is
// the full-record snapshot captured at write time, nil for DELETE.
type Mutation struct {
	ID        int64           `json:"id"`
	Entity    string          `json:"entity"`
	RecordID  int64           `json:"recordId"`
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts"`
}

// ReadFilter narrows the result of Store.Read. The zero value returns all
// live (non-tombstoned) records.
type ReadFilter struct {
	IncludeDeleted bool // include tombstoned rows
	OnlyUnsynced   bool // only rows not yet confirmed by the remote
}

// Store is the durable local storage contract: key-indexed record storage
// per entity plus the append-only mutation log.
//
// A single logical write is transactionally atomic across both: if the queue
// append fails the entity write is not visible, and vice versa. DELETE is a
// soft delete (deleted=1, synced=0); physical removal happens only through
// PurgeTombstone after the remote confirmed the deletion.
type Store interface {
	// RegisterEntity prepares storage for an entity type. Writes to an
	// unregistered entity fail.
	RegisterEntity(entity string) error

	// Write applies op to the entity and appends exactly one mutation entry
	// before returning. For OpCreate recordID is ignored and the new record
	// id is returned; for OpUpdate data replaces the record; for OpDelete
	// data is ignored and the record is tombstoned.
	Write(ctx context.Context, entity string, op Op, recordID int64, data json.RawMessage) (int64, error)

	// Read returns records for the entity in id order.
	Read(ctx context.Context, entity string, filter ReadFilter) ([]Record, error)

	// DrainSnapshot returns the current queue contents in FIFO order.
	DrainSnapshot(ctx context.Context) ([]Mutation, error)

	// RemoveMutation deletes a queue entry after confirmed remote success.
	RemoveMutation(ctx context.Context, id int64) error

	// IncrementAttempts bumps the attempt counter of a queue entry after a
	// confirmed remote failure.
	IncrementAttempts(ctx context.Context, id int64) error

	// MarkSynced flips the record's synced flag after the remote confirmed
	// its latest state.
	MarkSynced(ctx context.Context, entity string, recordID int64) error

	// PurgeTombstone physically removes a soft-deleted record. Purging a
	// record that is already gone is a no-op.
	PurgeTombstone(ctx context.Context, entity string, recordID int64) error

	// EnsureDeviceID returns the stable device identifier for this store,
	// generating and persisting one on first use.
	EnsureDeviceID() (string, error)

	Close() error
}
