// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SyncResult is the outcome of one drain cycle, also exposed to the
// presentation layer through the manual trigger.
type SyncResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	SyncedCount int    `json:"syncedCount,omitempty"`
	FailedCount int    `json:"failedCount,omitempty"`
}

// EngineConfig holds reconciliation knobs.
type EngineConfig struct {
	// PurgeTombstones physically removes soft-deleted records once the
	// remote confirmed the deletion.
	PurgeTombstones bool

	// Backoff window for the background Run loop.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		PurgeTombstones: false,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
	}
}

// Engine owns the queue-drain protocol: it snapshots the mutation queue,
// dispatches each entry to its gateway in FIFO order, and applies the
// outcome (dequeue + synced flag on success, attempt bump on failure).
//
// Only one drain cycle runs at a time; concurrent triggers (manual,
// reconnect, background loop) all pass through the same entry guard.
type Engine struct {
	store       Store
	identity    IdentityProvider
	monitor     *Monitor
	broadcaster *Broadcaster
	config      *EngineConfig
	clock       Clock
	logger      *slog.Logger

	mu       sync.RWMutex
	gateways map[string]Gateway

	running int32 // atomic; the one-cycle-at-a-time guard
	paused  int32
}

// NewEngine wires the engine to its collaborators. monitor and identity may
// be nil, which disables the offline and authentication preconditions
// (useful in tests and trusted environments).
func NewEngine(store Store, identity IdentityProvider, monitor *Monitor, broadcaster *Broadcaster,
	config *EngineConfig, clock Clock, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster(logger)
	}
	return &Engine{
		store:       store,
		identity:    identity,
		monitor:     monitor,
		broadcaster: broadcaster,
		config:      config,
		clock:       clock,
		logger:      logger,
		gateways:    make(map[string]Gateway),
	}
}

// RegisterGateway routes an entity's mutations to gw. Mutations for entity
// types without a gateway are skipped and stay queued.
func (e *Engine) RegisterGateway(entity string, gw Gateway) {
	e.mu.Lock()
	e.gateways[entity] = gw
	e.mu.Unlock()
}

// Pause suspends the background loop (manual triggers still work).
func (e *Engine) Pause() { atomic.StoreInt32(&e.paused, 1) }

// Resume resumes the background loop.
func (e *Engine) Resume() { atomic.StoreInt32(&e.paused, 0) }

// PerformSync runs one drain cycle. With force=false a cycle that is already
// running yields a busy result and performs zero gateway calls; force=true
// bypasses the guard (for callers that know better, e.g. interactive retry).
//
// Preconditions (busy, offline, unauthenticated) short-circuit before any
// item is processed and without side effects. Whatever happens inside the
// cycle body, the engine transitions back to idle before returning.
func (e *Engine) PerformSync(ctx context.Context, force bool) (result SyncResult) {
	if force {
		atomic.StoreInt32(&e.running, 1)
	} else if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return SyncResult{Success: false, Message: ErrBusy.Error()}
	}

	if e.monitor != nil && !e.monitor.IsOnline() {
		atomic.StoreInt32(&e.running, 0)
		return SyncResult{Success: false, Message: ErrOffline.Error()}
	}
	if e.identity != nil && !e.identity.IsAuthenticated() {
		atomic.StoreInt32(&e.running, 0)
		return SyncResult{Success: false, Message: ErrUnauthenticated.Error()}
	}

	e.broadcaster.Publish(eventSyncProgress(true))
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("sync cycle panicked: %v", r)
			e.logger.Error("sync cycle panicked", "panic", r)
			e.broadcaster.Publish(eventSyncFailed(err))
			result = SyncResult{Success: false, Message: err.Error()}
		}
		// Unconditional reset: a crashed cycle must never leave the engine
		// permanently busy.
		atomic.StoreInt32(&e.running, 0)
		e.broadcaster.Publish(eventSyncProgress(false))
	}()

	snapshot, err := e.store.DrainSnapshot(ctx)
	if err != nil {
		err = fmt.Errorf("failed to snapshot mutation queue: %w", err)
		e.broadcaster.Publish(eventSyncFailed(err))
		return SyncResult{Success: false, Message: err.Error()}
	}

	// New mutations enqueued during the cycle are picked up by the next
	// trigger; the snapshot bounds cycle length.
	synced, failed := 0, 0
	skipped := make(map[string]bool)
	for _, m := range snapshot {
		e.mu.RLock()
		gw, ok := e.gateways[m.Entity]
		e.mu.RUnlock()
		if !ok {
			// Forward-compatibility: unknown entity types are neither sent
			// nor failed; their entries stay queued until a gateway exists.
			if !skipped[m.Entity] {
				e.logger.Warn("no gateway for entity, skipping its mutations", "entity", m.Entity)
				skipped[m.Entity] = true
			}
			continue
		}

		if err := e.dispatch(ctx, gw, m); err != nil {
			// Partial-failure isolation: one bad record must not block the
			// rest of the snapshot.
			failed++
			e.logger.Warn("mutation push failed",
				"entity", m.Entity, "record_id", m.RecordID, "op", string(m.Op),
				"attempts", m.Attempts+1, "error", err)
			if err := e.store.IncrementAttempts(ctx, m.ID); err != nil {
				e.logger.Error("failed to record attempt", "mutation_id", m.ID, "error", err)
			}
			continue
		}

		if err := e.store.RemoveMutation(ctx, m.ID); err != nil {
			// The remote accepted the write; losing the dequeue only means a
			// redundant resend later, which the at-least-once contract allows.
			e.logger.Error("failed to remove confirmed mutation", "mutation_id", m.ID, "error", err)
		}
		switch m.Op {
		case OpCreate, OpUpdate:
			if err := e.store.MarkSynced(ctx, m.Entity, m.RecordID); err != nil {
				e.logger.Error("failed to mark record synced",
					"entity", m.Entity, "record_id", m.RecordID, "error", err)
			}
		case OpDelete:
			if e.config.PurgeTombstones {
				if err := e.store.PurgeTombstone(ctx, m.Entity, m.RecordID); err != nil {
					e.logger.Error("failed to purge tombstone",
						"entity", m.Entity, "record_id", m.RecordID, "error", err)
				}
			}
		}
		synced++
	}

	e.broadcaster.Publish(eventSyncCompleted(synced, failed))
	return SyncResult{
		Success:     true,
		Message:     "sync completed",
		SyncedCount: synced,
		FailedCount: failed,
	}
}

// dispatch issues exactly one gateway call for the mutation.
func (e *Engine) dispatch(ctx context.Context, gw Gateway, m Mutation) error {
	switch m.Op {
	case OpCreate:
		return gw.Create(ctx, m.RecordID, m.Payload)
	case OpUpdate:
		return gw.Update(ctx, m.RecordID, m.Payload)
	case OpDelete:
		return gw.Delete(ctx, m.RecordID)
	default:
		return fmt.Errorf("unsupported operation %q", m.Op)
	}
}

// Run drains in a loop with exponential backoff between failed cycles until
// ctx is cancelled. Busy and offline results back off like failures so the
// loop stays quiet while another trigger or a dead link is in play.
func (e *Engine) Run(ctx context.Context) {
	backoff := e.config.BackoffMin
	for {
		if err := e.clock.Sleep(ctx, backoff); err != nil {
			return
		}
		if atomic.LoadInt32(&e.paused) == 1 {
			continue
		}

		result := e.PerformSync(ctx, false)
		if result.Success && result.FailedCount == 0 {
			backoff = e.config.BackoffMin
		} else {
			backoff = backoff * 2
			if backoff > e.config.BackoffMax {
				backoff = e.config.BackoffMax
			}
		}
	}
}
