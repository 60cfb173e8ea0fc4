// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"log/slog"
	"sync"
)

// Event is a status notification delivered to subscribers (e.g. a UI layer).
// Optional fields are pointers so subscribers can tell "not set" from "false".
type Event struct {
	IsOnline       *bool  `json:"isOnline,omitempty"`
	SyncInProgress *bool  `json:"syncInProgress,omitempty"`
	SyncCompleted  bool   `json:"syncCompleted,omitempty"`
	SyncFailed     bool   `json:"syncFailed,omitempty"`
	SyncedCount    int    `json:"syncedCount,omitempty"`
	FailedCount    int    `json:"failedCount,omitempty"`
	Error          string `json:"error,omitempty"`
}

// eventOnline creates an event for a connectivity state transition
func eventOnline(online bool) Event {
	return Event{IsOnline: &online}
}

// eventSyncProgress creates an event marking the start or end of a drain cycle
func eventSyncProgress(inProgress bool) Event {
	return Event{SyncInProgress: &inProgress}
}

// eventSyncCompleted creates an event with per-cycle counters
func eventSyncCompleted(synced, failed int) Event {
	return Event{SyncCompleted: true, SyncedCount: synced, FailedCount: failed}
}

// eventSyncFailed creates an event for a cycle-level failure
func eventSyncFailed(err error) Event {
	return Event{SyncFailed: true, Error: err.Error()}
}

// Subscriber receives published events. Delivery is synchronous and in
// subscription order; a subscriber must not block for long.
type Subscriber func(Event)

// Broadcaster fans out status events to subscribers. A panicking subscriber
// does not prevent delivery to subsequent subscribers, and unsubscribing
// during a delivery pass does not affect that pass.
type Broadcaster struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn Subscriber
}

// NewBroadcaster creates an empty broadcaster. A nil logger falls back to
// slog.Default().
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{logger: logger}
}

// Subscribe registers a callback and returns its unsubscribe function.
// Unsubscribing more than once is a no-op.
func (b *Broadcaster) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to all current subscribers in subscription
// order. The subscriber list is snapshotted first, so callbacks may
// subscribe or unsubscribe without corrupting the in-progress pass.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub.fn, ev)
	}
}

func (b *Broadcaster) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status subscriber panicked", "panic", r)
		}
	}()
	fn(ev)
}
