// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offqueue is a local-first data client: mutations apply to a local
// store immediately and are queued durably, then a reconciliation engine
// drains the queue against the remote API whenever connectivity allows.
package offqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Config holds configuration for the offline sync client.
type Config struct {
	// Entities to register with the local store and route to the remote API.
	Entities []string

	// ProbePath is appended to the base URL for connectivity probes.
	ProbePath string

	Monitor *MonitorConfig
	Engine  *EngineConfig

	// Clock drives the reconnect delay and background loops; tests inject a
	// manual clock here. Nil means the system clock.
	Clock Clock
}

// DefaultConfig returns a default configuration for the specified entities.
func DefaultConfig(entities []string) *Config {
	return &Config{
		Entities:  entities,
		ProbePath: "/healthz",
		Monitor:   DefaultMonitorConfig(),
		Engine:    DefaultEngineConfig(),
	}
}

// Client bundles the local store, connectivity monitor, reconciliation
// engine and status broadcaster into one explicitly wired unit. No ambient
// singletons: construct it at startup and pass it to consumers.
type Client struct {
	Store       Store
	Monitor     *Monitor
	Engine      *Engine
	Broadcaster *Broadcaster

	baseURL string
	logger  *slog.Logger
}

// NewClient wires a client against the remote API at baseURL. The store must
// be open; entities from config are registered on it and get an HTTP gateway
// each. Local writes work regardless of connectivity or authentication;
// those only gate the drain.
func NewClient(store Store, baseURL string, identity IdentityProvider, token TokenFunc,
	config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(config.Entities) == 0 {
		return nil, fmt.Errorf("config.Entities must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	monitorCfg := config.Monitor
	if monitorCfg == nil {
		monitorCfg = DefaultMonitorConfig()
	}

	broadcaster := NewBroadcaster(logger)
	probe := HTTPProbe(baseURL+config.ProbePath, monitorCfg.ProbeTimeout)
	monitor := NewMonitor(probe, monitorCfg, broadcaster, config.Clock, logger)
	engine := NewEngine(store, identity, monitor, broadcaster, config.Engine, config.Clock, logger)

	for _, entity := range config.Entities {
		if err := store.RegisterEntity(entity); err != nil {
			return nil, fmt.Errorf("failed to register entity %s: %w", entity, err)
		}
		engine.RegisterGateway(entity, NewHTTPGateway(baseURL, entity, identity, token))
	}

	client := &Client{
		Store:       store,
		Monitor:     monitor,
		Engine:      engine,
		Broadcaster: broadcaster,
		baseURL:     baseURL,
		logger:      logger,
	}

	// Restored connectivity is the sole automatic trigger for
	// reconciliation; the delay lives in the monitor.
	monitor.OnReconnect(func() {
		client.Engine.PerformSync(context.Background(), false)
	})

	return client, nil
}

// Create writes a new record locally and queues its CREATE mutation. The
// data is available offline as soon as this returns.
func (c *Client) Create(ctx context.Context, entity string, data json.RawMessage) (int64, error) {
	return c.Store.Write(ctx, entity, OpCreate, 0, data)
}

// Update replaces a record's data locally and queues its UPDATE mutation.
func (c *Client) Update(ctx context.Context, entity string, recordID int64, data json.RawMessage) error {
	_, err := c.Store.Write(ctx, entity, OpUpdate, recordID, data)
	return err
}

// Delete tombstones a record locally and queues its DELETE mutation.
func (c *Client) Delete(ctx context.Context, entity string, recordID int64) error {
	_, err := c.Store.Write(ctx, entity, OpDelete, recordID, nil)
	return err
}

// Read returns locally stored records, including ones not yet synced.
func (c *Client) Read(ctx context.Context, entity string, filter ReadFilter) ([]Record, error) {
	return c.Store.Read(ctx, entity, filter)
}

// PerformSync is the manual drain trigger exposed to the presentation layer.
func (c *Client) PerformSync(ctx context.Context, force bool) SyncResult {
	return c.Engine.PerformSync(ctx, force)
}

// Subscribe registers a status callback; the returned function unsubscribes.
func (c *Client) Subscribe(fn Subscriber) func() {
	return c.Broadcaster.Subscribe(fn)
}

// DeviceID returns the stable device identifier persisted in the store.
func (c *Client) DeviceID() (string, error) {
	return c.Store.EnsureDeviceID()
}

// Start launches the connectivity and reconciliation loops. They stop when
// ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	go c.Monitor.Run(ctx)
	go c.Engine.Run(ctx)
}
