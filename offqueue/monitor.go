// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc actively checks reachability of the remote. A nil error means
// online; any error is treated as offline (the probe fails closed).
type ProbeFunc func(ctx context.Context) error

// MonitorConfig holds timing knobs for the connectivity monitor.
type MonitorConfig struct {
	ProbeInterval  time.Duration // how often Run re-probes
	ProbeTimeout   time.Duration // per-probe bound
	ReconnectDelay time.Duration // wait after reconnect before draining, to ride out flapping links
}

// DefaultMonitorConfig returns the default monitor timings.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		ProbeInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

// Monitor observes network reachability and emits one edge-triggered event
// per transition. On an offline→online transition it schedules the
// reconciliation trigger after ReconnectDelay.
//
// The cached state starts offline; call CheckNow or SetOnline to seed it.
type Monitor struct {
	probe       ProbeFunc
	config      *MonitorConfig
	broadcaster *Broadcaster
	clock       Clock
	logger      *slog.Logger

	online int32 // atomic, process-wide connectivity state

	mu          sync.Mutex
	onReconnect func()
}

// NewMonitor creates a connectivity monitor. broadcaster may be nil when no
// one subscribes to transitions; clock defaults to the system clock.
func NewMonitor(probe ProbeFunc, config *MonitorConfig, broadcaster *Broadcaster, clock Clock, logger *slog.Logger) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:       probe,
		config:      config,
		broadcaster: broadcaster,
		clock:       clock,
		logger:      logger,
	}
}

// HTTPProbe returns a ProbeFunc that issues a HEAD request against url.
// Reachability is what matters, so any HTTP response counts as online.
func HTTPProbe(url string, timeout time.Duration) ProbeFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	}
}

// IsOnline returns the cached connectivity state.
func (m *Monitor) IsOnline() bool {
	return atomic.LoadInt32(&m.online) == 1
}

// CheckNow runs the active probe and updates the cached state. A probe error
// reads as offline.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	if m.probe == nil {
		return m.IsOnline()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	online := true
	if err := m.probe(probeCtx); err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
		online = false
	}
	m.SetOnline(online)
	return online
}

// SetOnline records a connectivity observation, from the probe or from an
// external network-state source. Repeated identical states are ignored; a
// transition updates the cached state first, then notifies subscribers, and
// on reconnect schedules the drain trigger after ReconnectDelay.
func (m *Monitor) SetOnline(online bool) {
	var next int32
	if online {
		next = 1
	}
	prev := atomic.SwapInt32(&m.online, next)
	if prev == next {
		return
	}

	m.logger.Info("connectivity changed", "online", online)
	if m.broadcaster != nil {
		m.broadcaster.Publish(eventOnline(online))
	}

	if online {
		m.mu.Lock()
		fn := m.onReconnect
		m.mu.Unlock()
		if fn != nil {
			m.clock.AfterFunc(m.config.ReconnectDelay, fn)
		}
	}
}

// OnReconnect registers the callback fired (after ReconnectDelay) on each
// offline→online transition.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = fn
	m.mu.Unlock()
}

// Run probes in a loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		m.CheckNow(ctx)
		if err := m.clock.Sleep(ctx, m.config.ProbeInterval); err != nil {
			return
		}
	}
}
