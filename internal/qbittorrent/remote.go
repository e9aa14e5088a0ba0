// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"time"

	"github.com/autobrr/qui-remote/internal/domain"
)

// Remote wires the transport, connection, sync and lifecycle components
// for one process. Nothing in it is global.
type Remote struct {
	Transport   *HTTPTransport
	Connections *ConnectionManager
	Sync        *SyncManager
	Lifecycle   *LifecycleCoordinator
	Filter      *TorrentFilter
	Failures    *FailureTracker
}

func NewRemote(cfg *domain.Config, marker ActiveServerMarker) *Remote {
	var (
		pollInterval      = DefaultPollInterval
		staleThreshold    = DefaultStaleThreshold
		requestTimeout    = defaultRequestTimeout
		reconnectAttempts = uint(defaultReconnectAttempts)
	)
	if cfg != nil {
		pollInterval = orDefault(cfg.PollInterval, pollInterval)
		staleThreshold = orDefault(cfg.StaleThreshold, staleThreshold)
		requestTimeout = orDefault(cfg.RequestTimeout, requestTimeout)
		if cfg.ReconnectAttempts > 0 {
			reconnectAttempts = cfg.ReconnectAttempts
		}
	}

	transport := NewHTTPTransport(NewSessionStore(), WithRequestTimeout(requestTimeout))
	failures := NewFailureTracker()
	connections := NewConnectionManager(transport, marker, WithFailureTracker(failures))
	syncManager := NewSyncManager(transport, connections, WithPollInterval(pollInterval))
	connections.OnStateChange(syncManager.HandleConnectionState)

	lifecycle := NewLifecycleCoordinator(connections, syncManager,
		WithStaleThreshold(staleThreshold),
		WithReconnectAttempts(reconnectAttempts),
	)

	return &Remote{
		Transport:   transport,
		Connections: connections,
		Sync:        syncManager,
		Lifecycle:   lifecycle,
		Filter:      NewTorrentFilter(),
		Failures:    failures,
	}
}

// ApplyConfig picks up settings that can change while running.
func (r *Remote) ApplyConfig(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	r.Sync.SetInterval(cfg.PollInterval)
}

// Close disconnects and stops polling.
func (r *Remote) Close(ctx context.Context) {
	r.Connections.Disconnect(ctx)
	r.Sync.Stop()
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
