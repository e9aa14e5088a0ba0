// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

type Manager struct {
	registry        *prometheus.Registry
	remoteCollector *RemoteCollector
}

func NewManager(sync SyncSource, conn ConnectionSource) *Manager {
	registry := prometheus.NewRegistry()

	remoteCollector := NewRemoteCollector(sync, conn)
	registry.MustRegister(remoteCollector)
	registry.MustRegister(collectors.NewGoCollector())

	log.Debug().Msg("Metrics manager initialized with remote collector")

	return &Manager{
		registry:        registry,
		remoteCollector: remoteCollector,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
