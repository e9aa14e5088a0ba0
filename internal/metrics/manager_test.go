// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name string
		sync SyncSource
		conn ConnectionSource
	}{
		{
			name: "creates manager with nil dependencies",
		},
		{
			name: "creates manager with sources",
			sync: &fakeSync{},
			conn: &fakeConn{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(tt.sync, tt.conn)

			assert.NotNil(t, manager)
			assert.NotNil(t, manager.registry)
			assert.NotNil(t, manager.remoteCollector)
		})
	}
}

func TestManager_RegistryIsolation(t *testing.T) {
	first := NewManager(nil, nil)
	second := NewManager(nil, nil)

	assert.NotSame(t, first.GetRegistry(), second.GetRegistry())
	assert.IsType(t, &prometheus.Registry{}, first.GetRegistry())
}

func TestManager_GathersRemoteMetrics(t *testing.T) {
	sync, conn := syncedSources()
	manager := NewManager(sync, conn)

	families, err := manager.GetRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}

	assert.True(t, names["qui_remote_connected"])
	assert.True(t, names["qui_remote_torrents"])
	assert.True(t, names["go_goroutines"], "runtime metrics are registered too")
}
