// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesMigrations(t *testing.T) {
	db, err := New(InMemory)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, table := range []string{"server_profiles", "settings", "migrations"} {
		var name string
		err := db.Conn().QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "qui-remote.db")

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var applied int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM migrations").Scan(&applied))

	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	assert.Equal(t, len(entries), applied)
}

func TestForeignKeysEnabled(t *testing.T) {
	db, err := New(InMemory)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var enabled int
	require.NoError(t, db.Conn().QueryRow("PRAGMA foreign_keys").Scan(&enabled))
	assert.Equal(t, 1, enabled)
}
