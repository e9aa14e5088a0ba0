// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"strings"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

func TestSyncLogger(t *testing.T) {
	downloading := &qbittorrent.View{
		Rid: 1,
		Torrents: map[string]qbt.Torrent{
			"aaa": {Hash: "aaa", State: qbt.TorrentStateDownloading, Progress: 0.5},
		},
	}
	fasterOnly := &qbittorrent.View{
		Rid: 2,
		Torrents: map[string]qbt.Torrent{
			"aaa": {Hash: "aaa", State: qbt.TorrentStateDownloading, Progress: 0.5, DlSpeed: 4096},
		},
	}
	finished := &qbittorrent.View{
		Rid: 3,
		Torrents: map[string]qbt.Torrent{
			"aaa": {Hash: "aaa", State: qbt.TorrentStateUploading, Progress: 1},
		},
	}

	var buf bytes.Buffer
	current := downloading
	l := newSyncLogger(func() *qbittorrent.View { return current }, zerolog.New(&buf))

	lines := func() []string {
		out := strings.TrimSpace(buf.String())
		if out == "" {
			return nil
		}
		return strings.Split(out, "\n")
	}

	l.handle(qbittorrent.Event{Type: qbittorrent.EventUpdated, Rid: 1, Result: qbittorrent.ApplyResult{Full: true}})
	assert.Len(t, lines(), 1)
	assert.Contains(t, buf.String(), "Full sync applied")

	current = fasterOnly
	l.handle(qbittorrent.Event{Type: qbittorrent.EventUpdated, Rid: 2})
	assert.Len(t, lines(), 1, "a speed change alone is not logged")

	current = finished
	l.handle(qbittorrent.Event{Type: qbittorrent.EventUpdated, Rid: 3})
	assert.Len(t, lines(), 2)
	assert.Contains(t, lines()[1], "Torrent state changed")
	assert.Contains(t, lines()[1], `"seeding":1`)

	// a reset forgets the last fingerprint
	l.handle(qbittorrent.Event{Type: qbittorrent.EventReset})
	l.handle(qbittorrent.Event{Type: qbittorrent.EventUpdated, Rid: 4})
	assert.Len(t, lines(), 4)
}
