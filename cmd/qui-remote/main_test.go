// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

func TestConfigFilePath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "custom.conf")
	require.NoError(t, os.WriteFile(existing, []byte("logLevel = \"DEBUG\"\n"), 0o600))

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "directory", input: dir, want: filepath.Join(dir, "config.toml")},
		{name: "toml file", input: filepath.Join(dir, "remote.TOML"), want: filepath.Join(dir, "remote.TOML")},
		{name: "existing file", input: existing, want: existing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, configFilePath(tt.input))
		})
	}
}

func TestPrintTorrents(t *testing.T) {
	result := &qbittorrent.QueryResult{
		Torrents: []qbt.Torrent{
			{Hash: "0123456789abcdef", Name: "Ubuntu.iso", State: qbt.TorrentStateUploading, Progress: 1, Size: 4 << 30, UpSpeed: 1 << 20, Ratio: 1.5, Category: "linux"},
		},
		Total: 3,
		Stats: &qbittorrent.TorrentStats{TotalSize: 4 << 30, TotalUploadSpeed: 1 << 20},
	}

	var out bytes.Buffer
	printTorrents(&out, result)

	text := out.String()
	assert.Contains(t, text, "01234567")
	assert.NotContains(t, text, "0123456789abcdef")
	assert.Contains(t, text, "Ubuntu.iso")
	assert.Contains(t, text, "100.0%")
	assert.Contains(t, text, "4.0 GiB")
	assert.Contains(t, text, "1 of 3 torrents")
}

func TestRunServerCommand_Subcommands(t *testing.T) {
	command := RunServerCommand(&globalFlags{})

	names := make([]string, 0, len(command.Commands()))
	for _, sub := range command.Commands() {
		names = append(names, sub.Name())
	}

	assert.ElementsMatch(t, []string{"add", "list", "remove"}, names)
}
