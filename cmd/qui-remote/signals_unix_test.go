// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !windows

package main

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

func TestLifecycleTransition(t *testing.T) {
	tests := []struct {
		name   string
		sig    os.Signal
		want   qbittorrent.AppState
		wantOK bool
	}{
		{name: "usr1 backgrounds", sig: syscall.SIGUSR1, want: qbittorrent.AppStateBackground, wantOK: true},
		{name: "usr2 foregrounds", sig: syscall.SIGUSR2, want: qbittorrent.AppStateForeground, wantOK: true},
		{name: "term is not a transition", sig: syscall.SIGTERM, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := lifecycleTransition(tt.sig)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIsRetrySignal(t *testing.T) {
	assert.True(t, isRetrySignal(syscall.SIGHUP))
	assert.False(t, isRetrySignal(syscall.SIGUSR1))

	_, ok := lifecycleTransition(syscall.SIGHUP)
	assert.False(t, ok, "a retry is not a lifecycle transition")
}
