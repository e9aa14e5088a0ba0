// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !windows

package main

import (
	"os"
	"syscall"

	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

var lifecycleSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP}

// isRetrySignal reports whether sig asks for a manual reconnect.
func isRetrySignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}

func lifecycleTransition(sig os.Signal) (qbittorrent.AppState, bool) {
	switch sig {
	case syscall.SIGUSR1:
		return qbittorrent.AppStateBackground, true
	case syscall.SIGUSR2:
		return qbittorrent.AppStateForeground, true
	default:
		return qbittorrent.AppStateForeground, false
	}
}
