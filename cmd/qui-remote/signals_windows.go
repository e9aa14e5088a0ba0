// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build windows

package main

import (
	"os"

	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

// No user signals on Windows; the client always stays in the foreground.
var lifecycleSignals []os.Signal

func lifecycleTransition(os.Signal) (qbittorrent.AppState, bool) {
	return qbittorrent.AppStateForeground, false
}

func isRetrySignal(os.Signal) bool {
	return false
}
