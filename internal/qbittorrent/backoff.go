// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Backoff constants
const (
	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// failureInfo tracks failure state and backoff for a server
type failureInfo struct {
	nextRetry time.Time
	attempts  int
	banned    bool
}

// FailureTracker keeps per-server connect failures so repeated reconnects
// do not hammer a daemon that is down or has banned us.
type FailureTracker struct {
	mu       sync.Mutex
	failures map[int]*failureInfo
	now      func() time.Time
}

func NewFailureTracker() *FailureTracker {
	return &FailureTracker{
		failures: make(map[int]*failureInfo),
		now:      time.Now,
	}
}

// TrackFailure records a failed connect and returns the backoff applied.
// Cancellations are not failures and return zero.
func (t *FailureTracker) TrackFailure(serverID int, err error) time.Duration {
	if err == nil || IsCancelled(err) {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	info, exists := t.failures[serverID]
	if !exists {
		info = &failureInfo{}
		t.failures[serverID] = info
	}

	info.attempts++

	var backoffDuration time.Duration
	if isBanError(err) {
		info.banned = true
		backoffDuration = calculateBackoff(info.attempts, banInitialBackoff, banMaxBackoff)
		log.Warn().Int("serverID", serverID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = calculateBackoff(info.attempts, initialBackoff, maxBackoff)
		log.Debug().Int("serverID", serverID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	// a daemon-provided hint wins when it asks for a longer wait
	var typed *Error
	if errors.As(err, &typed) && typed.RetryAfter > backoffDuration {
		backoffDuration = typed.RetryAfter
	}

	info.nextRetry = t.now().Add(backoffDuration)
	return backoffDuration
}

// Remaining returns how long serverID must still wait, zero when it may retry.
func (t *FailureTracker) Remaining(serverID int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, exists := t.failures[serverID]
	if !exists {
		return 0
	}

	if wait := info.nextRetry.Sub(t.now()); wait > 0 {
		return wait
	}
	return 0
}

func (t *FailureTracker) Attempts(serverID int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if info, exists := t.failures[serverID]; exists {
		return info.attempts
	}
	return 0
}

// Reset clears failure tracking for successful connections or explicit user actions.
func (t *FailureTracker) Reset(serverID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.failures[serverID]; exists {
		delete(t.failures, serverID)
		log.Debug().Int("serverID", serverID).Msg("Reset failure tracking after successful connection")
	}
}

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// cap the shift, anything past it is already above every max
	if attempts > 16 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// isBanError checks if the error indicates an IP ban
func isBanError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrBanned) {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts")
}
