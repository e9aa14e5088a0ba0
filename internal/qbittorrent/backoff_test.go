// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		initial  time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{name: "zero attempts treated as first", attempts: 0, initial: initialBackoff, max: maxBackoff, want: 10 * time.Second},
		{name: "first", attempts: 1, initial: initialBackoff, max: maxBackoff, want: 10 * time.Second},
		{name: "second doubles", attempts: 2, initial: initialBackoff, max: maxBackoff, want: 20 * time.Second},
		{name: "third", attempts: 3, initial: initialBackoff, max: maxBackoff, want: 40 * time.Second},
		{name: "capped", attempts: 4, initial: initialBackoff, max: maxBackoff, want: time.Minute},
		{name: "huge attempts stay capped", attempts: 200, initial: initialBackoff, max: maxBackoff, want: time.Minute},
		{name: "ban first", attempts: 1, initial: banInitialBackoff, max: banMaxBackoff, want: 5 * time.Minute},
		{name: "ban capped", attempts: 10, initial: banInitialBackoff, max: banMaxBackoff, want: time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateBackoff(tt.attempts, tt.initial, tt.max))
		})
	}
}

func TestIsBanError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "sentinel", err: fmt.Errorf("%w: %w", ErrLoginRejected, ErrBanned), want: true},
		{name: "message", err: errors.New("Your IP is banned"), want: true},
		{name: "too many attempts", err: errors.New("too many failed login attempts"), want: true},
		{name: "plain rejection", err: ErrLoginRejected, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isBanError(tt.err))
		})
	}
}

func TestFailureTracker(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewFailureTracker()
	tracker.now = func() time.Time { return now }

	assert.Zero(t, tracker.Remaining(1))

	assert.Zero(t, tracker.TrackFailure(1, context.Canceled), "cancellation is not a failure")
	assert.Zero(t, tracker.Attempts(1))

	assert.Equal(t, 10*time.Second, tracker.TrackFailure(1, NewError(OpLogin, ErrLoginRejected)))
	assert.Equal(t, 20*time.Second, tracker.TrackFailure(1, NewError(OpLogin, ErrLoginRejected)))
	assert.Equal(t, 2, tracker.Attempts(1))
	assert.Equal(t, 20*time.Second, tracker.Remaining(1))

	now = now.Add(15 * time.Second)
	assert.Equal(t, 5*time.Second, tracker.Remaining(1))

	now = now.Add(10 * time.Second)
	assert.Zero(t, tracker.Remaining(1))

	// another server is tracked separately
	assert.Zero(t, tracker.Remaining(2))

	tracker.Reset(1)
	assert.Zero(t, tracker.Attempts(1))
}

func TestFailureTracker_RetryAfterWins(t *testing.T) {
	tracker := NewFailureTracker()

	got := tracker.TrackFailure(1, NewError(OpLogin, &HTTPError{StatusCode: 429, RetryAfter: 5 * time.Minute}))
	assert.Equal(t, 5*time.Minute, got)

	got = tracker.TrackFailure(2, NewError(OpLogin, &HTTPError{StatusCode: 429, RetryAfter: time.Second}))
	assert.Equal(t, initialBackoff, got)
}

func TestFailureTracker_Ban(t *testing.T) {
	tracker := NewFailureTracker()

	got := tracker.TrackFailure(1, NewError(OpLogin, fmt.Errorf("%w: %w", ErrLoginRejected, ErrBanned)))
	assert.Equal(t, banInitialBackoff, got)
}
