// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-remote/internal/models"
)

const (
	DefaultStaleThreshold    = 30 * time.Second
	defaultReconnectAttempts = 3
	defaultReconnectDelay    = time.Second
)

type AppState int

const (
	AppStateForeground AppState = iota
	AppStateBackground
)

func (s AppState) String() string {
	if s == AppStateBackground {
		return "background"
	}
	return "foreground"
}

// Reconnector is the part of ConnectionManager the coordinator needs.
type Reconnector interface {
	IsConnected() bool
	LastProfile() *models.ServerProfile
	Connect(ctx context.Context, profile *models.ServerProfile) error
	Reconnect(ctx context.Context) error
}

// Poller is the part of SyncManager the coordinator drives.
type Poller interface {
	Start()
	Stop()
	Poll(ctx context.Context) error
	ForceRefresh(ctx context.Context) error
	SetRecovering(recovering bool)
	ClearError()
}

// LifecycleCoordinator pauses polling while the app is in the background
// and decides on return whether the session can be trusted.
type LifecycleCoordinator struct {
	conn   Reconnector
	poller Poller
	now    func() time.Time

	staleThreshold    time.Duration
	reconnectAttempts uint
	reconnectDelay    time.Duration

	mu             sync.Mutex
	state          AppState
	backgroundedAt time.Time
}

type LifecycleOption func(*LifecycleCoordinator)

func WithStaleThreshold(threshold time.Duration) LifecycleOption {
	return func(lc *LifecycleCoordinator) {
		if threshold > 0 {
			lc.staleThreshold = threshold
		}
	}
}

func WithReconnectAttempts(attempts uint) LifecycleOption {
	return func(lc *LifecycleCoordinator) {
		if attempts > 0 {
			lc.reconnectAttempts = attempts
		}
	}
}

func WithReconnectDelay(delay time.Duration) LifecycleOption {
	return func(lc *LifecycleCoordinator) {
		if delay > 0 {
			lc.reconnectDelay = delay
		}
	}
}

func WithClock(now func() time.Time) LifecycleOption {
	return func(lc *LifecycleCoordinator) {
		if now != nil {
			lc.now = now
		}
	}
}

func NewLifecycleCoordinator(conn Reconnector, poller Poller, opts ...LifecycleOption) *LifecycleCoordinator {
	lc := &LifecycleCoordinator{
		conn:              conn,
		poller:            poller,
		now:               time.Now,
		staleThreshold:    DefaultStaleThreshold,
		reconnectAttempts: defaultReconnectAttempts,
		reconnectDelay:    defaultReconnectDelay,
		state:             AppStateForeground,
	}

	for _, opt := range opts {
		opt(lc)
	}

	return lc
}

func (lc *LifecycleCoordinator) State() AppState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

// HandleTransition reacts to the app moving between foreground and
// background. Repeating the current state does nothing.
func (lc *LifecycleCoordinator) HandleTransition(ctx context.Context, next AppState) error {
	lc.mu.Lock()
	if next == lc.state {
		lc.mu.Unlock()
		return nil
	}
	lc.state = next

	if next == AppStateBackground {
		lc.backgroundedAt = lc.now()
		lc.mu.Unlock()

		lc.poller.Stop()
		log.Debug().Msg("App moved to background, polling paused")
		return nil
	}

	elapsed := lc.now().Sub(lc.backgroundedAt)
	lc.mu.Unlock()

	if !lc.conn.IsConnected() {
		log.Debug().Dur("elapsed", elapsed).Msg("App returned to foreground while disconnected")
		return nil
	}

	if elapsed > lc.staleThreshold {
		log.Info().Dur("elapsed", elapsed).Msg("Session may be stale after background, reconnecting")
		return lc.recover(ctx)
	}

	lc.poller.Start()
	return lc.poller.Poll(ctx)
}

// recover reconnects silently, retrying network failures only. The first
// attempt honours the server's failure backoff; retries inside the loop
// go straight to Connect. Polling resumes with a full resync on success
// and stays stopped otherwise.
func (lc *LifecycleCoordinator) recover(ctx context.Context) error {
	profile := lc.conn.LastProfile()
	if profile == nil {
		return NewError(OpConnect, ErrNoTarget)
	}

	lc.poller.SetRecovering(true)

	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			if attempt == 1 {
				return lc.conn.Reconnect(ctx)
			}
			return lc.conn.Connect(ctx, profile)
		},
		retry.Context(ctx),
		retry.Attempts(lc.reconnectAttempts),
		retry.Delay(lc.reconnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return Classify(err) == KindNetwork
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Int("serverID", profile.ID).Msg("Silent reconnect failed, retrying")
		}),
	)
	if err != nil {
		lc.poller.SetRecovering(false)
		log.Warn().Err(err).Int("serverID", profile.ID).Msg("Silent reconnect failed, polling stays paused")
		return err
	}

	lc.poller.ClearError()
	refreshErr := lc.poller.ForceRefresh(ctx)
	// the recovery window ends here whether or not the resync landed
	lc.poller.SetRecovering(false)
	lc.poller.Start()

	return refreshErr
}
