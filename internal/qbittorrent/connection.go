// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-remote/internal/models"
)

const testLogoutTimeout = 5 * time.Second

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Status is a point-in-time view of the connection. Err is set only in
// StateFailed.
type Status struct {
	State    ConnectionState
	ServerID int
	Err      *Error
	Since    time.Time
}

// ActiveServerMarker persists which server is active across restarts.
type ActiveServerMarker interface {
	SetActiveServer(ctx context.Context, id int) error
	ClearActiveServer(ctx context.Context) error
}

// ConnectionManager owns the single active server and its lifecycle.
type ConnectionManager struct {
	transport Transport
	auth      *Authenticator
	marker    ActiveServerMarker
	failures  *FailureTracker
	appInfo   *AppInfoCache
	now       func() time.Time

	// serializes Connect and Disconnect
	opMu sync.Mutex

	mu      sync.RWMutex
	status  Status
	profile *models.ServerProfile

	listenersMu sync.RWMutex
	listeners   []func(Status)
}

type ConnectionOption func(*ConnectionManager)

func WithFailureTracker(tracker *FailureTracker) ConnectionOption {
	return func(c *ConnectionManager) {
		if tracker != nil {
			c.failures = tracker
		}
	}
}

func WithAppInfoCache(cache *AppInfoCache) ConnectionOption {
	return func(c *ConnectionManager) {
		if cache != nil {
			c.appInfo = cache
		}
	}
}

func NewConnectionManager(transport Transport, marker ActiveServerMarker, opts ...ConnectionOption) *ConnectionManager {
	c := &ConnectionManager{
		transport: transport,
		auth:      NewAuthenticator(transport),
		marker:    marker,
		failures:  NewFailureTracker(),
		appInfo:   NewAppInfoCache(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.status = Status{State: StateDisconnected, Since: c.now()}
	return c
}

// OnStateChange registers fn for every state transition. Listeners run
// synchronously in registration order.
func (c *ConnectionManager) OnStateChange(fn func(Status)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *ConnectionManager) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *ConnectionManager) IsConnected() bool {
	return c.Status().State == StateConnected
}

// ActiveProfile returns the connected profile, nil unless connected.
func (c *ConnectionManager) ActiveProfile() *models.ServerProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status.State != StateConnected || c.profile == nil {
		return nil
	}
	cp := *c.profile
	return &cp
}

// LastProfile returns the most recently attempted profile, connected or not.
func (c *ConnectionManager) LastProfile() *models.ServerProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return nil
	}
	cp := *c.profile
	return &cp
}

// AppInfo returns the cached app info for the connected server.
func (c *ConnectionManager) AppInfo() (*AppInfo, bool) {
	status := c.Status()
	if status.State != StateConnected {
		return nil, false
	}
	return c.appInfo.Get(status.ServerID)
}

func (c *ConnectionManager) setStatus(state ConnectionState, serverID int, err *Error) {
	c.mu.Lock()
	if c.status.State == state && c.status.ServerID == serverID && c.status.Err == err {
		c.mu.Unlock()
		return
	}
	c.status = Status{State: state, ServerID: serverID, Err: err, Since: c.now()}
	status := c.status
	c.mu.Unlock()

	log.Debug().Int("serverID", serverID).Str("state", state.String()).Msg("Connection state changed")

	c.listenersMu.RLock()
	listeners := append([]func(Status){}, c.listeners...)
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(status)
	}
}

// Connect binds profile, authenticates unless bypassAuth is set and
// probes the API. Any failure unwinds the binding.
func (c *ConnectionManager) Connect(ctx context.Context, profile *models.ServerProfile) error {
	if profile == nil {
		return NewError(OpConnect, ErrNoTarget)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	target := *profile
	c.mu.Lock()
	c.profile = &target
	c.mu.Unlock()

	c.setStatus(StateConnecting, target.ID, nil)

	if err := c.transport.ConfigureTarget(&target); err != nil {
		return c.fail(target.ID, NewError(OpConnect, err))
	}

	if err := handshake(ctx, c.auth, c.transport, &target); err != nil {
		return c.fail(target.ID, err)
	}

	if c.marker != nil {
		if err := c.marker.SetActiveServer(ctx, target.ID); err != nil {
			log.Warn().Err(err).Int("serverID", target.ID).Msg("Failed to persist active server")
		}
	}

	c.failures.Reset(target.ID)

	if info, err := FetchAppInfo(ctx, c.transport); err != nil {
		log.Warn().Err(err).Int("serverID", target.ID).Msg("Failed to fetch app info after connect")
	} else {
		c.appInfo.Set(target.ID, info)
		log.Info().
			Int("serverID", target.ID).
			Str("version", info.Version).
			Str("webAPIVersion", info.WebAPIVersion).
			Msg("Connected to qBittorrent")
	}

	c.setStatus(StateConnected, target.ID, nil)
	return nil
}

// fail unwinds the transport target and records err. Cancellation
// returns to Disconnected without surfacing an error.
func (c *ConnectionManager) fail(serverID int, err *Error) error {
	if unwindErr := c.transport.ConfigureTarget(nil); unwindErr != nil {
		log.Error().Err(unwindErr).Msg("Failed to clear transport target")
	}

	if err.Kind == KindCancelled {
		c.setStatus(StateDisconnected, serverID, nil)
		return err
	}

	c.failures.TrackFailure(serverID, err)

	log.Error().
		Err(err.Err).
		Int("serverID", serverID).
		Str("op", err.Op).
		Str("kind", err.Kind.String()).
		Msg(err.Message)

	c.setStatus(StateFailed, serverID, err)
	return err
}

// Reconnect connects the last attempted profile again unless that server
// is still inside its failure backoff window.
func (c *ConnectionManager) Reconnect(ctx context.Context) error {
	profile := c.LastProfile()
	if profile == nil {
		return NewError(OpConnect, ErrNoTarget)
	}

	if wait := c.failures.Remaining(profile.ID); wait > 0 {
		return &Error{
			Kind:       KindRateLimited,
			Op:         OpConnect,
			Message:    fmt.Sprintf("server is in backoff, retry in %s", wait.Round(time.Second)),
			RetryAfter: wait,
		}
	}

	return c.Connect(ctx, profile)
}

// Disconnect logs out best-effort and clears the target, the session and
// the persisted marker. Calling it while disconnected is a no-op apart
// from the clears.
func (c *ConnectionManager) Disconnect(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	serverID := c.Status().ServerID

	if c.transport.Target() != nil {
		c.auth.Logout(ctx)
	}

	if err := c.transport.ConfigureTarget(nil); err != nil {
		log.Error().Err(err).Msg("Failed to clear transport target")
	}
	c.transport.Session().Unbind()

	if c.marker != nil {
		if err := c.marker.ClearActiveServer(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to clear active server")
		}
	}

	c.setStatus(StateDisconnected, serverID, nil)
}

// TestConnection runs the connect handshake against profile on a forked
// transport. The live target and session are never touched.
func (c *ConnectionManager) TestConnection(ctx context.Context, profile *models.ServerProfile) (*AppInfo, error) {
	if profile == nil {
		return nil, NewError(OpTest, ErrNoTarget)
	}

	transport := c.transport.Fork()
	if err := transport.ConfigureTarget(profile); err != nil {
		return nil, NewError(OpTest, err)
	}
	defer func() {
		_ = transport.ConfigureTarget(nil)
	}()

	// the login may succeed before a later step fails, so logout is
	// registered first; it sends nothing without a credential
	auth := NewAuthenticator(transport)
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), testLogoutTimeout)
		defer cancel()
		auth.Logout(logoutCtx)
	}()

	if err := handshake(ctx, auth, transport, profile); err != nil {
		return nil, err
	}

	info, err := FetchAppInfo(ctx, transport)
	if err != nil {
		return nil, NewError(OpProbe, err)
	}

	return info, nil
}

// handshake logs in unless bypassAuth is set, then probes the API.
func handshake(ctx context.Context, auth *Authenticator, transport Transport, profile *models.ServerProfile) *Error {
	if !profile.BypassAuth {
		result, err := auth.Login(ctx, profile.Username, profile.Password)
		if err != nil {
			return NewError(OpLogin, err)
		}
		if !result.OK {
			return NewError(OpLogin, rejectionError(result))
		}
	} else {
		log.Debug().Int("serverID", profile.ID).Msg("Authentication bypassed, probing API directly")
	}

	if _, err := probeVersion(ctx, transport); err != nil {
		return NewError(OpProbe, err)
	}

	return nil
}

func rejectionError(result LoginResult) error {
	if result.Banned {
		return fmt.Errorf("%w: %w", ErrLoginRejected, ErrBanned)
	}
	if result.Reason == "" {
		return ErrLoginRejected
	}
	return fmt.Errorf("%w: %s", ErrLoginRejected, result.Reason)
}
