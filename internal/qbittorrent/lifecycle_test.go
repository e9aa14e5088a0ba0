// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-remote/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type lifecycleHarness struct {
	daemon *fakeDaemon
	conn   *ConnectionManager
	sync   *SyncManager
	lc     *LifecycleCoordinator
	clock  *testClock
}

func newLifecycleHarness(t *testing.T) *lifecycleHarness {
	t.Helper()

	d := newFakeDaemon(t)
	d.queueMainData(fullSnapshot, `{"rid": 11}`, `{"rid": 12}`)

	transport := NewHTTPTransport(NewSessionStore())
	conn := NewConnectionManager(transport, &memMarker{})
	sm := NewSyncManager(transport, conn, WithPollInterval(time.Hour))
	conn.OnStateChange(sm.HandleConnectionState)
	t.Cleanup(sm.Stop)

	clock := newTestClock()
	lc := NewLifecycleCoordinator(conn, sm,
		WithClock(clock.Now),
		WithReconnectDelay(time.Millisecond),
	)

	require.NoError(t, conn.Connect(context.Background(), d.profile(t, 1)))
	require.True(t, sm.Running())
	require.NoError(t, sm.Poll(context.Background()))
	require.NoError(t, sm.Poll(context.Background()))
	require.Equal(t, int64(11), sm.Rid())

	return &lifecycleHarness{daemon: d, conn: conn, sync: sm, lc: lc, clock: clock}
}

func TestLifecycle_BackgroundStopsPolling(t *testing.T) {
	h := newLifecycleHarness(t)

	require.NoError(t, h.lc.HandleTransition(context.Background(), AppStateBackground))

	assert.Equal(t, AppStateBackground, h.lc.State())
	assert.False(t, h.sync.Running())
	assert.True(t, h.conn.IsConnected(), "backgrounding does not disconnect")
}

func TestLifecycle_LongBackgroundReconnects(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateBackground))
	h.clock.Advance(45 * time.Second)

	// the daemon forgot the old session while we were away
	h.daemon.set(func(d *fakeDaemon) {
		d.sid = "cm90YXRlZA"
		d.loginCookies = []string{"SID=cm90YXRlZA; path=/"}
		d.mainData = []string{`{"rid": 1, "full_update": true, "torrents": {"aaa": {"name": "After"}}}`}
	})
	logins := h.daemon.count(loginPath)

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateForeground))

	assert.Equal(t, logins+1, h.daemon.count(loginPath))
	assert.True(t, h.conn.IsConnected())
	assert.True(t, h.sync.Running())
	assert.False(t, h.sync.Recovering())
	assert.Nil(t, h.sync.LastError())

	_, present := ridOf(t, h.daemon)
	assert.False(t, present, "recovery must resync from scratch")
	assert.Equal(t, int64(1), h.sync.Rid())
	assert.Equal(t, "After", h.sync.View().Torrents["aaa"].Name)
	assert.Len(t, h.sync.View().Torrents, 1)
}

func TestLifecycle_LongBackgroundReconnectFails(t *testing.T) {
	tests := []struct {
		name       string
		fail       func(d *fakeDaemon)
		wantLogins int
		wantKind   ErrorKind
	}{
		{
			name:       "network errors are retried",
			fail:       func(d *fakeDaemon) { d.loginStatus = http.StatusServiceUnavailable },
			wantLogins: defaultReconnectAttempts,
			wantKind:   KindNetwork,
		},
		{
			name:       "auth errors are not retried",
			fail:       func(d *fakeDaemon) { d.loginBody = "Fails." },
			wantLogins: 1,
			wantKind:   KindAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newLifecycleHarness(t)
			ctx := context.Background()

			require.NoError(t, h.lc.HandleTransition(ctx, AppStateBackground))
			h.clock.Advance(45 * time.Second)
			h.daemon.set(tt.fail)
			logins := h.daemon.count(loginPath)
			polls := h.daemon.count(mainDataPath)

			err := h.lc.HandleTransition(ctx, AppStateForeground)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, Classify(err))

			assert.Equal(t, logins+tt.wantLogins, h.daemon.count(loginPath))
			assert.False(t, h.sync.Running(), "polling stays paused after a failed reconnect")
			assert.False(t, h.sync.Recovering())
			assert.Equal(t, polls, h.daemon.count(mainDataPath))
			assert.Equal(t, StateFailed, h.conn.Status().State)
		})
	}
}

func TestLifecycle_BanBackoffBlocksLogins(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateBackground))
	h.clock.Advance(45 * time.Second)
	h.daemon.set(func(d *fakeDaemon) {
		d.loginStatus = http.StatusForbidden
		d.loginBody = "Your IP address has been banned after too many failed authentication attempts."
	})
	logins := h.daemon.count(loginPath)

	err := h.lc.HandleTransition(ctx, AppStateForeground)
	require.Error(t, err)
	assert.Equal(t, KindAuth, Classify(err))
	assert.Equal(t, logins+1, h.daemon.count(loginPath), "a ban is not retried")
	assert.GreaterOrEqual(t, h.conn.failures.Remaining(1), banInitialBackoff-time.Second)

	// the daemon lifts the ban but the client still waits out its backoff
	h.daemon.set(func(d *fakeDaemon) {
		d.loginStatus = 0
		d.loginBody = ""
	})

	err = h.conn.Reconnect(ctx)
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, Classify(err))
	assert.Equal(t, logins+1, h.daemon.count(loginPath))
	assert.False(t, h.sync.Running())
}

func TestLifecycle_RecordedBackoffGatesSilentReconnect(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	h.conn.failures.TrackFailure(1, NewError(OpLogin, ErrBanned))

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateBackground))
	h.clock.Advance(45 * time.Second)
	logins := h.daemon.count(loginPath)

	err := h.lc.HandleTransition(ctx, AppStateForeground)
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, Classify(err))
	assert.Equal(t, logins, h.daemon.count(loginPath), "no login request inside the ban backoff")
	assert.False(t, h.sync.Running())
	assert.False(t, h.sync.Recovering())
}

func TestLifecycle_ShortBackgroundResumes(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateBackground))
	h.clock.Advance(10 * time.Second)
	logins := h.daemon.count(loginPath)

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateForeground))

	assert.Equal(t, logins, h.daemon.count(loginPath))
	assert.True(t, h.sync.Running())

	rid, present := ridOf(t, h.daemon)
	assert.True(t, present, "a short gap polls incrementally")
	assert.Equal(t, "11", rid)
	assert.Equal(t, int64(12), h.sync.Rid())
}

func TestLifecycle_ThresholdIsExclusive(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateBackground))
	h.clock.Advance(DefaultStaleThreshold)
	logins := h.daemon.count(loginPath)

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateForeground))
	assert.Equal(t, logins, h.daemon.count(loginPath))
}

func TestLifecycle_ForegroundWhileDisconnected(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateBackground))
	h.conn.Disconnect(ctx)
	h.clock.Advance(time.Minute)
	logins := h.daemon.count(loginPath)

	require.NoError(t, h.lc.HandleTransition(ctx, AppStateForeground))

	assert.Equal(t, logins, h.daemon.count(loginPath))
	assert.False(t, h.sync.Running())
}

type fakeReconnector struct {
	mu         sync.Mutex
	connected  bool
	profile    *models.ServerProfile
	errs       []error
	calls      int
	reconnects int
	backoff    time.Duration
}

func (f *fakeReconnector) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeReconnector) LastProfile() *models.ServerProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

func (f *fakeReconnector) Connect(context.Context, *models.ServerProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt()
}

func (f *fakeReconnector) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if f.backoff > 0 {
		return &Error{Kind: KindRateLimited, Op: OpConnect, Message: "server is in backoff", RetryAfter: f.backoff}
	}
	return f.attempt()
}

func (f *fakeReconnector) attempt() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type fakePoller struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePoller) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePoller) Start()                             { f.record("start") }
func (f *fakePoller) Stop()                              { f.record("stop") }
func (f *fakePoller) Poll(context.Context) error         { f.record("poll"); return nil }
func (f *fakePoller) ForceRefresh(context.Context) error { f.record("forceRefresh"); return nil }
func (f *fakePoller) ClearError()                        { f.record("clearError") }

func (f *fakePoller) SetRecovering(recovering bool) {
	if recovering {
		f.record("recovering")
		return
	}
	f.record("recovered")
}

func (f *fakePoller) get() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestLifecycle_RecoveryOrder(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
		want      []string
	}{
		{
			name:      "success",
			wantCalls: 1,
			want:      []string{"stop", "recovering", "clearError", "forceRefresh", "recovered", "start"},
		},
		{
			name:      "transient network failure",
			errs:      []error{NewError(OpLogin, &HTTPError{StatusCode: 502})},
			wantCalls: 2,
			want:      []string{"stop", "recovering", "clearError", "forceRefresh", "recovered", "start"},
		},
		{
			name: "persistent network failure",
			errs: []error{
				NewError(OpLogin, &HTTPError{StatusCode: 502}),
				NewError(OpLogin, &HTTPError{StatusCode: 502}),
				NewError(OpLogin, &HTTPError{StatusCode: 502}),
			},
			wantCalls: 3,
			wantErr:   true,
			want:      []string{"stop", "recovering", "recovered"},
		},
		{
			name:      "rejected credentials",
			errs:      []error{NewError(OpLogin, ErrLoginRejected)},
			wantCalls: 1,
			wantErr:   true,
			want:      []string{"stop", "recovering", "recovered"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeReconnector{connected: true, profile: &models.ServerProfile{ID: 1}, errs: tt.errs}
			poller := &fakePoller{}
			clock := newTestClock()
			lc := NewLifecycleCoordinator(conn, poller, WithClock(clock.Now), WithReconnectDelay(time.Millisecond))

			require.NoError(t, lc.HandleTransition(context.Background(), AppStateBackground))
			clock.Advance(time.Minute)

			err := lc.HandleTransition(context.Background(), AppStateForeground)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, conn.calls)
			assert.Equal(t, 1, conn.reconnects, "only the first attempt goes through Reconnect")
			assert.Equal(t, tt.want, poller.get())
		})
	}
}

func TestLifecycle_RecoveryInsideBackoff(t *testing.T) {
	conn := &fakeReconnector{connected: true, profile: &models.ServerProfile{ID: 1}, backoff: 5 * time.Minute}
	poller := &fakePoller{}
	clock := newTestClock()
	lc := NewLifecycleCoordinator(conn, poller, WithClock(clock.Now), WithReconnectDelay(time.Millisecond))

	require.NoError(t, lc.HandleTransition(context.Background(), AppStateBackground))
	clock.Advance(time.Minute)

	err := lc.HandleTransition(context.Background(), AppStateForeground)
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, Classify(err))
	assert.Equal(t, 1, conn.reconnects)
	assert.Zero(t, conn.calls, "no connect is attempted inside the backoff window")
	assert.Equal(t, []string{"stop", "recovering", "recovered"}, poller.get())
}

func TestLifecycle_RepeatedStateIsNoop(t *testing.T) {
	conn := &fakeReconnector{connected: true, profile: &models.ServerProfile{ID: 1}}
	poller := &fakePoller{}
	lc := NewLifecycleCoordinator(conn, poller)

	require.NoError(t, lc.HandleTransition(context.Background(), AppStateForeground))
	assert.Empty(t, poller.get())

	require.NoError(t, lc.HandleTransition(context.Background(), AppStateBackground))
	require.NoError(t, lc.HandleTransition(context.Background(), AppStateBackground))
	assert.Equal(t, []string{"stop"}, poller.get())
}

func TestLifecycle_ShortGapOrder(t *testing.T) {
	conn := &fakeReconnector{connected: true, profile: &models.ServerProfile{ID: 1}}
	poller := &fakePoller{}
	clock := newTestClock()
	lc := NewLifecycleCoordinator(conn, poller, WithClock(clock.Now), WithStaleThreshold(time.Minute))

	require.NoError(t, lc.HandleTransition(context.Background(), AppStateBackground))
	clock.Advance(45 * time.Second)
	require.NoError(t, lc.HandleTransition(context.Background(), AppStateForeground))

	assert.Zero(t, conn.calls, "45s is inside a one minute threshold")
	assert.Equal(t, []string{"stop", "start", "poll"}, poller.get())
}

func TestLifecycle_NoProfile(t *testing.T) {
	conn := &fakeReconnector{connected: true}
	poller := &fakePoller{}
	clock := newTestClock()
	lc := NewLifecycleCoordinator(conn, poller, WithClock(clock.Now))

	require.NoError(t, lc.HandleTransition(context.Background(), AppStateBackground))
	clock.Advance(time.Minute)

	err := lc.HandleTransition(context.Background(), AppStateForeground)
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.Equal(t, []string{"stop"}, poller.get())
}
