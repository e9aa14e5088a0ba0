// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-remote/internal/models"
)

const (
	testUsername = "admin"
	testPassword = "adminadmin"
	testSID      = "c2Vzc2lvbi1pZA"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Cookie string
}

// fakeDaemon answers the subset of the qBittorrent WebAPI the client uses.
type fakeDaemon struct {
	server *httptest.Server

	mu             sync.Mutex
	sid            string
	requireSession bool
	loginStatus    int
	loginBody      string
	loginCookies   []string
	versionStatus  int
	buildStatus    int
	mainDataStatus int
	mainData       []string
	requests       []recordedRequest
	onMainData     func()
	onLogin        func(r *http.Request)
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()

	d := &fakeDaemon{
		sid:            testSID,
		requireSession: true,
		loginCookies:   []string{"SID=" + testSID + "; HttpOnly; SameSite=Strict; path=/"},
		mainData:       []string{`{"rid":1,"full_update":true}`},
	}
	d.server = httptest.NewServer(http.HandlerFunc(d.handle))
	t.Cleanup(d.server.Close)
	return d
}

func (d *fakeDaemon) handle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	d.mu.Lock()
	d.requests = append(d.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Cookie: r.Header.Get("Cookie"),
	})
	d.mu.Unlock()

	switch r.URL.Path {
	case loginPath:
		d.handleLogin(w, r)
	case logoutPath:
		w.WriteHeader(http.StatusOK)
	case versionPath:
		d.handleProbe(w, r, d.status(func() int { return d.versionStatus }), "v5.0.2")
	case webAPIVersionPath:
		d.handleProbe(w, r, 0, "2.11.4")
	case buildInfoPath:
		d.handleProbe(w, r, d.status(func() int { return d.buildStatus }),
			`{"qt":"6.7.2","libtorrent":"2.0.10.0","boost":"1.86.0","openssl":"3.3.1","zlib":"1.3.1","bitness":64}`)
	case mainDataPath:
		d.handleMainData(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (d *fakeDaemon) status(get func() int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return get()
}

func (d *fakeDaemon) handleLogin(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	status, body, cookies := d.loginStatus, d.loginBody, d.loginCookies
	hook := d.onLogin
	d.mu.Unlock()

	if hook != nil {
		hook(r)
	}

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}

	if body == "" {
		if r.PostForm.Get("username") == testUsername && r.PostForm.Get("password") == testPassword {
			body = "Ok."
		} else {
			body = "Fails."
		}
	}

	if body == "Ok." || body == "Ok" {
		for _, c := range cookies {
			w.Header().Add("Set-Cookie", c)
		}
	}
	_, _ = w.Write([]byte(body))
}

func (d *fakeDaemon) authorized(r *http.Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.requireSession {
		return true
	}
	cookie, err := r.Cookie("SID")
	return err == nil && cookie.Value == d.sid
}

func (d *fakeDaemon) handleProbe(w http.ResponseWriter, r *http.Request, status int, body string) {
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !d.authorized(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	_, _ = w.Write([]byte(body))
}

func (d *fakeDaemon) handleMainData(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	status := d.mainDataStatus
	hook := d.onMainData
	d.mu.Unlock()

	if hook != nil {
		hook()
	}

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !d.authorized(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	d.mu.Lock()
	body := d.mainData[0]
	if len(d.mainData) > 1 {
		d.mainData = d.mainData[1:]
	}
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (d *fakeDaemon) set(fn func(d *fakeDaemon)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDaemon) queueMainData(bodies ...string) {
	d.set(func(d *fakeDaemon) { d.mainData = bodies })
}

func (d *fakeDaemon) count(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, req := range d.requests {
		if req.Path == path {
			n++
		}
	}
	return n
}

func (d *fakeDaemon) lastRequest(path string) (recordedRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.requests) - 1; i >= 0; i-- {
		if d.requests[i].Path == path {
			return d.requests[i], true
		}
	}
	return recordedRequest{}, false
}

func (d *fakeDaemon) profile(t *testing.T, id int) *models.ServerProfile {
	t.Helper()

	u, err := url.Parse(d.server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &models.ServerProfile{
		ID:       id,
		Name:     "daemon-" + strconv.Itoa(id),
		Host:     host,
		Port:     port,
		Username: testUsername,
		Password: testPassword,
	}
}

// closedProfile points at a port nothing listens on.
func closedProfile(t *testing.T, id int) *models.ServerProfile {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	return &models.ServerProfile{
		ID:       id,
		Name:     "closed",
		Host:     "127.0.0.1",
		Port:     port,
		Username: testUsername,
		Password: testPassword,
	}
}

type memMarker struct {
	mu      sync.Mutex
	active  int
	set     bool
	setN    int
	clearN  int
	failSet error
}

func (m *memMarker) SetActiveServer(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setN++
	if m.failSet != nil {
		return m.failSet
	}
	m.active, m.set = id, true
	return nil
}

func (m *memMarker) ClearActiveServer(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearN++
	m.active, m.set = 0, false
	return nil
}

func (m *memMarker) get() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.set
}
