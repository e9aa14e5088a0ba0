// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"net/http"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_Login(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(d *fakeDaemon)
		password    string
		wantOK      bool
		wantMissing bool
		wantBanned  bool
		wantReason  string
		wantErrKind ErrorKind
		wantToken   string
	}{
		{
			name:      "ok with period",
			password:  testPassword,
			wantOK:    true,
			wantToken: testSID,
		},
		{
			name:      "ok without period",
			setup:     func(d *fakeDaemon) { d.loginBody = "Ok" },
			password:  "ignored",
			wantOK:    true,
			wantToken: testSID,
		},
		{
			name:       "fails is a rejection",
			password:   "wrong",
			wantReason: "Fails.",
		},
		{
			name:       "fails without period",
			setup:      func(d *fakeDaemon) { d.loginBody = "Fails" },
			password:   testPassword,
			wantReason: "Fails",
		},
		{
			name:       "unexpected body",
			setup:      func(d *fakeDaemon) { d.loginBody = "<html>proxy login</html>" },
			password:   testPassword,
			wantReason: "unexpected response: <html>proxy login</html>",
		},
		{
			name:        "ok without cookie",
			setup:       func(d *fakeDaemon) { d.loginCookies = nil },
			password:    testPassword,
			wantOK:      true,
			wantMissing: true,
		},
		{
			name: "banned",
			setup: func(d *fakeDaemon) {
				d.loginStatus = http.StatusForbidden
				d.loginBody = "Your IP address has been banned after too many failed authentication attempts."
			},
			password:   testPassword,
			wantBanned: true,
			wantReason: "Your IP address has been banned after too many failed authentication attempts.",
		},
		{
			name:       "unauthorized status",
			setup:      func(d *fakeDaemon) { d.loginStatus = http.StatusUnauthorized },
			password:   testPassword,
			wantReason: "Unauthorized",
		},
		{
			name:        "server error is an error",
			setup:       func(d *fakeDaemon) { d.loginStatus = http.StatusBadGateway },
			password:    testPassword,
			wantErrKind: KindNetwork,
		},
		{
			name:        "missing endpoint is an error",
			setup:       func(d *fakeDaemon) { d.loginStatus = http.StatusNotFound },
			password:    testPassword,
			wantErrKind: KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDaemon(t)
			if tt.setup != nil {
				d.set(tt.setup)
			}

			transport := NewHTTPTransport(NewSessionStore())
			require.NoError(t, transport.ConfigureTarget(d.profile(t, 1)))
			auth := NewAuthenticator(transport)

			result, err := auth.Login(context.Background(), testUsername, tt.password)
			if tt.wantErrKind != KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tt.wantErrKind, Classify(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, result.OK)
			assert.Equal(t, tt.wantMissing, result.CookieMissing)
			assert.Equal(t, tt.wantBanned, result.Banned)
			assert.Equal(t, tt.wantReason, result.Reason)
			assert.Equal(t, tt.wantToken, transport.Session().Token())
		})
	}
}

func TestAuthenticator_LoginDropsStaleCookie(t *testing.T) {
	d := newFakeDaemon(t)
	transport := NewHTTPTransport(NewSessionStore())
	require.NoError(t, transport.ConfigureTarget(d.profile(t, 1)))
	transport.Session().Bind(1, "SID=stale")

	_, err := NewAuthenticator(transport).Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)

	req, ok := d.lastRequest(loginPath)
	require.True(t, ok)
	assert.Empty(t, req.Cookie)
	assert.Equal(t, testSID, transport.Session().Token())
}

func TestAuthenticator_LoginKeepsEveryCookie(t *testing.T) {
	d := newFakeDaemon(t)
	d.set(func(d *fakeDaemon) {
		d.loginCookies = []string{"SID=" + testSID + "; path=/", "QBT_LANG=en; path=/"}
	})

	transport := NewHTTPTransport(NewSessionStore())
	require.NoError(t, transport.ConfigureTarget(d.profile(t, 1)))

	result, err := NewAuthenticator(transport).Login(context.Background(), testUsername, testPassword)
	require.NoError(t, err)
	require.True(t, result.OK)

	credential, ok := transport.Session().Credential()
	require.True(t, ok)
	assert.Equal(t, "SID="+testSID+"; QBT_LANG=en", credential)
}

func TestAuthenticator_Logout(t *testing.T) {
	t.Run("posts and clears", func(t *testing.T) {
		d := newFakeDaemon(t)
		transport := NewHTTPTransport(NewSessionStore())
		require.NoError(t, transport.ConfigureTarget(d.profile(t, 1)))
		auth := NewAuthenticator(transport)

		_, err := auth.Login(context.Background(), testUsername, testPassword)
		require.NoError(t, err)

		auth.Logout(context.Background())

		assert.Equal(t, 1, d.count(logoutPath))
		_, ok := transport.Session().Credential()
		assert.False(t, ok)
	})

	t.Run("clears even when the server is gone", func(t *testing.T) {
		transport := NewHTTPTransport(NewSessionStore())
		require.NoError(t, transport.ConfigureTarget(closedProfile(t, 1)))
		transport.Session().Bind(1, "SID=abc")

		NewAuthenticator(transport).Logout(context.Background())

		_, ok := transport.Session().Credential()
		assert.False(t, ok)
	})

	t.Run("skips the request without a session", func(t *testing.T) {
		d := newFakeDaemon(t)
		transport := NewHTTPTransport(NewSessionStore())
		require.NoError(t, transport.ConfigureTarget(d.profile(t, 1)))

		NewAuthenticator(transport).Logout(context.Background())

		assert.Zero(t, d.count(logoutPath))
	})
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		n     int
		want  string
	}{
		{name: "short", input: "Fails.", n: 64, want: "Fails."},
		{name: "ascii", input: "abcdef", n: 3, want: "abc..."},
		{name: "multibyte kept whole", input: "héllo wörld", n: 2, want: "hé..."},
		{name: "cjk", input: "登录失败请重试", n: 4, want: "登录失败..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
