// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	loginPath  = "/api/v2/auth/login"
	logoutPath = "/api/v2/auth/logout"
)

// LoginResult is the outcome of a login that reached the daemon. A rejected
// login is a result, not an error.
type LoginResult struct {
	OK bool
	// Reason is the trimmed response body or status for a rejection.
	Reason string
	// CookieMissing is set when the daemon accepted the credentials but no
	// Set-Cookie came back. Later requests may be refused.
	CookieMissing bool
	// Banned is set when the daemon reports the client IP as banned.
	Banned bool
}

type Authenticator struct {
	transport Transport
}

func NewAuthenticator(transport Transport) *Authenticator {
	return &Authenticator{transport: transport}
}

func isLoginSuccess(body string) bool {
	switch strings.TrimSpace(body) {
	case "Ok.", "Ok":
		return true
	}
	return false
}

func isLoginFailure(body string) bool {
	switch strings.TrimSpace(body) {
	case "Fails.", "Fails":
		return true
	}
	return false
}

// Login posts the credentials. Network failures, 5xx, 404 and 429 are
// returned as errors; every other answer is interpreted from the body.
func (a *Authenticator) Login(ctx context.Context, username, password string) (LoginResult, error) {
	session := a.transport.Session()
	serverID, _ := session.ServerID()

	// a stale cookie must not ride along with the login request
	session.Clear()

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	resp, err := a.transport.PostForm(ctx, loginPath, form)
	if err != nil {
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			return LoginResult{}, err
		}

		switch {
		case httpErr.StatusCode >= http.StatusInternalServerError,
			httpErr.StatusCode == http.StatusNotFound,
			httpErr.StatusCode == http.StatusTooManyRequests:
			return LoginResult{}, err
		}

		result := LoginResult{Reason: httpErr.Body}
		if result.Reason == "" {
			result.Reason = http.StatusText(httpErr.StatusCode)
		}
		if httpErr.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(httpErr.Body), "banned") {
			result.Banned = true
		}

		log.Debug().Int("serverID", serverID).Int("status", httpErr.StatusCode).Msg("Login rejected by status")
		return result, nil
	}

	body := strings.TrimSpace(string(resp.Body))

	switch {
	case isLoginSuccess(body):
	case isLoginFailure(body):
		log.Debug().Int("serverID", serverID).Msg("Login rejected: invalid credentials")
		return LoginResult{Reason: body}, nil
	default:
		log.Debug().Int("serverID", serverID).Str("body", truncate(body, 64)).Msg("Login rejected: unrecognized response body")
		return LoginResult{Reason: "unexpected response: " + truncate(body, 64)}, nil
	}

	result := LoginResult{OK: true}

	// The transport merges Set-Cookie as it reads the response; bind again
	// from the headers here so a login always starts from exactly what the
	// daemon issued.
	cookies := ExtractCookies(resp.Header)
	if len(cookies) == 0 {
		result.CookieMissing = true
		log.Warn().
			Int("serverID", serverID).
			Msg("Login accepted but no session cookie was returned, API calls may be refused")
		return result, nil
	}

	session.Bind(serverID, mergeCookies("", cookies))
	if session.Token() == "" {
		log.Debug().Int("serverID", serverID).Msg("Login cookie carries no SID field")
	}

	return result, nil
}

// Logout tells the daemon to drop the session. Errors are ignored and the
// local session is always cleared.
func (a *Authenticator) Logout(ctx context.Context) {
	defer a.transport.Session().Clear()

	if _, ok := a.transport.Session().Credential(); !ok {
		return
	}

	if _, err := a.transport.PostForm(ctx, logoutPath, nil); err != nil {
		log.Debug().Err(err).Msg("Logout request failed, clearing session anyway")
	}
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
