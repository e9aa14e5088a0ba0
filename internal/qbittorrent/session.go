// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"net/http"
	"strings"
	"sync"
)

// sessionCookieName is the cookie qBittorrent issues on login; its value
// doubles as the anti-forgery token.
const sessionCookieName = "SID"

// SessionStore holds the credential for the currently bound server. It never
// touches the network.
type SessionStore struct {
	mu         sync.RWMutex
	serverID   int
	bound      bool
	credential string
	token      string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

// Bind stores credential for serverID. Binding a different server drops
// whatever credential the previous server had.
func (s *SessionStore) Bind(serverID int, credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bindLocked(serverID)
	s.credential = credential
	s.token = cookieValue(credential, sessionCookieName)
}

// BindServer switches the bound server without providing a credential.
func (s *SessionStore) BindServer(serverID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindLocked(serverID)
}

func (s *SessionStore) bindLocked(serverID int) {
	if s.bound && s.serverID != serverID {
		s.credential = ""
		s.token = ""
	}
	s.serverID = serverID
	s.bound = true
}

func (s *SessionStore) Credential() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential, s.credential != ""
}

// Token returns the anti-forgery token derived from the session cookie.
func (s *SessionStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *SessionStore) ServerID() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverID, s.bound
}

// Clear drops the credential but keeps the server binding.
func (s *SessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = ""
	s.token = ""
}

// Unbind drops the credential and the server binding.
func (s *SessionStore) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverID = 0
	s.bound = false
	s.credential = ""
	s.token = ""
}

// MergeCookies folds Set-Cookie updates into the credential of serverID.
// It returns false when serverID is no longer the bound server.
func (s *SessionStore) MergeCookies(serverID int, cookies []*http.Cookie) bool {
	if len(cookies) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bound || s.serverID != serverID {
		return false
	}

	s.credential = mergeCookies(s.credential, cookies)
	s.token = cookieValue(s.credential, sessionCookieName)
	return true
}

// ExtractCookies parses every Set-Cookie value in header. Proxies sometimes
// fold several cookies into one comma-separated header, so each value is
// split before parsing.
func ExtractCookies(header http.Header) []*http.Cookie {
	var cookies []*http.Cookie
	for _, value := range header.Values("Set-Cookie") {
		for _, line := range splitSetCookie(value) {
			cookie, err := http.ParseSetCookie(line)
			if err != nil {
				continue
			}
			cookies = append(cookies, cookie)
		}
	}
	return cookies
}

// splitSetCookie splits a folded Set-Cookie header. A comma starts a new
// cookie only when it is followed by a token and '=', which keeps
// "Expires=Wed, 21 Oct 2015 07:28:00 GMT" intact.
func splitSetCookie(value string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(value); i++ {
		if value[i] != ',' || !startsCookie(value[i+1:]) {
			continue
		}
		if part := strings.TrimSpace(value[start:i]); part != "" {
			parts = append(parts, part)
		}
		start = i + 1
	}
	if part := strings.TrimSpace(value[start:]); part != "" {
		parts = append(parts, part)
	}
	return parts
}

func startsCookie(rest string) bool {
	rest = strings.TrimLeft(rest, " \t")
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '=':
			return i > 0
		case ';', ',', ' ', '\t':
			return false
		}
	}
	return false
}

// mergeCookies applies updates to a "a=1; b=2" credential, keeping order.
// Cookies with an empty value or a non-positive Max-Age are removed.
func mergeCookies(credential string, updates []*http.Cookie) string {
	type pair struct{ name, value string }

	var pairs []pair
	for _, part := range strings.Split(credential, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		pairs = append(pairs, pair{name, value})
	}

	for _, c := range updates {
		remove := c.Value == "" || c.MaxAge < 0
		idx := -1
		for i := range pairs {
			if pairs[i].name == c.Name {
				idx = i
				break
			}
		}

		switch {
		case remove && idx >= 0:
			pairs = append(pairs[:idx], pairs[idx+1:]...)
		case remove:
		case idx >= 0:
			pairs[idx].value = c.Value
		default:
			pairs = append(pairs, pair{c.Name, c.Value})
		}
	}

	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.name+"="+p.value)
	}
	return strings.Join(out, "; ")
}

// cookieValue returns the value of name inside a "a=1; b=2" credential.
func cookieValue(credential, name string) string {
	for _, part := range strings.Split(credential, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && key == name {
			return value
		}
	}
	return ""
}
