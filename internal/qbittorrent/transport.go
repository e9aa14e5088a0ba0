// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-remote/internal/models"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultUserAgent      = "qui-remote"
)

// Response is the raw result of a request that reached the daemon.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport issues requests against the currently targeted daemon. It
// carries the session cookie on every request and captures Set-Cookie
// into the SessionStore.
type Transport interface {
	// ConfigureTarget binds profile as the request target. Switching to a
	// different server id clears the session; nil clears the target.
	ConfigureTarget(profile *models.ServerProfile) error
	Target() *models.ServerProfile
	Session() *SessionStore
	Get(ctx context.Context, path string, query url.Values) (*Response, error)
	PostForm(ctx context.Context, path string, fields url.Values) (*Response, error)
	// Fork returns an unbound transport with the same settings and its own session.
	Fork() Transport
}

type HTTPTransport struct {
	session   *SessionStore
	timeout   time.Duration
	userAgent string
	now       func() time.Time

	mu      sync.RWMutex
	target  *models.ServerProfile
	baseURL string
	client  *resty.Client
}

type TransportOption func(*HTTPTransport)

func WithRequestTimeout(timeout time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

func WithUserAgent(userAgent string) TransportOption {
	return func(t *HTTPTransport) {
		if userAgent != "" {
			t.userAgent = userAgent
		}
	}
}

func NewHTTPTransport(session *SessionStore, opts ...TransportOption) *HTTPTransport {
	if session == nil {
		session = NewSessionStore()
	}

	t := &HTTPTransport{
		session:   session,
		timeout:   defaultRequestTimeout,
		userAgent: defaultUserAgent,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *HTTPTransport) Fork() Transport {
	return &HTTPTransport{
		session:   NewSessionStore(),
		timeout:   t.timeout,
		userAgent: t.userAgent,
		now:       t.now,
	}
}

func (t *HTTPTransport) Session() *SessionStore {
	return t.session
}

func (t *HTTPTransport) Target() *models.ServerProfile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.target == nil {
		return nil
	}
	cp := *t.target
	return &cp
}

func (t *HTTPTransport) ConfigureTarget(profile *models.ServerProfile) error {
	if profile == nil {
		t.mu.Lock()
		t.target = nil
		t.baseURL = ""
		t.client = nil
		t.mu.Unlock()

		t.session.Unbind()
		return nil
	}

	baseURL, err := profile.BaseURL()
	if err != nil {
		return errors.Wrap(err, "invalid server address")
	}

	target := *profile
	client := t.newClient(target)

	// session first, so no request can go out with the previous server's cookie
	t.session.BindServer(target.ID)

	t.mu.Lock()
	t.target = &target
	t.baseURL = baseURL
	t.client = client
	t.mu.Unlock()

	log.Debug().
		Int("serverID", target.ID).
		Str("baseURL", baseURL).
		Msg("Transport target configured")

	return nil
}

func (t *HTTPTransport) newClient(profile models.ServerProfile) *resty.Client {
	client := resty.New().
		SetTimeout(t.timeout).
		SetHeader("User-Agent", t.userAgent).
		// the session cookie is managed by SessionStore, not a jar
		SetCookieJar(nil)

	if profile.TLSSkipVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // user opted in per server
	}

	return client
}

func (t *HTTPTransport) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return t.do(ctx, resty.MethodGet, path, func(req *resty.Request) {
		if len(query) > 0 {
			req.SetQueryParamsFromValues(query)
		}
	})
}

func (t *HTTPTransport) PostForm(ctx context.Context, path string, fields url.Values) (*Response, error) {
	return t.do(ctx, resty.MethodPost, path, func(req *resty.Request) {
		req.SetHeader("Content-Type", "application/x-www-form-urlencoded")
		if len(fields) > 0 {
			req.SetFormDataFromValues(fields)
		}
	})
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, prepare func(*resty.Request)) (*Response, error) {
	t.mu.RLock()
	client, baseURL, target := t.client, t.baseURL, t.target
	t.mu.RUnlock()

	if client == nil || target == nil {
		return nil, ErrNoTarget
	}

	req := client.R().
		SetContext(ctx).
		SetHeader("Referer", baseURL+"/")

	if credential, ok := t.session.Credential(); ok {
		req.SetHeader("Cookie", credential)
	}

	prepare(req)

	resp, err := req.Execute(method, baseURL+path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}

	out := &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}

	if cookies := ExtractCookies(out.Header); len(cookies) > 0 {
		t.session.MergeCookies(target.ID, cookies)
	}

	if resp.IsSuccess() {
		return out, nil
	}

	httpErr := &HTTPError{
		StatusCode: out.StatusCode,
		Method:     method,
		Path:       path,
		Body:       strings.TrimSpace(string(out.Body)),
	}

	switch out.StatusCode {
	case http.StatusForbidden:
		t.session.Clear()
		log.Debug().Int("serverID", target.ID).Str("path", path).Msg("Session cleared after 403 response")
	case http.StatusTooManyRequests:
		httpErr.RetryAfter = parseRetryAfter(out.Header.Get("Retry-After"), t.now())
	}

	return out, httpErr
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}

	return 0
}
