// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	ErrNoTarget          = errors.New("no qBittorrent server bound")
	ErrNotConnected      = errors.New("not connected to a qBittorrent server")
	ErrLoginRejected     = errors.New("qBittorrent rejected the credentials")
	ErrBanned            = errors.New("client IP is banned by qBittorrent")
	ErrMalformedResponse = errors.New("malformed response from qBittorrent")
)

// ErrorKind is the caller-facing failure category.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindCancelled
	KindNetwork
	KindAuth
	KindRateLimited
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Operation names carried on Error.Op.
const (
	OpConnect = "connect"
	OpLogin   = "login"
	OpProbe   = "probe"
	OpSync    = "sync"
	OpTest    = "test"
)

// HTTPError is returned by the transport for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.StatusCode)
}

func (e *HTTPError) Is(target error) bool {
	_, ok := target.(*HTTPError)
	return ok
}

// IsRateLimited returns true if this error indicates rate limiting (HTTP 429).
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Error is what callers outside this package see: a kind, the operation
// that failed and a message fit for display. The transport error stays
// reachable through Unwrap.
type Error struct {
	Kind       ErrorKind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError classifies err and attaches a display message for op.
func NewError(op string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) && existing.Op == op {
		return existing
	}

	kind := Classify(err)
	e := &Error{
		Kind:    kind,
		Op:      op,
		Message: messageFor(kind, op),
		Err:     err,
	}

	if errors.Is(err, ErrBanned) {
		e.Message = "too many failed logins, qBittorrent has banned this client"
	}

	if kind == KindRateLimited {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			e.RetryAfter = httpErr.RetryAfter
		} else if existing != nil {
			e.RetryAfter = existing.RetryAfter
		}
	}

	return e
}

// Classify maps err onto the taxonomy. Checks run in priority order:
// cancellation, network, auth, rate limiting, not found.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var httpErr *HTTPError
	hasStatus := errors.As(err, &httpErr)

	if isNetworkError(err) || (hasStatus && httpErr.StatusCode >= http.StatusInternalServerError) {
		return KindNetwork
	}

	if errors.Is(err, ErrLoginRejected) {
		return KindAuth
	}

	if hasStatus {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return KindAuth
		case http.StatusTooManyRequests:
			return KindRateLimited
		case http.StatusNotFound:
			return KindNotFound
		}
	}

	return KindUnknown
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsCancelled reports whether err stems from a cancelled context.
func IsCancelled(err error) bool {
	return err != nil && Classify(err) == KindCancelled
}

func messageFor(kind ErrorKind, op string) string {
	switch kind {
	case KindCancelled:
		return "operation cancelled"
	case KindNetwork:
		if op == OpProbe {
			return "logged in, but the qBittorrent API is unreachable"
		}
		return "qBittorrent server is unreachable"
	case KindAuth:
		switch op {
		case OpProbe:
			return "logged in, but qBittorrent did not accept the session"
		case OpSync:
			return "session expired, reconnect required"
		default:
			return "invalid username or password"
		}
	case KindRateLimited:
		return "too many requests, try again later"
	case KindNotFound:
		return "API endpoint not found, check the base path and qBittorrent version"
	default:
		return "unexpected error talking to qBittorrent"
	}
}
