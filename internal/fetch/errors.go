// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jeranaias/aihub/internal/errlog"
)

// Sentinel errors, one per failure class. Every *Error matches exactly one
// of them with errors.Is.
var (
	// ErrRateLimitExceeded is a rejection by the local limiter.
	ErrRateLimitExceeded = errors.New("local rate limit exceeded")

	// ErrRateLimited is a 429 from the server.
	ErrRateLimited = errors.New("rate limited by server")

	// ErrAuth is a 401 or 403.
	ErrAuth = errors.New("authentication failed")

	// ErrServer is a 5xx response.
	ErrServer = errors.New("server error")

	// ErrNetwork is a transport failure.
	ErrNetwork = errors.New("network error")

	// ErrTimeout is an attempt that exceeded its timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrClient is any other non-success status.
	ErrClient = errors.New("request rejected")
)

var kindSentinels = map[errlog.Kind]error{
	errlog.KindRateLimitExceeded: ErrRateLimitExceeded,
	errlog.KindRateLimited:       ErrRateLimited,
	errlog.KindAuthError:         ErrAuth,
	errlog.KindServerError:       ErrServer,
	errlog.KindNetworkError:      ErrNetwork,
	errlog.KindTimeout:           ErrTimeout,
	errlog.KindClientError:       ErrClient,
}

// Error is the classified failure returned by Client.Do.
type Error struct {
	Kind   errlog.Kind
	Method string
	URL    string

	// Status is the HTTP status, or 0 when no response was received.
	Status int

	// Attempts is how many attempts were started, the failing one included.
	Attempts int

	// RetryAfter is the delay suggested by the server (429) or the local
	// limiter. Zero when unknown.
	RetryAfter time.Duration

	// Body is the start of the response body, if any.
	Body []byte

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, redactURL(e.URL), e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// Retryable reports whether the retry loop may reissue the request.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// KindOf returns the kind of a fetch error, or "" for any other error.
func KindOf(err error) errlog.Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// classifyStatus maps a non-success HTTP status to a kind.
func classifyStatus(status int) errlog.Kind {
	switch {
	case status == 401 || status == 403:
		return errlog.KindAuthError
	case status == 429:
		return errlog.KindRateLimited
	case status >= 500:
		return errlog.KindServerError
	default:
		return errlog.KindClientError
	}
}

// redactURL drops the query string and user info, which may carry
// credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid url]"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "REDACTED"
	}
	u.Fragment = ""
	return u.String()
}
