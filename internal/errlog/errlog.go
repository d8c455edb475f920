// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errlog is the error sink shared by the event bus and the fetch
// client.
//
// Components never render errors themselves. They classify a failure with
// a Kind and a Severity and hand it to a Sink. The concrete Log sink keeps
// a bounded in-memory history, writes through to an optional SQLite Store
// and can notify the UI layer (the hub turns notifications into
// "error:occurred" events).
package errlog

import (
	"time"
)

// Kind classifies a failure. The taxonomy is flat: callers switch on the
// tag, not on an error type hierarchy.
type Kind string

const (
	// KindInvalidArgument is a malformed call into the bus API.
	KindInvalidArgument Kind = "InvalidArgument"

	// KindHandlerError is a subscriber handler that returned an error or panicked.
	KindHandlerError Kind = "HandlerError"

	// KindRateLimitExceeded is a local limiter pre-flight rejection.
	KindRateLimitExceeded Kind = "RateLimitExceeded"

	// KindRateLimited is a server-reported 429.
	KindRateLimited Kind = "RateLimited"

	// KindAuthError is a 401 or 403.
	KindAuthError Kind = "AuthError"

	// KindServerError is a 5xx response.
	KindServerError Kind = "ServerError"

	// KindNetworkError is a transport-level failure.
	KindNetworkError Kind = "NetworkError"

	// KindTimeout is a local deadline that expired.
	KindTimeout Kind = "Timeout"

	// KindClientError is any other 4xx response.
	KindClientError Kind = "ClientError"
)

// Retryable reports whether a request that failed with this kind may be
// reissued by the fetch retry loop.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkError, KindServerError, KindTimeout:
		return true
	default:
		return false
	}
}

// Severity ranks how loudly an entry should be surfaced.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (low) to 3 (critical). Unknown values rank
// as medium.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

// Entry is one reported failure.
type Entry struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"type"`
	Message   string            `json:"message"`
	Err       error             `json:"-"`
	Severity  Severity          `json:"severity"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Detail returns the underlying error text, or "" when Err is nil.
func (e Entry) Detail() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Sink receives error reports. LogError returns the ID assigned to the entry.
type Sink interface {
	LogError(e Entry) string
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Entry) string

// LogError implements Sink.
func (f SinkFunc) LogError(e Entry) string {
	return f(e)
}

// Discard is a Sink that drops every entry.
var Discard Sink = SinkFunc(func(Entry) string { return "" })

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}
