// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fetch wraps outbound provider calls with a per-attempt timeout,
// linear-backoff retries for transient failures and a pre-flight rate
// limit per endpoint key.
//
// Every failure that escapes Do is a *Error classified by errlog.Kind and
// is reported once to the configured errlog.Sink. Intermediate failed
// attempts are only logged at debug level.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jeranaias/aihub/internal/clock"
	"github.com/jeranaias/aihub/internal/errlog"
	"github.com/jeranaias/aihub/internal/ratelimit"
)

// Defaults for requests that do not override them.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 3
	DefaultBaseDelay = time.Second

	// maxErrorBody is how much of a failed response body is kept on *Error.
	maxErrorBody = 2048
)

// errAttemptTimeout is the cancel cause set when an attempt's timer fires.
var errAttemptTimeout = errors.New("attempt timeout")

// =============================================================================
// CLIENT
// =============================================================================

// Client issues resilient requests. It is safe for concurrent use.
type Client struct {
	transport Transport
	limiter   *ratelimit.Limiter
	clock     clock.Clock
	sink      errlog.Sink
	logger    *slog.Logger

	timeout   time.Duration
	retries   int
	baseDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the transport. The default is an HTTPTransport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		if t != nil {
			c.transport = t
		}
	}
}

// WithLimiter shares a limiter between clients.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithClock sets the clock used for timeouts and backoff.
func WithClock(cl clock.Clock) Option {
	return func(c *Client) {
		c.clock = clock.OrReal(cl)
	}
}

// WithSink sets where terminal failures are reported.
func WithSink(s errlog.Sink) Option {
	return func(c *Client) {
		c.sink = errlog.OrDiscard(s)
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBaseDelay sets the backoff unit. The wait before retry n is
// n times this delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.baseDelay = d
		}
	}
}

// WithDefaultTimeout sets the timeout for requests that do not set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDefaultRetries sets the retry budget for requests that do not set one.
func WithDefaultRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// New creates a Client. Without options it uses the real clock, a fresh
// limiter with the default policy and an HTTPTransport.
func New(opts ...Option) *Client {
	c := &Client{
		clock:     clock.Real,
		sink:      errlog.Discard,
		logger:    slog.Default(),
		timeout:   DefaultTimeout,
		retries:   DefaultRetries,
		baseDelay: DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport().WithLogger(c.logger)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.New(ratelimit.WithClock(c.clock))
	}
	return c
}

// Limiter returns the client's rate limiter.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// SetRateLimit pre-registers a policy for key, replacing its state.
func (c *Client) SetRateLimit(key string, p ratelimit.Policy) {
	c.limiter.SetPolicy(key, p)
}

// =============================================================================
// REQUEST OPTIONS
// =============================================================================

type requestConfig struct {
	timeout      time.Duration
	retries      int
	rateLimitKey string
	method       string
	header       http.Header
	body         []byte
	err          error
}

// RequestOption configures a single Do call.
type RequestOption func(*requestConfig)

// WithTimeout bounds each attempt. Zero or less disables the timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *requestConfig) {
		r.timeout = d
	}
}

// WithRetries sets how many times a retryable failure is retried.
func WithRetries(n int) RequestOption {
	return func(r *requestConfig) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithRateLimitKey overrides the limiter key, which defaults to the URL.
func WithRateLimitKey(key string) RequestOption {
	return func(r *requestConfig) {
		r.rateLimitKey = key
	}
}

// WithMethod sets the HTTP method. The default is GET.
func WithMethod(m string) RequestOption {
	return func(r *requestConfig) {
		r.method = m
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *requestConfig) {
		r.header.Add(key, value)
	}
}

// WithBody sets the raw request body.
func WithBody(b []byte) RequestOption {
	return func(r *requestConfig) {
		r.body = b
	}
}

// WithJSON encodes v as the body, sets the JSON content type and makes
// the method POST unless one was set.
func WithJSON(v any) RequestOption {
	return func(r *requestConfig) {
		b, err := json.Marshal(v)
		if err != nil {
			r.err = fmt.Errorf("failed to marshal request: %w", err)
			return
		}
		r.body = b
		r.header.Set("Content-Type", "application/json")
		if r.method == "" {
			r.method = http.MethodPost
		}
	}
}

// =============================================================================
// DO
// =============================================================================

// Do issues a request to url.
//
// Each attempt first acquires the rate limiter for the request key; a
// rejection fails immediately with ErrRateLimitExceeded. Network errors,
// 5xx responses and timeouts are retried after n*baseDelay for retry n.
// Authentication failures, 429s and other 4xx responses are returned
// without retrying. Cancelling ctx stops the loop and returns ctx.Err()
// without reporting it.
func (c *Client) Do(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	cfg := requestConfig{
		timeout: c.timeout,
		retries: c.retries,
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	if cfg.method == "" {
		cfg.method = http.MethodGet
	}
	key := cfg.rateLimitKey
	if key == "" {
		key = url
	}

	req := &Request{Method: cfg.method, URL: url, Header: cfg.header, Body: cfg.body}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if d := c.limiter.Acquire(key); !d.Allowed {
			fe := &Error{
				Kind:       errlog.KindRateLimitExceeded,
				Method:     req.Method,
				URL:        url,
				Attempts:   attempt,
				RetryAfter: d.RetryAfter,
				Err:        fmt.Errorf("%s for key %q", d.Reason, key),
			}
			c.report(fe, errlog.SeverityMedium)
			return nil, fe
		}

		resp, err := c.attempt(ctx, req, cfg.timeout)
		if err == nil {
			return resp, nil
		}

		var fe *Error
		if !errors.As(err, &fe) {
			return nil, err
		}
		fe.Attempts = attempt

		if !fe.Retryable() {
			c.report(fe, errlog.SeverityMedium)
			return nil, fe
		}
		if attempt > cfg.retries {
			c.report(fe, errlog.SeverityHigh)
			return nil, fe
		}

		delay := c.baseDelay * time.Duration(attempt)
		c.logger.Debug("request attempt failed, retrying",
			"method", req.Method,
			"url", redactURL(url),
			"attempt", attempt,
			"type", string(fe.Kind),
			"status", fe.Status,
			"delay", delay,
		)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// attempt performs one transport call under the attempt timeout. It
// returns ctx.Err() unchanged when the caller cancelled, and a *Error for
// every classified failure.
func (c *Client) attempt(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if timeout > 0 {
		timer := c.clock.AfterFunc(timeout, func() {
			cancel(errAttemptTimeout)
		})
		defer timer.Stop()
	}

	resp, err := c.transport.Send(attemptCtx, req)
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), errAttemptTimeout) {
			return nil, &Error{
				Kind:   errlog.KindTimeout,
				Method: req.Method,
				URL:    req.URL,
				Err:    fmt.Errorf("no response within %s", timeout),
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := errlog.KindNetworkError
		if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrResponseTooLarge) {
			kind = errlog.KindClientError
		}
		return nil, &Error{Kind: kind, Method: req.Method, URL: req.URL, Err: err}
	}

	if resp.OK() {
		return resp, nil
	}

	fe := &Error{
		Kind:   classifyStatus(resp.Status),
		Method: req.Method,
		URL:    req.URL,
		Status: resp.Status,
		Body:   truncateBody(resp.Body),
		Err:    fmt.Errorf("%s", http.StatusText(resp.Status)),
	}
	if fe.Kind == errlog.KindRateLimited {
		fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return nil, fe
}

func (c *Client) report(fe *Error, severity errlog.Severity) {
	ctx := map[string]string{
		"method":   fe.Method,
		"url":      redactURL(fe.URL),
		"attempts": strconv.Itoa(fe.Attempts),
	}
	if fe.Status != 0 {
		ctx["status"] = strconv.Itoa(fe.Status)
	}
	c.sink.LogError(errlog.Entry{
		Kind:     fe.Kind,
		Message:  fmt.Sprintf("request to %s failed", redactURL(fe.URL)),
		Err:      fe,
		Severity: severity,
		Context:  ctx,
	})
}

func truncateBody(b []byte) []byte {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// parseRetryAfter reads a delay-seconds Retry-After value. HTTP-date
// values are ignored.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
