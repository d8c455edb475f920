// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// MaxResponseSize is the default cap on response bodies read by
	// HTTPTransport.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// DefaultUserAgent is sent when a request sets no User-Agent.
	DefaultUserAgent = "aihub/0.1"
)

var (
	// ErrResponseTooLarge is returned when a body exceeds the size cap.
	ErrResponseTooLarge = errors.New("response exceeded maximum size")

	// ErrInvalidRequest is returned when a request cannot be built, for
	// example because its URL does not parse.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is one outbound call. Transports must not modify it; the same
// Request is reused across retries.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Transport sends a single request. It returns an error only when no
// response was received; non-2xx statuses are returned as responses.
// Errors wrapping ErrInvalidRequest or ErrResponseTooLarge are never
// retried.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// =============================================================================
// HTTP TRANSPORT
// =============================================================================

// sharedHTTPClient pools connections for every HTTPTransport that was not
// given its own client. Timeouts are applied per attempt by Client, so the
// client itself has none.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// HTTPTransport sends requests with net/http.
type HTTPTransport struct {
	client    *http.Client
	maxBody   int64
	userAgent string
	logger    *slog.Logger
}

// NewHTTPTransport creates a transport using the shared pooled client.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client:    sharedHTTPClient,
		maxBody:   MaxResponseSize,
		userAgent: DefaultUserAgent,
		logger:    slog.Default(),
	}
}

// WithHTTPClient replaces the underlying client.
func (t *HTTPTransport) WithHTTPClient(c *http.Client) *HTTPTransport {
	if c != nil {
		t.client = c
	}
	return t
}

// WithMaxResponseSize sets the body size cap.
func (t *HTTPTransport) WithMaxResponseSize(n int64) *HTTPTransport {
	if n > 0 {
		t.maxBody = n
	}
	return t
}

// WithUserAgent sets the User-Agent sent when the request has none.
func (t *HTTPTransport) WithUserAgent(ua string) *HTTPTransport {
	t.userAgent = ua
	return t
}

// WithLogger sets the logger.
func (t *HTTPTransport) WithLogger(l *slog.Logger) *HTTPTransport {
	if l != nil {
		t.logger = l
	}
	return t
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	// Headers and bodies may carry credentials and are never logged.
	t.logger.Debug("http request", "method", method, "url", redactURL(req.URL))
	start := time.Now()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := t.readResponse(resp)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("http response", "status", resp.StatusCode, "duration", time.Since(start))

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// readResponse reads the body with the size cap applied.
func (t *HTTPTransport) readResponse(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > t.maxBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, t.maxBody)
	}
	return data, nil
}
