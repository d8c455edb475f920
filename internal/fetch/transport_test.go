// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/aihub/internal/ratelimit"
)

func TestHTTPTransport_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("User-Agent = %q, want %q", got, DefaultUserAgent)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"q":1}` {
			t.Errorf("body = %q", body)
		}

		w.Header().Set("X-Request-Id", "abc")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tr := NewHTTPTransport()
	resp, err := tr.Send(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Header: http.Header{"Authorization": {"Bearer token"}},
		Body:   []byte(`{"q":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)
	require.True(t, resp.OK())
	require.Equal(t, "abc", resp.Header.Get("X-Request-Id"))

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, resp.JSON(&out))
	require.True(t, out.OK)
}

func TestHTTPTransport_NonSuccessIsAResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	resp, err := NewHTTPTransport().Send(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.False(t, resp.OK())
	require.Equal(t, "nope", strings.TrimSpace(resp.Text()))
}

func TestHTTPTransport_ResponseSizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	tr := NewHTTPTransport().WithMaxResponseSize(32)
	_, err := tr.Send(context.Background(), &Request{URL: server.URL})
	require.ErrorIs(t, err, ErrResponseTooLarge)

	tr = NewHTTPTransport().WithMaxResponseSize(64)
	resp, err := tr.Send(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)
	require.Len(t, resp.Body, 64)
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewHTTPTransport().Send(context.Background(), &Request{URL: url})
	require.Error(t, err)
}

func TestHTTPTransport_MalformedURL(t *testing.T) {
	_, err := NewHTTPTransport().Send(context.Background(), &Request{URL: "http://[::1"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestClient_OversizedResponseIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	c := New(
		WithTransport(NewHTTPTransport().WithMaxResponseSize(32)),
		WithBaseDelay(time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	c.SetRateLimit(server.URL, ratelimit.Policy{})

	_, err := c.Do(context.Background(), server.URL, WithTimeout(5*time.Second), WithRetries(3))
	require.ErrorIs(t, err, ErrClient)
	require.ErrorIs(t, err, ErrResponseTooLarge)
	require.EqualValues(t, 1, hits.Load())
}

// TestClient_EndToEnd drives the real transport and real clock through a
// server that fails twice before answering.
func TestClient_EndToEnd(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("done"))
	}))
	defer server.Close()

	c := New(
		WithBaseDelay(time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	c.SetRateLimit(server.URL, ratelimit.Policy{MaxRequests: 10, Window: time.Minute})

	resp, err := c.Do(context.Background(), server.URL, WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, "done", resp.Text())
	require.EqualValues(t, 3, hits.Load())
}

func TestClient_EndToEndTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := New(
		WithBaseDelay(time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	c.SetRateLimit(server.URL, ratelimit.Policy{})

	_, err := c.Do(context.Background(), server.URL, WithTimeout(20*time.Millisecond), WithRetries(1))
	require.ErrorIs(t, err, ErrTimeout)
}
