// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/aihub/internal/clock"
	"github.com/jeranaias/aihub/internal/config"
	"github.com/jeranaias/aihub/internal/errlog"
	"github.com/jeranaias/aihub/internal/ratelimit"
)

const testURL = "https://api.example.com/v1/chat/completions"

// recordingSink collects reported entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []errlog.Entry
}

func (s *recordingSink) LogError(e errlog.Entry) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return "id"
}

func (s *recordingSink) all() []errlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]errlog.Entry(nil), s.entries...)
}

// statusSequence returns a transport that replies with the given statuses
// in order, repeating the last one.
func statusSequence(calls *atomic.Int32, statuses ...int) Transport {
	return TransportFunc(func(_ context.Context, _ *Request) (*Response, error) {
		n := int(calls.Add(1))
		status := statuses[min(n, len(statuses))-1]
		return &Response{Status: status, Header: http.Header{}, Body: []byte(http.StatusText(status))}, nil
	})
}

func newTestClient(t *testing.T, tr Transport, opts ...Option) (*Client, *clock.Fake, *recordingSink) {
	t.Helper()
	fc := clock.NewFake(time.Time{})
	sink := &recordingSink{}
	base := []Option{
		WithTransport(tr),
		WithClock(fc),
		WithSink(sink),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(append(base, opts...)...), fc, sink
}

// =============================================================================
// RETRY / BACKOFF
// =============================================================================

func TestDo_RetriesServerErrorsWithLinearBackoff(t *testing.T) {
	var calls atomic.Int32
	c, fc, sink := newTestClient(t, statusSequence(&calls, 503, 503, 200))

	resp, err := c.Do(context.Background(), testURL, WithRetries(3))
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.EqualValues(t, 3, calls.Load())

	if diff := cmp.Diff([]time.Duration{1 * time.Second, 2 * time.Second}, fc.Sleeps()); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
	require.Empty(t, sink.all(), "recovered requests are not reported")
}

func TestDo_ExhaustionReportedOnceAsHigh(t *testing.T) {
	var calls atomic.Int32
	c, fc, sink := newTestClient(t, statusSequence(&calls, 500), WithBaseDelay(250*time.Millisecond))

	_, err := c.Do(context.Background(), testURL, WithRetries(2))
	require.ErrorIs(t, err, ErrServer)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}, fc.Sleeps())

	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 3, fe.Attempts)
	require.Equal(t, 500, fe.Status)

	entries := sink.all()
	require.Len(t, entries, 1)
	require.Equal(t, errlog.KindServerError, entries[0].Kind)
	require.Equal(t, errlog.SeverityHigh, entries[0].Severity)
	require.Equal(t, "3", entries[0].Context["attempts"])
}

func TestDo_ZeroRetries(t *testing.T) {
	var calls atomic.Int32
	c, fc, _ := newTestClient(t, statusSequence(&calls, 502))

	_, err := c.Do(context.Background(), testURL, WithRetries(0))
	require.ErrorIs(t, err, ErrServer)
	require.EqualValues(t, 1, calls.Load())
	require.Empty(t, fc.Sleeps())
}

// =============================================================================
// NON-RETRY CLASSES
// =============================================================================

func TestDo_TerminalClasses(t *testing.T) {
	tests := []struct {
		status int
		kind   errlog.Kind
		target error
	}{
		{401, errlog.KindAuthError, ErrAuth},
		{403, errlog.KindAuthError, ErrAuth},
		{429, errlog.KindRateLimited, ErrRateLimited},
		{400, errlog.KindClientError, ErrClient},
		{404, errlog.KindClientError, ErrClient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			c, fc, sink := newTestClient(t, statusSequence(&calls, tt.status))

			_, err := c.Do(context.Background(), testURL, WithRetries(3))
			require.ErrorIs(t, err, tt.target)
			require.Equal(t, tt.kind, KindOf(err))
			require.EqualValues(t, 1, calls.Load(), "terminal classes must not consume retries")
			require.Empty(t, fc.Sleeps())

			entries := sink.all()
			require.Len(t, entries, 1)
			require.Equal(t, tt.kind, entries[0].Kind)
			require.Equal(t, errlog.SeverityMedium, entries[0].Severity)
		})
	}
}

func TestDo_RateLimitedParsesRetryAfter(t *testing.T) {
	tr := TransportFunc(func(context.Context, *Request) (*Response, error) {
		h := http.Header{}
		h.Set("Retry-After", "17")
		return &Response{Status: 429, Header: h}, nil
	})
	c, _, _ := newTestClient(t, tr)

	_, err := c.Do(context.Background(), testURL)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 17*time.Second, fe.RetryAfter)
}

// =============================================================================
// NETWORK ERRORS
// =============================================================================

func TestDo_NetworkErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	reset := errors.New("connection reset by peer")
	tr := TransportFunc(func(context.Context, *Request) (*Response, error) {
		if calls.Add(1) == 1 {
			return nil, reset
		}
		return &Response{Status: 204}, nil
	})
	c, fc, _ := newTestClient(t, tr)

	resp, err := c.Do(context.Background(), testURL)
	require.NoError(t, err)
	require.Equal(t, 204, resp.Status)
	require.Equal(t, []time.Duration{time.Second}, fc.Sleeps())
}

func TestDo_NetworkErrorExhausted(t *testing.T) {
	reset := errors.New("connection refused")
	tr := TransportFunc(func(context.Context, *Request) (*Response, error) {
		return nil, reset
	})
	c, _, sink := newTestClient(t, tr)

	_, err := c.Do(context.Background(), testURL, WithRetries(1))
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, reset)
	require.Len(t, sink.all(), 1)
}

func TestDo_UnusableRequestIsNotRetried(t *testing.T) {
	for _, cause := range []error{ErrInvalidRequest, ErrResponseTooLarge} {
		t.Run(cause.Error(), func(t *testing.T) {
			var calls atomic.Int32
			tr := TransportFunc(func(context.Context, *Request) (*Response, error) {
				calls.Add(1)
				return nil, cause
			})
			c, fc, sink := newTestClient(t, tr)

			_, err := c.Do(context.Background(), testURL, WithRetries(3))
			require.ErrorIs(t, err, ErrClient)
			require.ErrorIs(t, err, cause)
			require.NotErrorIs(t, err, ErrNetwork)
			require.EqualValues(t, 1, calls.Load())
			require.Empty(t, fc.Sleeps())

			entries := sink.all()
			require.Len(t, entries, 1)
			require.Equal(t, errlog.KindClientError, entries[0].Kind)
			require.Equal(t, errlog.SeverityMedium, entries[0].Severity)
		})
	}
}

// =============================================================================
// TIMEOUT
// =============================================================================

func TestDo_TimeoutRespectsRetryBudget(t *testing.T) {
	const timeout = 5 * time.Second
	called := make(chan struct{})
	var calls atomic.Int32
	tr := TransportFunc(func(ctx context.Context, _ *Request) (*Response, error) {
		calls.Add(1)
		called <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, fc, sink := newTestClient(t, tr)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), testURL, WithRetries(2), WithTimeout(timeout))
		errc <- err
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-called:
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt %d never started", i+1)
		}
		fc.Advance(timeout)
	}

	var err error
	select {
	case err = <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return")
	}

	require.ErrorIs(t, err, ErrTimeout)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fc.Sleeps())
	require.Zero(t, fc.PendingTimers())

	entries := sink.all()
	require.Len(t, entries, 1)
	require.Equal(t, errlog.KindTimeout, entries[0].Kind)
	require.Equal(t, errlog.SeverityHigh, entries[0].Severity)
}

func TestDo_TimerStoppedOnSuccess(t *testing.T) {
	var calls atomic.Int32
	c, fc, _ := newTestClient(t, statusSequence(&calls, 200))

	_, err := c.Do(context.Background(), testURL)
	require.NoError(t, err)
	require.Zero(t, fc.PendingTimers())
}

// =============================================================================
// RATE LIMITER
// =============================================================================

func TestDo_LimiterRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, fc, sink := newTestClient(t, statusSequence(&calls, 200))
	c.SetRateLimit("provider", ratelimit.Policy{MaxRequests: 1, Window: time.Minute})

	_, err := c.Do(context.Background(), testURL, WithRateLimitKey("provider"))
	require.NoError(t, err)

	_, err = c.Do(context.Background(), testURL+"?other", WithRateLimitKey("provider"), WithRetries(3))
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	require.EqualValues(t, 1, calls.Load())
	require.Empty(t, fc.Sleeps())

	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, time.Minute, fe.RetryAfter)

	entries := sink.all()
	require.Len(t, entries, 1)
	require.Equal(t, errlog.KindRateLimitExceeded, entries[0].Kind)
}

func TestDo_DefaultKeyIsURL(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestClient(t, statusSequence(&calls, 200))

	_, err := c.Do(context.Background(), testURL)
	require.NoError(t, err)

	// Default policy enforces 100ms between requests to the same URL.
	_, err = c.Do(context.Background(), testURL)
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	_, err = c.Do(context.Background(), "https://api.example.com/v1/images")
	require.NoError(t, err)
	require.Equal(t, 1, c.Limiter().Status(testURL).Used)
}

func TestDo_FailedAttemptsCountAgainstLimiter(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestClient(t, statusSequence(&calls, 503, 503, 200))

	_, err := c.Do(context.Background(), testURL)
	require.NoError(t, err)
	require.Equal(t, 3, c.Limiter().Status(testURL).Used)
}

func TestDo_DefaultPoliciesAllowRetries(t *testing.T) {
	cfg := config.Default()
	cfg.SetDefaults()

	for key, policy := range cfg.Policies() {
		t.Run(key, func(t *testing.T) {
			var calls atomic.Int32
			c, fc, sink := newTestClient(t, statusSequence(&calls, 503, 503, 200),
				WithBaseDelay(cfg.Fetch.BaseDelay()),
				WithDefaultRetries(cfg.Fetch.Retries),
			)
			c.SetRateLimit(key, policy)

			resp, err := c.Do(context.Background(), testURL, WithRateLimitKey(key))
			require.NoError(t, err)
			require.Equal(t, 200, resp.Status)
			require.EqualValues(t, 3, calls.Load())
			require.Len(t, fc.Sleeps(), 2)
			require.Empty(t, sink.all())
		})
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestDo_CallerCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	tr := TransportFunc(func(context.Context, *Request) (*Response, error) {
		calls.Add(1)
		cancel()
		return &Response{Status: 503}, nil
	})
	c, _, sink := newTestClient(t, tr)

	_, err := c.Do(ctx, testURL, WithRetries(3))
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 1, calls.Load())
	require.Empty(t, sink.all(), "cancellation is not reported")
}

func TestDo_CallerCancelInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := TransportFunc(func(ctx context.Context, _ *Request) (*Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, _, sink := newTestClient(t, tr)

	_, err := c.Do(ctx, testURL)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, KindOf(err))
	require.Empty(t, sink.all())
}

// =============================================================================
// REQUEST OPTIONS
// =============================================================================

func TestDo_PassesTransportOptionsThrough(t *testing.T) {
	var got *Request
	tr := TransportFunc(func(_ context.Context, req *Request) (*Response, error) {
		got = req
		return &Response{Status: 200}, nil
	})
	c, _, _ := newTestClient(t, tr)

	_, err := c.Do(context.Background(), testURL,
		WithJSON(map[string]string{"model": "gpt"}),
		WithHeader("Authorization", "Bearer secret"),
	)
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	require.JSONEq(t, `{"model":"gpt"}`, string(got.Body))

	_, err = c.Do(context.Background(), "https://api.example.com/raw", WithMethod(http.MethodPut), WithBody([]byte("x")))
	require.NoError(t, err)
	require.Equal(t, http.MethodPut, got.Method)
	require.Equal(t, []byte("x"), got.Body)
}

func TestDo_InvalidJSONBody(t *testing.T) {
	var calls atomic.Int32
	c, _, sink := newTestClient(t, statusSequence(&calls, 200))

	_, err := c.Do(context.Background(), testURL, WithJSON(make(chan int)))
	require.Error(t, err)
	require.Zero(t, calls.Load())
	require.Empty(t, sink.all())
}

// =============================================================================
// ERRORS
// =============================================================================

func TestError_MessageRedactsQuery(t *testing.T) {
	fe := &Error{
		Kind:     errlog.KindAuthError,
		Method:   http.MethodGet,
		URL:      "https://user:pw@api.example.com/v1?key=secret",
		Status:   401,
		Attempts: 1,
		Err:      errors.New("Unauthorized"),
	}
	msg := fe.Error()
	require.NotContains(t, msg, "secret")
	require.NotContains(t, msg, "pw")
	require.Contains(t, msg, "AuthError")
	require.Contains(t, msg, "HTTP 401")
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]errlog.Kind{
		401: errlog.KindAuthError,
		403: errlog.KindAuthError,
		429: errlog.KindRateLimited,
		500: errlog.KindServerError,
		503: errlog.KindServerError,
		400: errlog.KindClientError,
		418: errlog.KindClientError,
	}
	for status, want := range cases {
		if got := classifyStatus(status); got != want {
			t.Errorf("classifyStatus(%d) = %s, want %s", status, got, want)
		}
	}
}
