// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/aihub/internal/clock"
)

func newTestLimiter() (*Limiter, *clock.Fake) {
	fc := clock.NewFake(time.Time{})
	return New(WithClock(fc)), fc
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, 100*time.Millisecond, p.MinInterval)
	require.Equal(t, 60, p.MaxRequests)
	require.Equal(t, time.Minute, p.Window)

	l, _ := newTestLimiter()
	require.Equal(t, p, l.Policy("https://never.configured"))
}

func TestLimiter_Window(t *testing.T) {
	l, fc := newTestLimiter()
	l.SetPolicy("k", Policy{MaxRequests: 3, Window: time.Second})
	start := fc.Now()

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("k"))
		l.Record("k")
		fc.Advance(100 * time.Millisecond)
	}

	require.False(t, l.Check("k"))
	d := l.Evaluate("k")
	require.Equal(t, ReasonWindowFull, d.Reason)
	require.Equal(t, 700*time.Millisecond, d.RetryAfter)

	fc.Set(start.Add(time.Second + time.Millisecond))
	require.True(t, l.Check("k"))
}

func TestLimiter_CheckIsPure(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetPolicy("k", Policy{MaxRequests: 1, Window: time.Second})

	for i := 0; i < 10; i++ {
		require.True(t, l.Check("k"))
	}
	require.Zero(t, l.Status("k").Used)
	require.True(t, l.Status("k").LastRequest.IsZero())
}

func TestLimiter_MinInterval(t *testing.T) {
	l, fc := newTestLimiter()

	l.Record("k")
	d := l.Evaluate("k")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonMinInterval, d.Reason)
	require.Equal(t, 100*time.Millisecond, d.RetryAfter)

	fc.Advance(99 * time.Millisecond)
	require.False(t, l.Check("k"))

	fc.Advance(time.Millisecond)
	require.True(t, l.Check("k"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	l.Record("a")
	require.False(t, l.Check("a"))
	require.True(t, l.Check("b"))
}

func TestLimiter_SetPolicyResetsState(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetPolicy("k", Policy{MaxRequests: 1, Window: time.Minute})
	l.Record("k")
	require.False(t, l.Check("k"))

	l.SetPolicy("k", Policy{MaxRequests: 1, Window: time.Minute})
	require.True(t, l.Check("k"))
	require.Zero(t, l.Status("k").Used)
}

func TestLimiter_Acquire(t *testing.T) {
	l, fc := newTestLimiter()
	l.SetPolicy("k", Policy{MinInterval: 10 * time.Millisecond, MaxRequests: 2, Window: time.Second})

	require.True(t, l.Acquire("k").Allowed)
	require.Equal(t, ReasonMinInterval, l.Acquire("k").Reason)

	fc.Advance(10 * time.Millisecond)
	require.True(t, l.Acquire("k").Allowed)

	fc.Advance(10 * time.Millisecond)
	d := l.Acquire("k")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonWindowFull, d.Reason)
	require.Equal(t, 2, l.Status("k").Used, "rejected acquisitions are not recorded")
}

func TestLimiter_AcquireConcurrent(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetPolicy("k", Policy{MaxRequests: 25, Window: time.Hour})

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("k").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 25, allowed)
}

func TestLimiter_UnlimitedPolicy(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetPolicy("k", Policy{})
	for i := 0; i < 1000; i++ {
		require.True(t, l.Acquire("k").Allowed)
	}
	require.Equal(t, -1, l.Status("k").Remaining)
}

func TestLimiter_Status(t *testing.T) {
	l, fc := newTestLimiter()
	l.SetPolicy("k", Policy{MaxRequests: 5, Window: time.Second})
	l.Record("k")
	fc.Advance(200 * time.Millisecond)
	l.Record("k")

	st := l.Status("k")
	require.Equal(t, "k", st.Key)
	require.Equal(t, 2, st.Used)
	require.Equal(t, 3, st.Remaining)
	require.Equal(t, fc.Now(), st.LastRequest)
	require.Zero(t, st.RetryAfter)
}

func TestLimiter_Prune(t *testing.T) {
	l, fc := newTestLimiter()
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		l.SetPolicy(key, Policy{MaxRequests: 10, Window: time.Second})
		l.Record(key)
		l.Record(key)
	}

	require.Zero(t, l.Prune())
	fc.Advance(2 * time.Second)
	require.Equal(t, 6, l.Prune())
	require.Zero(t, l.Status("k0").Used)
	require.False(t, l.Status("k0").LastRequest.IsZero(), "prune keeps the last request time")
}

func TestLimiter_Keys(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetPolicy("b", DefaultPolicy())
	l.Record("a")
	l.Record("b")
	require.Equal(t, []string{"a", "b"}, l.Keys())
}
