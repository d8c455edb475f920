// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit implements the client-side request limiter used before
// every outbound provider call.
//
// Each key (by default the request URL) has a Policy combining a minimum
// interval between consecutive requests and a cap on requests within a
// trailing window. State is created lazily and lives as long as the
// Limiter; Prune drops timestamps that fell out of their window.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/aihub/internal/clock"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy is the limit applied to one key.
type Policy struct {
	// MinInterval is the minimum time between two requests. Zero disables
	// the check.
	MinInterval time.Duration `toml:"min_interval" json:"min_interval" yaml:"min_interval"`

	// MaxRequests is the cap on requests within Window. Zero or less
	// disables the window check.
	MaxRequests int `toml:"max_requests" json:"max_requests" yaml:"max_requests"`

	// Window is the trailing duration MaxRequests applies to.
	Window time.Duration `toml:"window" json:"window" yaml:"window"`
}

// DefaultPolicy returns the policy used for keys that were never
// configured: 100ms between requests and 60 requests per minute.
func DefaultPolicy() Policy {
	return Policy{
		MinInterval: 100 * time.Millisecond,
		MaxRequests: 60,
		Window:      time.Minute,
	}
}

func (p Policy) windowed() bool {
	return p.MaxRequests > 0 && p.Window > 0
}

// Reason explains a rejection.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonMinInterval Reason = "min_interval"
	ReasonWindowFull  Reason = "window_full"
)

// Decision is the outcome of evaluating a key.
type Decision struct {
	Allowed bool
	Reason  Reason

	// RetryAfter is how long until the request would be allowed. It is
	// zero when Allowed is true.
	RetryAfter time.Duration
}

// Status describes a key's current usage.
type Status struct {
	Key         string
	Policy      Policy
	Used        int
	Remaining   int
	LastRequest time.Time
	RetryAfter  time.Duration
}

// =============================================================================
// LIMITER
// =============================================================================

type state struct {
	policy     Policy
	timestamps []time.Time // oldest first
	last       time.Time
	hasLast    bool
}

// Limiter tracks request timestamps per key. It is safe for concurrent use.
type Limiter struct {
	mu       sync.RWMutex
	states   map[string]*state
	policies map[string]Policy // configured policies for keys without state yet
	def      Policy
	clock    clock.Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock.OrReal(c)
	}
}

// WithDefaultPolicy replaces the policy used for unconfigured keys.
func WithDefaultPolicy(p Policy) Option {
	return func(l *Limiter) {
		l.def = p
	}
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		states:   make(map[string]*state),
		policies: make(map[string]Policy),
		def:      DefaultPolicy(),
		clock:    clock.Real,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetPolicy configures key, discarding any recorded history for it.
func (l *Limiter) SetPolicy(key string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[key] = p
	delete(l.states, key)
}

// Policy returns the policy in effect for key.
func (l *Limiter) Policy(key string) Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policyLocked(key)
}

func (l *Limiter) policyLocked(key string) Policy {
	if s, ok := l.states[key]; ok {
		return s.policy
	}
	if p, ok := l.policies[key]; ok {
		return p
	}
	return l.def
}

// Check reports whether a request for key issued now would be allowed.
// It does not change any state.
func (l *Limiter) Check(key string) bool {
	return l.Evaluate(key).Allowed
}

// Evaluate is Check with the reason and retry delay.
func (l *Limiter) Evaluate(key string) Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evaluateLocked(key, l.clock.Now())
}

func (l *Limiter) evaluateLocked(key string, now time.Time) Decision {
	p := l.policyLocked(key)
	s, ok := l.states[key]
	if !ok {
		return Decision{Allowed: true}
	}

	if s.hasLast && p.MinInterval > 0 {
		if since := now.Sub(s.last); since < p.MinInterval {
			return Decision{Reason: ReasonMinInterval, RetryAfter: p.MinInterval - since}
		}
	}

	if p.windowed() {
		inWindow := s.timestamps[firstInWindow(s.timestamps, now, p.Window):]
		if len(inWindow) >= p.MaxRequests {
			// The request becomes allowed once enough of the oldest
			// timestamps have aged out.
			oldest := inWindow[len(inWindow)-p.MaxRequests]
			return Decision{Reason: ReasonWindowFull, RetryAfter: oldest.Add(p.Window).Sub(now)}
		}
	}
	return Decision{Allowed: true}
}

// firstInWindow returns the index of the first timestamp younger than
// window at now.
func firstInWindow(ts []time.Time, now time.Time, window time.Duration) int {
	return sort.Search(len(ts), func(i int) bool {
		return now.Sub(ts[i]) < window
	})
}

// Record notes that a request for key was issued now.
func (l *Limiter) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(key, l.clock.Now())
}

func (l *Limiter) recordLocked(key string, now time.Time) {
	s, ok := l.states[key]
	if !ok {
		s = &state{policy: l.policyLocked(key)}
		l.states[key] = s
	}
	s.timestamps = append(s.timestamps, now)
	if s.policy.Window > 0 {
		s.timestamps = s.timestamps[firstInWindow(s.timestamps, now, s.policy.Window):]
	}
	s.last = now
	s.hasLast = true
}

// Acquire checks and records key in one step. Nothing is recorded when
// the request is rejected.
func (l *Limiter) Acquire(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	d := l.evaluateLocked(key, now)
	if d.Allowed {
		l.recordLocked(key, now)
	}
	return d
}

// Status reports usage for key.
func (l *Limiter) Status(key string) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := l.clock.Now()
	p := l.policyLocked(key)
	st := Status{Key: key, Policy: p}

	if s, ok := l.states[key]; ok {
		if p.Window > 0 {
			st.Used = len(s.timestamps) - firstInWindow(s.timestamps, now, p.Window)
		} else {
			st.Used = len(s.timestamps)
		}
		st.LastRequest = s.last
	}
	if p.windowed() {
		st.Remaining = max(p.MaxRequests-st.Used, 0)
	} else {
		st.Remaining = -1
	}
	st.RetryAfter = l.evaluateLocked(key, now).RetryAfter
	return st
}

// Keys returns every key with recorded state or a configured policy.
func (l *Limiter) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{}, len(l.states)+len(l.policies))
	for k := range l.states {
		seen[k] = struct{}{}
	}
	for k := range l.policies {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Prune drops timestamps outside their window for every key and returns
// how many were removed. The last-request time is kept.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	removed := 0
	for _, s := range l.states {
		if s.policy.Window <= 0 {
			continue
		}
		i := firstInWindow(s.timestamps, now, s.policy.Window)
		removed += i
		s.timestamps = s.timestamps[i:]
	}
	return removed
}
