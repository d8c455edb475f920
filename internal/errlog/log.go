// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package errlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jeranaias/aihub/internal/clock"
)

// DefaultCapacity is how many entries Log keeps in memory.
const DefaultCapacity = 50

// Log is the application's Sink. It is safe for concurrent use.
type Log struct {
	mu         sync.Mutex
	entries    []Entry // newest first
	capacity   int
	suppressed int

	logger *slog.Logger
	clock  clock.Clock
	store  *Store

	notify        func(Entry)
	notifyLimiter *rate.Limiter
	minNotify     Severity
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the structured logger entries are written to.
func WithLogger(l *slog.Logger) Option {
	return func(g *Log) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock sets the clock used for timestamps and notification throttling.
func WithClock(c clock.Clock) Option {
	return func(g *Log) {
		g.clock = clock.OrReal(c)
	}
}

// WithCapacity sets the in-memory history size.
func WithCapacity(n int) Option {
	return func(g *Log) {
		if n > 0 {
			g.capacity = n
		}
	}
}

// WithStore writes every entry through to a persistent store.
func WithStore(s *Store) Option {
	return func(g *Log) {
		g.store = s
	}
}

// WithNotify registers fn to be called for entries at or above minSeverity.
// At most burst notifications are delivered at once, refilling one per
// every; entries over the budget are still recorded but not announced.
func WithNotify(fn func(Entry), minSeverity Severity, every time.Duration, burst int) Option {
	return func(g *Log) {
		g.notify = fn
		g.minNotify = minSeverity
		if burst <= 0 {
			burst = 1
		}
		g.notifyLimiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// NewLog creates a Log.
func NewLog(opts ...Option) *Log {
	g := &Log{
		capacity:  DefaultCapacity,
		logger:    slog.Default(),
		clock:     clock.Real,
		minNotify: SeverityMedium,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LogError implements Sink. Missing IDs, timestamps and severities are
// filled in before the entry is recorded.
func (g *Log) LogError(e Entry) string {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = g.clock.Now()
	}
	if e.Severity == "" {
		e.Severity = SeverityMedium
	}

	g.logger.Log(context.Background(), levelFor(e.Severity), e.Message,
		"id", e.ID,
		"type", string(e.Kind),
		"severity", string(e.Severity),
		"error", e.Detail(),
	)

	g.mu.Lock()
	g.entries = append([]Entry{e}, g.entries...)
	if len(g.entries) > g.capacity {
		g.entries = g.entries[:g.capacity]
	}
	announce := g.notify != nil && e.Severity.Rank() >= g.minNotify.Rank()
	if announce && !g.notifyLimiter.AllowN(e.Timestamp, 1) {
		announce = false
		g.suppressed++
	}
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Insert(context.Background(), e); err != nil {
			g.logger.Warn("failed to persist error entry", "id", e.ID, "error", err)
		}
	}
	if announce {
		g.notify(e)
	}
	return e.ID
}

// Recent returns up to limit entries, newest first. A limit of zero or
// less returns everything held in memory.
func (g *Log) Recent(limit int) []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, g.entries[:n])
	return out
}

// Count returns the number of entries held in memory.
func (g *Log) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Suppressed returns how many notifications were dropped by throttling.
func (g *Log) Suppressed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suppressed
}

// Clear empties the in-memory history. The store is left alone.
func (g *Log) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = nil
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityLow:
		return slog.LevelInfo
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
