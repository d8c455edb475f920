// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package event provides the in-process publish/subscribe bus that
// decouples "a request finished" from the components that react to it.
//
// Subscribers register a Handler for an event name, optionally with a
// priority, or for every event with OnAny. An emission runs three tiers in
// a fixed order: wildcard subscribers, then one-shot subscribers, then
// durable subscribers by descending priority. Handler failures are caught
// per handler and reported to an errlog.Sink; they never reach the emitter
// or sibling handlers.
//
// Typed access is available through Topic, Subscribe and Publish.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/jeranaias/aihub/internal/clock"
	"github.com/jeranaias/aihub/internal/errlog"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize sets how many emissions are remembered. Zero disables
// history.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.history = newHistory(n)
		}
	}
}

// WithSink sets where handler failures and rejected calls are reported.
func WithSink(s errlog.Sink) Option {
	return func(b *Bus) {
		b.sink = errlog.OrDiscard(s)
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock sets the clock used to timestamp history records.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) {
		b.clock = clock.OrReal(c)
	}
}

// =============================================================================
// BUS
// =============================================================================

// Stats holds bus counters.
type Stats struct {
	// Emitted counts emissions made while the bus was enabled.
	Emitted int64

	// Dropped counts emissions made while the bus was disabled.
	Dropped int64

	// Delivered counts handler calls that returned without error.
	Delivered int64

	// Failed counts handler calls that returned an error or panicked.
	Failed int64

	// Subscriptions is the number of registered subscriptions.
	Subscriptions int
}

// Bus is an event dispatcher. The zero value is not usable; create one
// with New. A Bus is safe for concurrent use, and handlers may call back
// into it.
type Bus struct {
	mu       sync.RWMutex
	durable  map[string][]*Subscription // sorted by descending priority
	once     map[string][]*Subscription // sorted by descending priority
	wildcard []*Subscription            // registration order

	enabled atomic.Bool
	nextID  atomic.Uint64

	history *history
	sink    errlog.Sink
	logger  *slog.Logger
	clock   clock.Clock

	emitted   atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// New creates an enabled Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		durable: make(map[string][]*Subscription),
		once:    make(map[string][]*Subscription),
		history: newHistory(DefaultHistorySize),
		sink:    errlog.Discard,
		logger:  slog.Default(),
		clock:   clock.Real,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.enabled.Store(true)
	return b
}

// =============================================================================
// SUBSCRIBE / UNSUBSCRIBE
// =============================================================================

// On registers a durable handler for name. Subscribing to Wildcard is the
// same as OnAny. An empty name or nil handler is reported as an invalid
// argument and a no-op subscription is returned.
func (b *Bus) On(name string, h Handler, opts ...SubscribeOption) *Subscription {
	return b.subscribe(name, h, false, opts)
}

// Once registers a handler that is removed before its first invocation.
// It stays registered until an emission for name happens.
func (b *Bus) Once(name string, h Handler, opts ...SubscribeOption) *Subscription {
	return b.subscribe(name, h, true, opts)
}

// OnAny registers a handler for every event. Wildcard handlers run before
// name-specific ones, in registration order.
func (b *Bus) OnAny(h Handler) *Subscription {
	return b.subscribe(Wildcard, h, false, nil)
}

func (b *Bus) subscribe(name string, h Handler, once bool, opts []SubscribeOption) *Subscription {
	if name == "" {
		b.reject("subscribe", name, ErrInvalidName)
		return noopSubscription()
	}
	if h == nil {
		b.reject("subscribe", name, ErrNilHandler)
		return noopSubscription()
	}

	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription{
		id:       b.nextID.Add(1),
		name:     name,
		handler:  h,
		priority: cfg.priority,
		once:     once,
		bus:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case name == Wildcard:
		b.wildcard = append(b.wildcard, sub)
	case once:
		b.once[name] = insertByPriority(b.once[name], sub)
	default:
		b.durable[name] = insertByPriority(b.durable[name], sub)
	}
	return sub
}

// insertByPriority returns a copy of subs with sub placed after every
// entry of equal or higher priority, so ties keep registration order.
// The input slice is never modified since emissions may hold it.
func insertByPriority(subs []*Subscription, sub *Subscription) []*Subscription {
	i := sort.Search(len(subs), func(i int) bool {
		return subs[i].priority < sub.priority
	})
	out := make([]*Subscription, 0, len(subs)+1)
	out = append(out, subs[:i]...)
	out = append(out, sub)
	return append(out, subs[i:]...)
}

// Off removes sub if it is registered under name. It is a no-op otherwise.
func (b *Bus) Off(name string, sub *Subscription) {
	if sub == nil || sub.bus != b || sub.name != name {
		return
	}
	b.remove(sub)
}

// OffAll removes every subscription for the given names. With no names it
// removes every subscription on the bus, wildcard ones included.
func (b *Bus) OffAll(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(names) == 0 {
		for _, subs := range b.durable {
			markRemoved(subs)
		}
		for _, subs := range b.once {
			markRemoved(subs)
		}
		markRemoved(b.wildcard)
		b.durable = make(map[string][]*Subscription)
		b.once = make(map[string][]*Subscription)
		b.wildcard = nil
		return
	}

	for _, name := range names {
		if name == Wildcard {
			markRemoved(b.wildcard)
			b.wildcard = nil
			continue
		}
		markRemoved(b.durable[name])
		markRemoved(b.once[name])
		delete(b.durable, name)
		delete(b.once, name)
	}
}

// detachOnce returns subs without its one-shot entries, marking them removed.
func detachOnce(subs []*Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s.once {
			s.removed.Store(true)
			continue
		}
		out = append(out, s)
	}
	return out
}

func markRemoved(subs []*Subscription) {
	for _, s := range subs {
		s.removed.Store(true)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !sub.removed.CompareAndSwap(false, true) {
		return
	}
	switch {
	case sub.name == Wildcard:
		b.wildcard = without(b.wildcard, sub)
	case sub.once:
		b.once[sub.name] = without(b.once[sub.name], sub)
		if len(b.once[sub.name]) == 0 {
			delete(b.once, sub.name)
		}
	default:
		b.durable[sub.name] = without(b.durable[sub.name], sub)
		if len(b.durable[sub.name]) == 0 {
			delete(b.durable, sub.name)
		}
	}
}

// without returns a new slice so snapshots taken by in-flight emissions
// are never mutated.
func without(subs []*Subscription, sub *Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// EMIT
// =============================================================================

// Emit delivers payload to every matching handler on the calling
// goroutine and returns once all of them have run. A nil payload is
// delivered as an empty map. Emit does nothing while the bus is disabled.
func (b *Bus) Emit(ctx context.Context, name string, payload any) {
	tiers, ok := b.prepare(name, &payload)
	if !ok {
		return
	}
	for _, tier := range tiers {
		for _, sub := range tier {
			b.invoke(ctx, sub, name, payload)
		}
	}
}

// EmitAsync records the emission and detaches one-shot subscribers
// immediately, then runs the handlers of each tier concurrently on a
// separate goroutine. Tiers still run in order. The returned channel is
// closed once every handler has returned.
func (b *Bus) EmitAsync(ctx context.Context, name string, payload any) <-chan struct{} {
	done := make(chan struct{})
	tiers, ok := b.prepare(name, &payload)
	if !ok {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		for _, tier := range tiers {
			var wg conc.WaitGroup
			for _, sub := range tier {
				wg.Go(func() {
					b.invoke(ctx, sub, name, payload)
				})
			}
			wg.Wait()
		}
	}()
	return done
}

// prepare validates the emission, records it in history and snapshots the
// three handler tiers. One-shot subscribers are removed from the registry
// here, before any handler runs.
func (b *Bus) prepare(name string, payload *any) ([3][]*Subscription, bool) {
	var tiers [3][]*Subscription
	if !b.enabled.Load() {
		b.dropped.Add(1)
		return tiers, false
	}
	if name == "" {
		b.reject("emit", name, ErrInvalidName)
		return tiers, false
	}
	if *payload == nil {
		*payload = map[string]any{}
	}

	b.emitted.Add(1)
	b.history.add(Record{Name: name, Payload: *payload, Timestamp: b.clock.Now()})

	b.mu.Lock()
	defer b.mu.Unlock()

	tiers[0] = b.wildcard
	for _, sub := range b.wildcard {
		if sub.once {
			b.wildcard = detachOnce(b.wildcard)
			break
		}
	}
	if once := b.once[name]; len(once) > 0 {
		markRemoved(once)
		tiers[1] = once
		delete(b.once, name)
	}
	tiers[2] = b.durable[name]
	return tiers, true
}

// invoke runs one handler, converting an error or panic into a report.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, name string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailed(sub, name, &PanicError{
				SubscriptionID: sub.id,
				Event:          name,
				Value:          r,
				Stack:          string(debug.Stack()),
			})
		}
	}()

	if err := sub.handler(ctx, payload, name); err != nil {
		b.handlerFailed(sub, name, &HandlerError{SubscriptionID: sub.id, Event: name, Err: err})
		return
	}
	b.delivered.Add(1)
}

func (b *Bus) handlerFailed(sub *Subscription, name string, err error) {
	b.failed.Add(1)
	b.logger.Warn("event handler failed", "event", name, "subscription", sub.id, "error", err)
	b.sink.LogError(errlog.Entry{
		Kind:     errlog.KindHandlerError,
		Message:  fmt.Sprintf("handler for %q failed", name),
		Err:      err,
		Severity: errlog.SeverityMedium,
		Context: map[string]string{
			"event":        name,
			"subscription": strconv.FormatUint(sub.id, 10),
		},
	})
}

func (b *Bus) reject(op, name string, err error) {
	b.logger.Debug("rejected event bus call", "op", op, "event", name, "error", err)
	b.sink.LogError(errlog.Entry{
		Kind:     errlog.KindInvalidArgument,
		Message:  "invalid event bus " + op + " call",
		Err:      err,
		Severity: errlog.SeverityLow,
		Context:  map[string]string{"op": op, "event": name},
	})
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasListeners reports whether name has any durable or one-shot
// subscribers. Wildcard subscribers are not counted.
func (b *Bus) HasListeners(name string) bool {
	return b.ListenerCount(name) > 0
}

// ListenerCount returns the number of durable and one-shot subscribers
// for name. ListenerCount(Wildcard) returns the wildcard subscriber count.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if name == Wildcard {
		return len(b.wildcard)
	}
	return len(b.durable[name]) + len(b.once[name])
}

// EventNames returns the sorted names that have at least one subscriber.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{}, len(b.durable)+len(b.once))
	for name := range b.durable {
		seen[name] = struct{}{}
	}
	for name := range b.once {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enable resumes delivery after Disable.
func (b *Bus) Enable() {
	b.enabled.Store(true)
}

// Disable turns Emit into a no-op without unregistering anything. No
// history is recorded while disabled.
func (b *Bus) Disable() {
	b.enabled.Store(false)
}

// Enabled reports whether the bus delivers events.
func (b *Bus) Enabled() bool {
	return b.enabled.Load()
}

// History returns up to limit recorded emissions, newest first. An empty
// name matches every event; a limit of zero or less returns everything.
func (b *Bus) History(name string, limit int) []Record {
	return b.history.list(name, limit)
}

// ClearHistory forgets every recorded emission.
func (b *Bus) ClearHistory() {
	b.history.clear()
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.wildcard)
	for _, subs := range b.durable {
		n += len(subs)
	}
	for _, subs := range b.once {
		n += len(subs)
	}
	b.mu.RUnlock()

	return Stats{
		Emitted:       b.emitted.Load(),
		Dropped:       b.dropped.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		Subscriptions: n,
	}
}
