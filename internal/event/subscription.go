// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"context"
	"sync/atomic"
)

// Wildcard is the event name that matches every emission.
const Wildcard = "*"

// Handler receives an event payload and the name it was emitted under.
// A handler fails by returning an error or panicking; either way the
// failure is reported and other handlers still run.
type Handler func(ctx context.Context, payload any, name string) error

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	priority int
}

// WithPriority sets the subscription priority. Higher values run first;
// equal priorities run in registration order. The default is 0.
func WithPriority(p int) SubscribeOption {
	return func(c *subscribeConfig) {
		c.priority = p
	}
}

// Subscription is the handle returned by On, Once and OnAny. It is the
// identity used by Off and its Unsubscribe method removes exactly this
// subscription.
type Subscription struct {
	id       uint64
	name     string
	handler  Handler
	priority int
	once     bool
	bus      *Bus
	removed  atomic.Bool
}

// noopSubscription is handed out for rejected calls.
func noopSubscription() *Subscription {
	s := &Subscription{}
	s.removed.Store(true)
	return s
}

// ID returns the subscription's bus-unique identifier. It is zero for a
// rejected subscription.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Name returns the subscribed event name, or Wildcard.
func (s *Subscription) Name() string {
	return s.name
}

// Priority returns the subscription priority.
func (s *Subscription) Priority() int {
	return s.priority
}

// Once reports whether the subscription is removed after its first call.
func (s *Subscription) Once() bool {
	return s.once
}

// Active reports whether the subscription is still registered.
func (s *Subscription) Active() bool {
	return s != nil && !s.removed.Load()
}

// Unsubscribe removes the subscription. Calling it more than once, or on
// a subscription that already fired or was cleared, is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s)
}
