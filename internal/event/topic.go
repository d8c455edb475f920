// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"context"
	"fmt"
)

// Topic binds an event name to its payload type so producers and
// consumers agree on the shape at compile time.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the event name.
func (t Topic[T]) Name() string {
	return t.name
}

// Subscribe registers a typed durable handler. A payload of any other type
// is reported as a handler failure.
func Subscribe[T any](b *Bus, t Topic[T], fn func(ctx context.Context, payload T) error, opts ...SubscribeOption) *Subscription {
	return b.On(t.name, typed(fn), opts...)
}

// SubscribeOnce registers a typed one-shot handler.
func SubscribeOnce[T any](b *Bus, t Topic[T], fn func(ctx context.Context, payload T) error, opts ...SubscribeOption) *Subscription {
	return b.Once(t.name, typed(fn), opts...)
}

// Publish emits payload synchronously on t.
func Publish[T any](ctx context.Context, b *Bus, t Topic[T], payload T) {
	b.Emit(ctx, t.name, payload)
}

// PublishAsync emits payload on t without waiting for handlers.
func PublishAsync[T any](ctx context.Context, b *Bus, t Topic[T], payload T) <-chan struct{} {
	return b.EmitAsync(ctx, t.name, payload)
}

func typed[T any](fn func(ctx context.Context, payload T) error) Handler {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, payload any, name string) error {
		v, ok := payload.(T)
		if !ok {
			var zero T
			return &PayloadTypeError{
				Event: name,
				Want:  fmt.Sprintf("%T", zero),
				Got:   fmt.Sprintf("%T", payload),
			}
		}
		return fn(ctx, v)
	}
}
