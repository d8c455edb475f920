// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"errors"
	"fmt"
)

// Sentinel errors reported to the error sink. Bus methods never return them.
var (
	// ErrInvalidName is reported when an event name is empty.
	ErrInvalidName = errors.New("event name cannot be empty")

	// ErrNilHandler is reported when a nil handler is subscribed.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrHandlerPanic matches any PanicError.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrPayloadType matches any PayloadTypeError.
	ErrPayloadType = errors.New("unexpected payload type")
)

// HandlerError wraps an error returned by a handler.
type HandlerError struct {
	// SubscriptionID identifies the failing subscription.
	SubscriptionID uint64

	// Event is the name the handler was invoked for.
	Event string

	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %d failed on %q: %v", e.SubscriptionID, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	SubscriptionID uint64
	Event          string
	Value          any
	Stack          string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %d panicked on %q: %v", e.SubscriptionID, e.Event, e.Value)
}

// Is allows errors.Is to match PanicError with ErrHandlerPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanic
}

// PayloadTypeError is returned by typed handlers when the payload does not
// have the topic's type.
type PayloadTypeError struct {
	Event string
	Want  string
	Got   string
}

func (e *PayloadTypeError) Error() string {
	return fmt.Sprintf("event %q: payload is %s, want %s", e.Event, e.Got, e.Want)
}

// Is allows errors.Is to match PayloadTypeError with ErrPayloadType.
func (e *PayloadTypeError) Is(target error) bool {
	return target == ErrPayloadType
}
