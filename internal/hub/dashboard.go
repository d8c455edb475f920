// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jeranaias/aihub/internal/clock"
	"github.com/jeranaias/aihub/internal/event"
	"github.com/jeranaias/aihub/internal/event/events"
)

// Counters is a snapshot of the dashboard.
type Counters struct {
	Sent            int64
	Replies         int64
	CodeGenerations int64
	Images          int64
	Saves           int64
	Errors          int64
	Tokens          int64

	// ModeChanges counts mode switches.
	ModeChanges int64

	// LastActivity is when the most recent reply or image arrived.
	LastActivity time.Time
}

// Dashboard counts application activity from bus events. It knows nothing
// about the hub; any producer of the catalogued events feeds it.
type Dashboard struct {
	sent, replies, code, images, saves, errors, tokens, modes atomic.Int64
	last                                                     atomic.Int64 // unix nanos

	clock clock.Clock
	subs  []*event.Subscription
}

// NewDashboard subscribes a dashboard to bus.
func NewDashboard(bus *event.Bus, c clock.Clock) *Dashboard {
	d := &Dashboard{clock: clock.OrReal(c)}
	d.subs = []*event.Subscription{
		event.Subscribe(bus, events.ChatSendTopic, func(context.Context, events.ChatSend) error {
			d.sent.Add(1)
			return nil
		}),
		event.Subscribe(bus, events.ChatReceiveTopic, func(_ context.Context, p events.ChatReceive) error {
			d.replies.Add(1)
			d.tokens.Add(int64(p.Tokens))
			d.touch()
			return nil
		}),
		event.Subscribe(bus, events.CodeGenerateTopic, func(context.Context, events.CodeGenerate) error {
			d.code.Add(1)
			d.touch()
			return nil
		}),
		event.Subscribe(bus, events.ImageReadyTopic, func(context.Context, events.ImageReady) error {
			d.images.Add(1)
			d.touch()
			return nil
		}),
		event.Subscribe(bus, events.StorageSaveTopic, func(context.Context, events.StorageSave) error {
			d.saves.Add(1)
			return nil
		}),
		event.Subscribe(bus, events.ErrorOccurredTopic, func(context.Context, events.ErrorOccurred) error {
			d.errors.Add(1)
			return nil
		}),
		event.Subscribe(bus, events.ModeChangeTopic, func(context.Context, events.ModeChange) error {
			d.modes.Add(1)
			return nil
		}),
	}
	return d
}

func (d *Dashboard) touch() {
	d.last.Store(d.clock.Now().UnixNano())
}

// Snapshot returns the current counters.
func (d *Dashboard) Snapshot() Counters {
	c := Counters{
		Sent:            d.sent.Load(),
		Replies:         d.replies.Load(),
		CodeGenerations: d.code.Load(),
		Images:          d.images.Load(),
		Saves:           d.saves.Load(),
		Errors:          d.errors.Load(),
		Tokens:          d.tokens.Load(),
		ModeChanges:     d.modes.Load(),
	}
	if ns := d.last.Load(); ns != 0 {
		c.LastActivity = time.Unix(0, ns).UTC()
	}
	return c
}

// Close unsubscribes the dashboard.
func (d *Dashboard) Close() {
	for _, s := range d.subs {
		s.Unsubscribe()
	}
}
