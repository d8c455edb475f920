// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hub

import (
	"context"
	"sync/atomic"

	"github.com/jeranaias/aihub/internal/errlog"
	"github.com/jeranaias/aihub/internal/event"
	"github.com/jeranaias/aihub/internal/event/events"
)

// Announcer turns error log notifications into error:occurred events.
//
// The error log is built before the bus (the bus reports into it), so the
// bus is attached afterwards. A failing error:occurred handler is itself
// reported to the error log; those entries are not announced so that
// cannot loop.
type Announcer struct {
	bus atomic.Pointer[event.Bus]
}

// NewAnnouncer creates an announcer with no bus attached.
func NewAnnouncer() *Announcer {
	return &Announcer{}
}

// Attach sets the bus announcements are published on.
func (a *Announcer) Attach(bus *event.Bus) {
	a.bus.Store(bus)
}

// Announce publishes e. It has the signature errlog.WithNotify expects.
// It is safe for concurrent use.
func (a *Announcer) Announce(e errlog.Entry) {
	bus := a.bus.Load()
	if bus == nil || raisedByAnnouncement(e) {
		return
	}
	event.Publish(context.Background(), bus, events.ErrorOccurredTopic, events.ErrorOccurred{
		ID:       e.ID,
		Type:     string(e.Kind),
		Message:  e.Message,
		Severity: string(e.Severity),
	})
}

// raisedByAnnouncement reports whether e is a handler failure while
// delivering error:occurred.
func raisedByAnnouncement(e errlog.Entry) bool {
	return e.Kind == errlog.KindHandlerError && e.Context["event"] == events.ErrorOccurredTopic.Name()
}
