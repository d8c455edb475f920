// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of emissions a Bus remembers.
const DefaultHistorySize = 100

// Record is one remembered emission.
type Record struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// history is a fixed-capacity ring of records. The oldest record is
// overwritten once the ring is full.
type history struct {
	mu   sync.Mutex
	buf  []Record
	next int // slot the next record is written to
	size int
}

func newHistory(capacity int) *history {
	if capacity < 0 {
		capacity = 0
	}
	return &history{buf: make([]Record, capacity)}
}

func (h *history) add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		return
	}
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// list returns up to limit records, newest first, optionally filtered by
// name. A limit of zero or less means no limit.
func (h *history) list(name string, limit int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Record, 0, min(h.size, max(limit, 0)))
	for i := 0; i < h.size; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		idx := (h.next - 1 - i + len(h.buf)) % len(h.buf)
		r := h.buf[idx]
		if name != "" && r.Name != name {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.buf)
	h.next = 0
	h.size = 0
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}
