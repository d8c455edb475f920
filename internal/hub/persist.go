// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hub

import (
	"context"

	"github.com/jeranaias/aihub/internal/event"
	"github.com/jeranaias/aihub/internal/event/events"
	"github.com/jeranaias/aihub/internal/storage"
)

// persist appends each exchange to store once the backend has answered,
// so a failed request leaves nothing on disk, and publishes storage:save
// after each write. It runs after other subscribers so a slow disk does
// not delay them.
func persist(bus *event.Bus, store *storage.ConversationStore) []*event.Subscription {
	save := func(ctx context.Context, id string, mode events.Mode, prompt string, reply storage.Message) error {
		reply.Role = "assistant"
		conv, err := store.Append(id, string(mode),
			storage.Message{Role: "user", Content: prompt},
			reply,
		)
		if err != nil {
			return err
		}
		event.Publish(ctx, bus, events.StorageSaveTopic, events.StorageSave{
			ConversationID: conv.ID,
			Messages:       len(conv.Messages),
		})
		return nil
	}
	low := event.WithPriority(-100)

	return []*event.Subscription{
		event.Subscribe(bus, events.ChatReceiveTopic, func(ctx context.Context, p events.ChatReceive) error {
			return save(ctx, p.ConversationID, events.ModeAssistant, p.Prompt, storage.Message{
				Content:    p.Text,
				Tokens:     p.Tokens,
				DurationMs: p.Duration.Milliseconds(),
			})
		}, low),

		event.Subscribe(bus, events.CodeGenerateTopic, func(ctx context.Context, p events.CodeGenerate) error {
			return save(ctx, p.ConversationID, events.ModeCode, p.Prompt, storage.Message{
				Content:    p.Text,
				DurationMs: p.Duration.Milliseconds(),
			})
		}, low),
	}
}
