// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events is the catalogue of application event names and their
// payload types. Producers and consumers should use these topics instead
// of raw strings.
package events

import (
	"time"

	"github.com/jeranaias/aihub/internal/event"
)

// Mode selects which assistant handles a message.
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeCode      Mode = "code"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAssistant || m == ModeCode
}

// =============================================================================
// PAYLOADS
// =============================================================================

// AppReady is published once the application finished starting.
type AppReady struct {
	Version  string    `json:"version"`
	Mode     Mode      `json:"mode"`
	Backends []string  `json:"backends"`
	At       time.Time `json:"at"`
}

// ModeChange is published when the active mode switches.
type ModeChange struct {
	From Mode `json:"from"`
	To   Mode `json:"to"`
}

// ChatSend is published before a message goes to a backend.
type ChatSend struct {
	ConversationID string `json:"conversation_id"`
	Mode           Mode   `json:"mode"`
	Text           string `json:"text"`
}

// ChatReceive is published when the assistant backend answered.
type ChatReceive struct {
	ConversationID string        `json:"conversation_id"`
	Prompt         string        `json:"prompt"`
	Backend        string        `json:"backend"`
	Model          string        `json:"model"`
	Text           string        `json:"text"`
	Tokens         int           `json:"tokens"`
	Duration       time.Duration `json:"duration"`
}

// CodeGenerate is published when the code backend answered.
type CodeGenerate struct {
	ConversationID string        `json:"conversation_id"`
	Prompt         string        `json:"prompt"`
	Backend        string        `json:"backend"`
	Model          string        `json:"model"`
	Language       string        `json:"language"`
	Code           string        `json:"code"`
	Text           string        `json:"text"`
	Duration       time.Duration `json:"duration"`
}

// ImageReady is published when an image was generated.
type ImageReady struct {
	Prompt   string        `json:"prompt"`
	URL      string        `json:"url,omitempty"`
	Path     string        `json:"path,omitempty"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// StorageSave is published after a conversation was persisted.
type StorageSave struct {
	ConversationID string `json:"conversation_id"`
	Messages       int    `json:"messages"`
}

// ErrorOccurred mirrors an error log entry for UI consumers.
type ErrorOccurred struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// =============================================================================
// TOPICS
// =============================================================================

var (
	AppReadyTopic      = event.NewTopic[AppReady]("app:ready")
	ModeChangeTopic    = event.NewTopic[ModeChange]("mode:change")
	ChatSendTopic      = event.NewTopic[ChatSend]("chat:send")
	ChatReceiveTopic   = event.NewTopic[ChatReceive]("chat:receive")
	CodeGenerateTopic  = event.NewTopic[CodeGenerate]("code:generate")
	ImageReadyTopic    = event.NewTopic[ImageReady]("image:ready")
	StorageSaveTopic   = event.NewTopic[StorageSave]("storage:save")
	ErrorOccurredTopic = event.NewTopic[ErrorOccurred]("error:occurred")
)

// Names lists every catalogued event name.
func Names() []string {
	return []string{
		AppReadyTopic.Name(),
		ModeChangeTopic.Name(),
		ChatSendTopic.Name(),
		ChatReceiveTopic.Name(),
		CodeGenerateTopic.Name(),
		ImageReadyTopic.Name(),
		StorageSaveTopic.Name(),
		ErrorOccurredTopic.Name(),
	}
}
