// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the chat and image provider interfaces and thin
// adapters for OpenAI-compatible HTTP APIs. All provider traffic goes
// through a fetch.Client so it inherits timeouts, retries and rate limits.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/aihub/internal/fetch"
)

// Error variables for provider failures that are not transport failures.
var (
	// ErrNotConfigured indicates the backend has no API key or URL.
	ErrNotConfigured = errors.New("backend not configured")

	// ErrMalformedResponse indicates the provider returned invalid JSON.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrEmptyReply indicates the provider answered without content.
	ErrEmptyReply = errors.New("provider returned an empty reply")
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// SystemMessage creates a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// Reply is a chat completion.
type Reply struct {
	Content          string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens returns prompt plus completion tokens.
func (r *Reply) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Image is a generated image. Either URL or Data is set.
type Image struct {
	URL           string
	Data          []byte
	ContentType   string
	RevisedPrompt string
}

// ChatBackend answers a conversation.
type ChatBackend interface {
	Name() string
	Chat(ctx context.Context, messages []Message) (*Reply, error)
}

// ImageBackend turns a prompt into an image.
type ImageBackend interface {
	Name() string
	Generate(ctx context.Context, prompt string) (*Image, error)
}

// providerError adds the provider's own error message, when the failed
// response carried one, to a fetch error.
func providerError(err error) error {
	var fe *fetch.Error
	if !errors.As(err, &fe) || len(fe.Body) == 0 {
		return err
	}
	msg := gjson.GetBytes(fe.Body, "error.message")
	if !msg.Exists() || msg.String() == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg.String(), err)
}
