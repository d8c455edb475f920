// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/aihub/internal/fetch"
)

// ChatConfig configures an OpenAI-compatible chat backend.
type ChatConfig struct {
	// Name identifies the backend and is its rate-limit key.
	Name         string
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// Timeout overrides the client default when non-zero. Retries always
	// follow the client's budget.
	Timeout time.Duration
}

// OpenAIChat talks to a /chat/completions endpoint.
type OpenAIChat struct {
	cfg    ChatConfig
	client *fetch.Client
}

// NewOpenAIChat creates a chat backend that sends through client.
func NewOpenAIChat(client *fetch.Client, cfg ChatConfig) *OpenAIChat {
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	return &OpenAIChat{cfg: cfg, client: client}
}

// Name implements ChatBackend.
func (b *OpenAIChat) Name() string {
	return b.cfg.Name
}

// Model returns the configured model.
func (b *OpenAIChat) Model() string {
	return b.cfg.Model
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// Chat implements ChatBackend.
func (b *OpenAIChat) Chat(ctx context.Context, messages []Message) (*Reply, error) {
	if b.cfg.APIKey == "" || b.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, b.cfg.Name)
	}

	msgs := messages
	if b.cfg.SystemPrompt != "" {
		msgs = append([]Message{SystemMessage(b.cfg.SystemPrompt)}, messages...)
	}
	body := chatRequest{
		Model:       b.cfg.Model,
		Messages:    msgs,
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
	}

	resp, err := b.client.Do(ctx, b.cfg.BaseURL+"/chat/completions", b.requestOptions(body)...)
	if err != nil {
		return nil, providerError(err)
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, b.cfg.Name)
	}

	res := gjson.ParseBytes(resp.Body)
	reply := &Reply{
		Content:          res.Get("choices.0.message.content").String(),
		Model:            res.Get("model").String(),
		FinishReason:     res.Get("choices.0.finish_reason").String(),
		PromptTokens:     int(res.Get("usage.prompt_tokens").Int()),
		CompletionTokens: int(res.Get("usage.completion_tokens").Int()),
	}
	if reply.Content == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyReply, b.cfg.Name)
	}
	if reply.Model == "" {
		reply.Model = b.cfg.Model
	}
	return reply, nil
}

func (b *OpenAIChat) requestOptions(body any) []fetch.RequestOption {
	return commonOptions(b.cfg.Name, b.cfg.APIKey, b.cfg.Timeout, body)
}

// ImageConfig configures an OpenAI-compatible image backend.
type ImageConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	Size    string
	Timeout time.Duration
}

// OpenAIImage talks to an /images/generations endpoint.
type OpenAIImage struct {
	cfg    ImageConfig
	client *fetch.Client
}

// NewOpenAIImage creates an image backend that sends through client.
func NewOpenAIImage(client *fetch.Client, cfg ImageConfig) *OpenAIImage {
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Name == "" {
		cfg.Name = "openai-images"
	}
	if cfg.Size == "" {
		cfg.Size = "1024x1024"
	}
	return &OpenAIImage{cfg: cfg, client: client}
}

// Name implements ImageBackend.
func (b *OpenAIImage) Name() string {
	return b.cfg.Name
}

type imageRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

// Generate implements ImageBackend.
func (b *OpenAIImage) Generate(ctx context.Context, prompt string) (*Image, error) {
	if b.cfg.APIKey == "" || b.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, b.cfg.Name)
	}
	body := imageRequest{
		Model:          b.cfg.Model,
		Prompt:         prompt,
		N:              1,
		Size:           b.cfg.Size,
		ResponseFormat: "b64_json",
	}

	resp, err := b.client.Do(ctx, b.cfg.BaseURL+"/images/generations",
		commonOptions(b.cfg.Name, b.cfg.APIKey, b.cfg.Timeout, body)...)
	if err != nil {
		return nil, providerError(err)
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, b.cfg.Name)
	}

	first := gjson.GetBytes(resp.Body, "data.0")
	img := &Image{
		URL:           first.Get("url").String(),
		RevisedPrompt: first.Get("revised_prompt").String(),
	}
	if enc := first.Get("b64_json").String(); enc != "" {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid image data: %v", ErrMalformedResponse, err)
		}
		img.Data = data
		img.ContentType = http.DetectContentType(data)
	}
	if img.URL == "" && len(img.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyReply, b.cfg.Name)
	}
	return img, nil
}

func commonOptions(name, apiKey string, timeout time.Duration, body any) []fetch.RequestOption {
	opts := []fetch.RequestOption{
		fetch.WithJSON(body),
		fetch.WithHeader("Authorization", "Bearer "+apiKey),
		fetch.WithRateLimitKey(name),
	}
	if timeout > 0 {
		opts = append(opts, fetch.WithTimeout(timeout))
	}
	return opts
}
