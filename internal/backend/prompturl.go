// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeranaias/aihub/internal/fetch"
)

// PromptURLImage fetches images from services that render a prompt placed
// in the URL path, such as "https://image.example.com/prompt/{prompt}".
type PromptURLImage struct {
	name     string
	template string
	timeout  time.Duration
	client   *fetch.Client
}

// NewPromptURLImage creates a backend. The template must contain the
// "{prompt}" placeholder.
func NewPromptURLImage(client *fetch.Client, name, template string, timeout time.Duration) *PromptURLImage {
	if name == "" {
		name = "prompt-url"
	}
	return &PromptURLImage{name: name, template: template, timeout: timeout, client: client}
}

// Name implements ImageBackend.
func (b *PromptURLImage) Name() string {
	return b.name
}

// URL returns the request URL for prompt.
func (b *PromptURLImage) URL(prompt string) string {
	return strings.ReplaceAll(b.template, "{prompt}", url.PathEscape(prompt))
}

// Generate implements ImageBackend.
func (b *PromptURLImage) Generate(ctx context.Context, prompt string) (*Image, error) {
	if !strings.Contains(b.template, "{prompt}") {
		return nil, fmt.Errorf("%w: %s has no {prompt} placeholder", ErrNotConfigured, b.name)
	}
	opts := []fetch.RequestOption{fetch.WithRateLimitKey(b.name)}
	if b.timeout > 0 {
		opts = append(opts, fetch.WithTimeout(b.timeout))
	}

	target := b.URL(prompt)
	resp, err := b.client.Do(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyReply, b.name)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(resp.Body)
	}
	if !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: content type %q", ErrMalformedResponse, ct)
	}
	return &Image{URL: target, Data: resp.Body, ContentType: ct}, nil
}
