// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hub is the application controller. It sends user input to the
// backend for the active mode, publishes the outcome on the event bus and
// leaves every reaction (dashboard counters, persistence, rendering) to
// subscribers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/aihub/internal/backend"
	"github.com/jeranaias/aihub/internal/clock"
	"github.com/jeranaias/aihub/internal/errlog"
	"github.com/jeranaias/aihub/internal/event"
	"github.com/jeranaias/aihub/internal/event/events"
	"github.com/jeranaias/aihub/internal/fetch"
	"github.com/jeranaias/aihub/internal/render"
	"github.com/jeranaias/aihub/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidMode is returned by SetMode for unknown modes.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrEmptyInput is returned for blank messages and prompts.
	ErrEmptyInput = errors.New("empty input")

	// ErrNoBackend is returned when no backend serves the request.
	ErrNoBackend = errors.New("no backend configured")
)

// DefaultContextMessages is how many prior messages are sent with each
// request.
const DefaultContextMessages = 20

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Hub.
type Option func(*Hub)

// WithAssistant sets the backend for assistant mode.
func WithAssistant(b backend.ChatBackend) Option {
	return func(h *Hub) { h.backends[events.ModeAssistant] = b }
}

// WithCode sets the backend for code mode.
func WithCode(b backend.ChatBackend) Option {
	return func(h *Hub) { h.backends[events.ModeCode] = b }
}

// WithImage sets the image backend.
func WithImage(b backend.ImageBackend) Option {
	return func(h *Hub) { h.image = b }
}

// WithConversations persists conversations through a subscriber.
func WithConversations(s *storage.ConversationStore) Option {
	return func(h *Hub) { h.convs = s }
}

// WithArtifacts saves generated code and images.
func WithArtifacts(s *storage.ArtifactStore) Option {
	return func(h *Hub) { h.artifacts = s }
}

// WithSink reports failures that did not come from the fetch client.
func WithSink(s errlog.Sink) Option {
	return func(h *Hub) { h.sink = errlog.OrDiscard(s) }
}

// WithClock sets the clock used to time requests.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithVersion sets the version announced in app:ready.
func WithVersion(v string) Option {
	return func(h *Hub) { h.version = v }
}

// WithMode sets the initial mode.
func WithMode(m events.Mode) Option {
	return func(h *Hub) {
		if m.Valid() {
			h.mode = m
		}
	}
}

// WithContextMessages bounds the history sent with each request.
func WithContextMessages(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.contextMessages = n
		}
	}
}

// =============================================================================
// HUB
// =============================================================================

// session is the in-memory state of the current conversation in one mode.
type session struct {
	id      string
	history []backend.Message
}

// Hub coordinates backends and the event bus. It is safe for concurrent
// use, but requests in the same mode should not overlap if their order in
// the conversation matters.
type Hub struct {
	bus       *event.Bus
	backends  map[events.Mode]backend.ChatBackend
	image     backend.ImageBackend
	convs     *storage.ConversationStore
	artifacts *storage.ArtifactStore
	sink      errlog.Sink
	clock     clock.Clock
	logger    *slog.Logger
	version   string

	contextMessages int
	dashboard       *Dashboard
	subs            []*event.Subscription

	mu       sync.Mutex
	mode     events.Mode
	sessions map[events.Mode]*session
}

// New creates a hub publishing on bus and registers its subscribers.
func New(bus *event.Bus, opts ...Option) *Hub {
	h := &Hub{
		bus:             bus,
		backends:        make(map[events.Mode]backend.ChatBackend),
		sink:            errlog.Discard,
		clock:           clock.Real,
		logger:          slog.Default(),
		version:         "dev",
		contextMessages: DefaultContextMessages,
		mode:            events.ModeAssistant,
		sessions:        make(map[events.Mode]*session),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.dashboard = NewDashboard(bus, h.clock)
	if h.convs != nil {
		h.subs = append(h.subs, persist(bus, h.convs)...)
	}
	return h
}

// Bus returns the hub's event bus.
func (h *Hub) Bus() *event.Bus {
	return h.bus
}

// Dashboard returns the counters fed by bus events.
func (h *Hub) Dashboard() *Dashboard {
	return h.dashboard
}

// Close unsubscribes the hub's subscribers.
func (h *Hub) Close() {
	h.dashboard.Close()
	for _, s := range h.subs {
		s.Unsubscribe()
	}
}

// Ready publishes app:ready.
func (h *Hub) Ready(ctx context.Context) {
	var names []string
	for _, m := range []events.Mode{events.ModeAssistant, events.ModeCode} {
		if b := h.backends[m]; b != nil {
			names = append(names, b.Name())
		}
	}
	if h.image != nil {
		names = append(names, h.image.Name())
	}
	event.Publish(ctx, h.bus, events.AppReadyTopic, events.AppReady{
		Version:  h.version,
		Mode:     h.Mode(),
		Backends: names,
		At:       h.clock.Now(),
	})
}

// Mode returns the active mode.
func (h *Hub) Mode() events.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// SetMode switches the active mode and publishes mode:change. Switching
// to the active mode publishes nothing.
func (h *Hub) SetMode(ctx context.Context, m events.Mode) error {
	if !m.Valid() {
		h.sink.LogError(errlog.Entry{
			Kind:     errlog.KindInvalidArgument,
			Message:  "unknown mode",
			Severity: errlog.SeverityLow,
			Context:  map[string]string{"mode": string(m)},
		})
		return fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}

	h.mu.Lock()
	from := h.mode
	h.mode = m
	h.mu.Unlock()

	if from != m {
		event.Publish(ctx, h.bus, events.ModeChangeTopic, events.ModeChange{From: from, To: m})
	}
	return nil
}

// ConversationID returns the current conversation in the active mode, or
// "" before the first message.
func (h *Hub) ConversationID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.sessions[h.mode]; s != nil {
		return s.id
	}
	return ""
}

// NewConversation forgets the current conversation in the active mode.
func (h *Hub) NewConversation() {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, h.mode)
}

// Resume loads a stored conversation and makes it current in its mode,
// which becomes the active mode.
func (h *Hub) Resume(ctx context.Context, id string) error {
	if h.convs == nil {
		return fmt.Errorf("%w: no conversation store", ErrNoBackend)
	}
	conv, err := h.convs.Load(id)
	if err != nil {
		return err
	}
	mode := events.Mode(conv.Mode)
	if !mode.Valid() {
		mode = events.ModeAssistant
	}

	s := &session{id: conv.ID}
	for _, m := range conv.Messages {
		s.history = append(s.history, backend.Message{Role: backend.Role(m.Role), Content: m.Content})
	}

	h.mu.Lock()
	h.sessions[mode] = s
	h.mu.Unlock()
	return h.SetMode(ctx, mode)
}

// =============================================================================
// CHAT
// =============================================================================

// Result is the outcome of Send.
type Result struct {
	ConversationID string
	Mode           events.Mode
	Backend        string
	Reply          *backend.Reply
	Duration       time.Duration

	// Blocks are the fenced code blocks of the reply.
	Blocks []render.Block

	// ArtifactPath is where the first code block was saved, if anywhere.
	ArtifactPath string
}

// Send delivers text to the backend of the active mode. It publishes
// chat:send before the request and chat:receive (assistant mode) or
// code:generate (code mode) after a reply. Failures are returned; fetch
// failures were already reported by the fetch client.
func (h *Hub) Send(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	h.mu.Lock()
	mode := h.mode
	be := h.backends[mode]
	if be == nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s mode", ErrNoBackend, mode)
	}
	s := h.sessions[mode]
	if s == nil {
		s = &session{id: storage.NewID()}
		h.sessions[mode] = s
	}
	s.history = append(s.history, backend.UserMessage(text))
	window := tail(s.history, h.contextMessages)
	convID := s.id
	h.mu.Unlock()

	event.Publish(ctx, h.bus, events.ChatSendTopic, events.ChatSend{
		ConversationID: convID,
		Mode:           mode,
		Text:           text,
	})

	start := h.clock.Now()
	reply, err := be.Chat(ctx, window)
	elapsed := h.clock.Now().Sub(start)
	if err != nil {
		h.mu.Lock()
		if n := len(s.history); n > 0 && s.history[n-1].Role == backend.RoleUser && s.history[n-1].Content == text {
			s.history = s.history[:n-1]
		}
		h.mu.Unlock()
		h.reportBackendError(be.Name(), err)
		return nil, err
	}

	h.mu.Lock()
	s.history = append(s.history, backend.AssistantMessage(reply.Content))
	h.mu.Unlock()

	res := &Result{
		ConversationID: convID,
		Mode:           mode,
		Backend:        be.Name(),
		Reply:          reply,
		Duration:       elapsed,
		Blocks:         render.ExtractCode(reply.Content),
	}

	if mode == events.ModeCode {
		var lang, code string
		if len(res.Blocks) > 0 {
			lang, code = res.Blocks[0].Language, res.Blocks[0].Code
			if lang == "" {
				lang = render.DetectLanguage(code)
			}
			res.ArtifactPath = h.saveCode(lang, code)
		}
		event.Publish(ctx, h.bus, events.CodeGenerateTopic, events.CodeGenerate{
			ConversationID: convID,
			Prompt:         text,
			Backend:        be.Name(),
			Model:          reply.Model,
			Language:       lang,
			Code:           code,
			Text:           reply.Content,
			Duration:       elapsed,
		})
		return res, nil
	}

	event.Publish(ctx, h.bus, events.ChatReceiveTopic, events.ChatReceive{
		ConversationID: convID,
		Prompt:         text,
		Backend:        be.Name(),
		Model:          reply.Model,
		Text:           reply.Content,
		Tokens:         reply.TotalTokens(),
		Duration:       elapsed,
	})
	return res, nil
}

func (h *Hub) saveCode(lang, code string) string {
	if h.artifacts == nil || code == "" {
		return ""
	}
	path, err := h.artifacts.SaveCode(lang, code)
	if err != nil {
		h.logger.Warn("failed to save code artifact", "error", err)
		return ""
	}
	return path
}

// =============================================================================
// IMAGES
// =============================================================================

// ImageResult is the outcome of GenerateImage.
type ImageResult struct {
	Image    *backend.Image
	Path     string
	Duration time.Duration
}

// GenerateImage asks the image backend for an image and publishes
// image:ready. Image data is saved to the artifact store when one is
// configured.
func (h *Hub) GenerateImage(ctx context.Context, prompt string) (*ImageResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyInput
	}
	if h.image == nil {
		return nil, fmt.Errorf("%w: image", ErrNoBackend)
	}

	start := h.clock.Now()
	img, err := h.image.Generate(ctx, prompt)
	elapsed := h.clock.Now().Sub(start)
	if err != nil {
		h.reportBackendError(h.image.Name(), err)
		return nil, err
	}

	res := &ImageResult{Image: img, Duration: elapsed}
	if len(img.Data) > 0 && h.artifacts != nil {
		path, err := h.artifacts.SaveImage(img.Data, img.ContentType)
		if err != nil {
			h.logger.Warn("failed to save image", "error", err)
		} else {
			res.Path = path
		}
	}

	event.Publish(ctx, h.bus, events.ImageReadyTopic, events.ImageReady{
		Prompt:   prompt,
		URL:      img.URL,
		Path:     res.Path,
		Bytes:    len(img.Data),
		Duration: elapsed,
	})
	return res, nil
}

// reportBackendError reports failures the fetch client did not already
// report: provider responses that could not be used and missing
// configuration. Caller cancellation is never reported.
func (h *Hub) reportBackendError(name string, err error) {
	if fetch.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	kind := errlog.KindServerError
	if errors.Is(err, backend.ErrNotConfigured) {
		kind = errlog.KindInvalidArgument
	}
	h.sink.LogError(errlog.Entry{
		Kind:     kind,
		Message:  "backend request failed",
		Err:      err,
		Severity: errlog.SeverityMedium,
		Context:  map[string]string{"backend": name},
	})
}

func tail(msgs []backend.Message, n int) []backend.Message {
	if len(msgs) <= n {
		return append([]backend.Message(nil), msgs...)
	}
	return append([]backend.Message(nil), msgs[len(msgs)-n:]...)
}
