// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/aihub/internal/clock"
	"github.com/jeranaias/aihub/internal/util"
)

// =============================================================================
// TYPES
// =============================================================================

// Conversation is a persisted chat with one assistant mode.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	Backend   string    `json:"backend,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Message is one persisted turn.
type Message struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"` // "user", "assistant", "system"
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Tokens     int       `json:"tokens,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Meta is the listing view of a conversation.
type Meta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Mode         string    `json:"mode"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidID is returned for IDs that could escape the store
	// directory.
	ErrInvalidID = errors.New("invalid conversation id")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// =============================================================================
// STORE
// =============================================================================

// DefaultMaxConversations is how many conversations are kept by default.
const DefaultMaxConversations = 100

// ConversationStore keeps one JSON file per conversation. It is safe for
// concurrent use within one process.
type ConversationStore struct {
	mu sync.Mutex

	// BaseDir holds the conversation files.
	BaseDir string

	// MaxConversations limits stored conversations (0 = unlimited). The
	// least recently updated ones are removed first.
	MaxConversations int

	clock clock.Clock
}

// NewConversationStore creates a store in dir, creating it if needed.
func NewConversationStore(dir string, c clock.Clock) (*ConversationStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}
	return &ConversationStore{
		BaseDir:          dir,
		MaxConversations: DefaultMaxConversations,
		clock:            clock.OrReal(c),
	}, nil
}

// NewID returns a fresh conversation ID.
func NewID() string {
	return "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Save writes conv, assigning an ID, title and timestamps when missing.
func (s *ConversationStore) Save(conv *Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(conv)
}

func (s *ConversationStore) saveLocked(conv *Conversation) (string, error) {
	if conv.ID == "" {
		conv.ID = NewID()
	}
	if !validID.MatchString(conv.ID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, conv.ID)
	}
	if conv.Title == "" {
		conv.Title = titleFor(conv)
	}
	now := s.clock.Now()
	conv.UpdatedAt = now
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == "" {
			conv.Messages[i].ID = uuid.NewString()
		}
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation: %w", err)
	}
	if err := util.AtomicWriteFile(s.filePath(conv.ID), data, 0644); err != nil {
		return "", err
	}

	if s.MaxConversations > 0 {
		s.enforceLimitLocked()
	}
	return conv.ID, nil
}

// Append adds messages to the conversation with id, creating it with mode
// when it does not exist yet.
func (s *ConversationStore) Append(id, mode string, msgs ...Message) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadLocked(id)
	switch {
	case errors.Is(err, ErrNotFound):
		conv = &Conversation{ID: id, Mode: mode}
	case err != nil:
		return nil, err
	}

	now := s.clock.Now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		conv.Messages = append(conv.Messages, m)
	}
	if _, err := s.saveLocked(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Load reads the conversation with id.
func (s *ConversationStore) Load(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *ConversationStore) loadLocked(id string) (*Conversation, error) {
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// List returns every conversation, most recently updated first.
// Unreadable files are skipped.
func (s *ConversationStore) List() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *ConversationStore) listLocked() ([]Meta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Meta{}, nil
		}
		return nil, err
	}

	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		conv, err := s.loadLocked(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		metas = append(metas, Meta{
			ID:           conv.ID,
			Title:        conv.Title,
			Mode:         conv.Mode,
			UpdatedAt:    conv.UpdatedAt,
			MessageCount: len(conv.Messages),
			Preview:      util.TruncateRunes(util.OneLine(firstUserMessage(conv)), 80),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Search returns conversations whose title or preview contains query,
// ignoring case.
func (s *ConversationStore) Search(query string) ([]Meta, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(query)
	var results []Meta
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Title), query) ||
			strings.Contains(strings.ToLower(m.Preview), query) {
			results = append(results, m)
		}
	}
	return results, nil
}

// Delete removes the conversation with id.
func (s *ConversationStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *ConversationStore) deleteLocked(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return nil
}

// Clear removes every stored conversation.
func (s *ConversationStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			if err := os.Remove(filepath.Join(s.BaseDir, entry.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *ConversationStore) enforceLimitLocked() {
	metas, err := s.listLocked()
	if err != nil || len(metas) <= s.MaxConversations {
		return
	}
	// metas is newest first; drop the tail.
	for _, m := range metas[s.MaxConversations:] {
		s.deleteLocked(m.ID)
	}
}

func (s *ConversationStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

func firstUserMessage(conv *Conversation) string {
	for _, m := range conv.Messages {
		if m.Role == "user" && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

// titleFor derives a title from the first user message.
func titleFor(conv *Conversation) string {
	if first := firstUserMessage(conv); first != "" {
		return util.TruncateRunes(util.OneLine(first), 50)
	}
	return "New conversation"
}

// Markdown renders the conversation as a markdown transcript.
func (c *Conversation) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", c.Title)
	fmt.Fprintf(&sb, "- Mode: %s\n", c.Mode)
	if c.Model != "" {
		fmt.Fprintf(&sb, "- Model: %s\n", c.Model)
	}
	fmt.Fprintf(&sb, "- Created: %s\n\n", c.CreatedAt.Format(time.RFC3339))
	for _, m := range c.Messages {
		role := m.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		fmt.Fprintf(&sb, "**%s** (%s)\n\n%s\n\n", role, m.Timestamp.Format("15:04:05"), m.Content)
	}
	return sb.String()
}
