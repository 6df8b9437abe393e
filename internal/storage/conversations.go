// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/util"
)

// Bucket names.
var (
	bucketConversations = []byte("conversations")
	bucketChartIndex    = []byte("chart_index")
)

// =============================================================================
// STORED CONVERSATION TYPE
// =============================================================================

// StoredConversation is a persisted chat transcript.
type StoredConversation struct {
	// Identity
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	ChartKey  string    `json:"chart_key,omitempty"`
	ChartType string    `json:"chart_type,omitempty"`
	Lang      string    `json:"lang,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Candidate models in failover order, and the one that answered last.
	Models      []string `json:"models,omitempty"`
	ActiveModel string   `json:"active_model,omitempty"`

	// Messages, starting with the system prompt.
	Messages []StoredMessage `json:"messages"`
}

// StoredMessage is a persisted transcript entry.
type StoredMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	ChartType    string    `json:"chart_type,omitempty"`
	Summary      string    `json:"summary"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"` // First user message truncated
}

// ChatMessages converts the stored messages into a chat transcript.
func (c *StoredConversation) ChatMessages() []chat.Message {
	out := make([]chat.Message, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = chat.Message{Role: chat.Role(m.Role), Content: m.Content}
	}
	return out
}

// SetMessages replaces the stored messages with a chat transcript.
// Timestamps of entries that are unchanged are kept; new entries are
// stamped with now, and assistant entries appended after the last stored
// one are attributed to model.
func (c *StoredConversation) SetMessages(transcript []chat.Message, model string, now time.Time) {
	out := make([]StoredMessage, len(transcript))
	for i, m := range transcript {
		if i < len(c.Messages) && c.Messages[i].Role == string(m.Role) && c.Messages[i].Content == m.Content {
			out[i] = c.Messages[i]
			continue
		}
		out[i] = StoredMessage{Role: string(m.Role), Content: m.Content, Timestamp: now}
		if m.Role == chat.RoleAssistant {
			out[i].Model = model
		}
	}
	c.Messages = out
	if model != "" {
		c.ActiveModel = model
	}
}

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationStore persists conversations in a bbolt database.
type ConversationStore struct {
	db *bolt.DB

	// MaxConversations limits stored conversations per owner (0 = unlimited)
	MaxConversations int

	now func() time.Time
}

// Open opens (or creates) the store at path.
func Open(path string) (*ConversationStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketChartIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ConversationStore{db: db, MaxConversations: 100, now: time.Now}, nil
}

// Close closes the database.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save persists a conversation and returns its ID.
func (s *ConversationStore) Save(conv *StoredConversation) (string, error) {
	if conv.ID == "" {
		conv.ID = generateConversationID()
	}
	if conv.Summary == "" || conv.Summary == placeholderSummary(conv) {
		conv.Summary = generateSummary(conv)
	}
	conv.UpdatedAt = s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketConversations).Put([]byte(conv.ID), data); err != nil {
			return err
		}
		if conv.ChartKey != "" {
			return tx.Bucket(bucketChartIndex).Put(indexKey(conv.Owner, conv.ChartKey), []byte(conv.ID))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if s.MaxConversations > 0 {
		s.enforceLimit(conv.Owner)
	}
	return conv.ID, nil
}

// generateSummary creates a summary from the first user message.
func generateSummary(conv *StoredConversation) string {
	for _, msg := range conv.Messages {
		if msg.Role == string(chat.RoleUser) && msg.Content != "" {
			content := strings.ReplaceAll(msg.Content, "\n", " ")
			content = strings.ReplaceAll(content, "\r", "")
			return util.TruncateRunes(content, 50)
		}
	}
	return placeholderSummary(conv)
}

// placeholderSummary names a conversation before its first question.
func placeholderSummary(conv *StoredConversation) string {
	if conv.ChartType != "" {
		return conv.ChartType + " chart"
	}
	return "New conversation"
}

// enforceLimit removes the owner's oldest conversations if over limit.
func (s *ConversationStore) enforceLimit(owner string) {
	metas, err := s.List(owner)
	if err != nil || len(metas) <= s.MaxConversations {
		return
	}
	// List is most recent first; drop the tail.
	for _, m := range metas[s.MaxConversations:] {
		_ = s.Delete(m.ID)
	}
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation by ID.
func (s *ConversationStore) Load(id string) (*StoredConversation, error) {
	var conv *StoredConversation
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConversations).Get([]byte(id))
		if v == nil {
			return ErrConversationNotFound
		}
		conv = &StoredConversation{}
		return json.Unmarshal(v, conv)
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// FindByChart returns the owner's conversation about chartKey.
func (s *ConversationStore) FindByChart(owner, chartKey string) (*StoredConversation, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketChartIndex).Get(indexKey(owner, chartKey)); v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read chart index: %w", err)
	}
	if id == "" {
		return nil, ErrConversationNotFound
	}
	return s.Load(id)
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// List returns the owner's conversations, most recent first. An empty
// owner lists everything.
func (s *ConversationStore) List(owner string) ([]ConversationMeta, error) {
	metas := []ConversationMeta{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var conv StoredConversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return nil // Skip malformed entries
			}
			if owner != "" && conv.Owner != owner {
				return nil
			}
			metas = append(metas, ConversationMeta{
				ID:           conv.ID,
				Owner:        conv.Owner,
				ChartType:    conv.ChartType,
				Summary:      conv.Summary,
				Model:        conv.ActiveModel,
				CreatedAt:    conv.CreatedAt,
				UpdatedAt:    conv.UpdatedAt,
				MessageCount: len(conv.Messages),
				Preview:      conv.GetPreview(),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Search finds the owner's conversations whose summary or any message
// contains query (case-insensitive).
func (s *ConversationStore) Search(owner, query string) ([]ConversationMeta, error) {
	all, err := s.List(owner)
	if err != nil || query == "" {
		return all, err
	}

	query = strings.ToLower(query)
	var results []ConversationMeta
	for _, meta := range all {
		if strings.Contains(strings.ToLower(meta.Summary), query) {
			results = append(results, meta)
			continue
		}
		conv, err := s.Load(meta.ID)
		if err != nil {
			continue
		}
		for _, msg := range conv.Messages {
			if msg.Role == string(chat.RoleSystem) {
				continue
			}
			if strings.Contains(strings.ToLower(msg.Content), query) {
				results = append(results, meta)
				break
			}
		}
	}
	return results, nil
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation by ID.
func (s *ConversationStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrConversationNotFound
		}
		var conv StoredConversation
		if err := json.Unmarshal(v, &conv); err == nil && conv.ChartKey != "" {
			idx := tx.Bucket(bucketChartIndex)
			key := indexKey(conv.Owner, conv.ChartKey)
			if bytes.Equal(idx.Get(key), []byte(id)) {
				if err := idx.Delete(key); err != nil {
					return err
				}
			}
		}
		return b.Delete([]byte(id))
	})
}

// Prune removes conversations not updated within maxAge and returns how
// many were removed.
func (s *ConversationStore) Prune(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	metas, err := s.List("")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range metas {
		if m.UpdatedAt.Before(cutoff) {
			if err := s.Delete(m.ID); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Printf("CONVERSATION_PRUNE | removed=%d max_age=%s", removed, maxAge)
	}
	return removed, nil
}

// Clear removes all saved conversations.
func (s *ConversationStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketChartIndex} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func indexKey(owner, chartKey string) []byte {
	return []byte(owner + "\x00" + chartKey)
}

// generateConversationID creates a conversation ID in the same form as the
// session registry's ids.
func generateConversationID() string {
	return uuid.NewString()
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation doesn't exist.
// Use errors.Is(err, ErrConversationNotFound) to check for this error.
var ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

// ConversationError represents a conversation-related error.
type ConversationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// EXPORT
// =============================================================================

// FormatSessionList formats conversations as a plain-text table.
func FormatSessionList(sessions []ConversationMeta) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}

	var sb strings.Builder
	sb.WriteString("Sessions:\n")
	sb.WriteString(strings.Repeat("-", 90) + "\n")
	sb.WriteString(formatPadded("ID", 36) + " " + formatPadded("Updated", 17) + " " + formatPadded("Messages", 8) + " Preview\n")
	sb.WriteString(strings.Repeat("-", 90) + "\n")

	for _, s := range sessions {
		sb.WriteString(formatPadded(s.ID, 36) + " " +
			formatPadded(s.UpdatedAt.Format("2006-01-02 15:04"), 17) + " " +
			formatPadded(strconv.Itoa(s.MessageCount), 8) + " " +
			util.TruncateRunes(s.Preview, 30) + "\n")
	}
	return sb.String()
}

// formatPadded pads s with spaces to the given display width.
func formatPadded(s string, width int) string {
	if w := util.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// ExportMarkdown renders the conversation as Markdown. The system prompt
// is left out.
func (c *StoredConversation) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# Session " + c.ID + "\n\n")
	sb.WriteString("Created: " + c.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range c.Messages {
		var role string
		switch msg.Role {
		case string(chat.RoleUser):
			role = "**User**"
		case string(chat.RoleAssistant):
			role = "**Assistant**"
			if msg.Model != "" {
				role += " `" + msg.Model + "`"
			}
		default:
			continue
		}
		sb.WriteString(role + " (" + msg.Timestamp.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}

// ExportJSON exports the conversation as indented JSON.
func (c *StoredConversation) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// GetPreview returns the first user message, truncated.
func (c *StoredConversation) GetPreview() string {
	for _, msg := range c.Messages {
		if msg.Role == string(chat.RoleUser) && msg.Content != "" {
			return util.TruncateRunes(msg.Content, 80)
		}
	}
	return ""
}
