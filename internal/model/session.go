// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CHAT SESSION TYPE
// =============================================================================

// ChatSession holds a complete chat conversation with history and metadata.
// The session is owned by the UI/persistence layer; the streaming engine
// only reads history and appends messages.
type ChatSession struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Model configuration
	Model string `json:"model"`

	// Messages, ordered by creation timestamp for display.
	Messages []Message `json:"messages"`
}

// NewChatSession creates a new chat session with a generated ID.
func NewChatSession(modelID string) *ChatSession {
	now := time.Now()
	return &ChatSession{
		ID:        "chat_" + uuid.NewString(),
		Model:     modelID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]Message, 0),
	}
}

// =============================================================================
// MESSAGE ACCESS
// =============================================================================

// AddMessage appends a message and refreshes session metadata.
func (c *ChatSession) AddMessage(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.updateTitle()
}

// ReplaceMessage overwrites the stored message with the same id, if any.
// Returns true when a message was replaced.
func (c *ChatSession) ReplaceMessage(msg Message) bool {
	for i := range c.Messages {
		if c.Messages[i].ID == msg.ID {
			c.Messages[i] = msg
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// GetMessageByID returns a pointer to the message with the given id.
func (c *ChatSession) GetMessageByID(id string) *Message {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i]
		}
	}
	return nil
}

// LastMessage returns the most recent message, or nil if empty.
func (c *ChatSession) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// IncompleteAssistant returns the in-flight assistant message, if any.
// The single-flight invariant guarantees at most one exists.
func (c *ChatSession) IncompleteAssistant() *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		m := &c.Messages[i]
		if m.Role == RoleAssistant && !m.IsComplete {
			return m
		}
	}
	return nil
}

// MessageCount returns the number of messages.
func (c *ChatSession) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *ChatSession) IsEmpty() bool {
	return len(c.Messages) == 0
}

// SortMessages orders messages by creation timestamp. Display order is
// independent of streaming completion order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle auto-generates a title from the first user message if not set.
func (c *ChatSession) updateTitle() {
	if c.Title != "" {
		return
	}
	for i := range c.Messages {
		if c.Messages[i].Role == RoleUser {
			title := c.Messages[i].Preview(50)
			title = strings.ReplaceAll(title, "\n", " ")
			c.Title = strings.TrimSpace(title)
			return
		}
	}
}

// GetTitle returns the session title or a default.
func (c *ChatSession) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// Meta returns lightweight metadata for listing.
func (c *ChatSession) Meta() SessionMeta {
	return SessionMeta{
		ID:           c.ID,
		Title:        c.GetTitle(),
		Model:        c.Model,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// SessionMeta holds lightweight metadata for listing chat sessions.
type SessionMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
