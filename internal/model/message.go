// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a chat session.
//
// Content is mutable while an assistant message is streaming; IsComplete
// flips to true exactly once, on the terminal chunk or during resumption.
// At most one assistant message per chat may have IsComplete == false at
// any time.
type Message struct {
	// Identity
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
	Role   Role   `json:"role"`

	// Content
	Content string `json:"content"`

	// Streaming state
	IsComplete bool `json:"is_complete"`

	// GenerationID is the provider-assigned handle for the completion run
	// that produced (or is producing) this message. Empty until the first
	// chunk carrying one arrives.
	GenerationID string `json:"generation_id,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(chatID string, role Role, content string) Message {
	now := time.Now()
	return Message{
		ID:         "msg_" + uuid.NewString(),
		ChatID:     chatID,
		Role:       role,
		Content:    content,
		IsComplete: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewUserMessage creates a complete user message.
func NewUserMessage(chatID, content string) Message {
	return NewMessage(chatID, RoleUser, content)
}

// NewAssistantPlaceholder creates the empty, incomplete assistant message
// that is appended the instant a completion request is accepted. It is
// mutated exclusively through the streaming path until completion.
func NewAssistantPlaceholder(chatID string) Message {
	msg := NewMessage(chatID, RoleAssistant, "")
	msg.IsComplete = false
	return msg
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	return string(runes[:maxLen-3]) + "..."
}

// Handle returns the generation handle for this message, or false when no
// generation id has been captured yet.
func (m *Message) Handle() (GenerationHandle, bool) {
	if m.GenerationID == "" {
		return GenerationHandle{}, false
	}
	return GenerationHandle{
		GenerationID: m.GenerationID,
		ChatID:       m.ChatID,
		MessageID:    m.ID,
	}, true
}

// =============================================================================
// GENERATION HANDLE
// =============================================================================

// GenerationHandle is the only state needed to query the provider for the
// true terminal status of a generation after a reload. It exists from the
// moment the provider returns an id until the message is marked complete.
type GenerationHandle struct {
	GenerationID string `json:"generation_id"`
	ChatID       string `json:"chat_id"`
	MessageID    string `json:"message_id"`
}

// =============================================================================
// DEDUPLICATION
// =============================================================================

// DedupeMessages resolves duplicate message records deterministically:
// given two records with the same id, the one with the later UpdatedAt
// wins. This is the tie-break rule for concurrent writers, e.g. a stale
// resumption racing a fresh retry. Relative order of distinct ids follows
// their first occurrence.
func DedupeMessages(msgs []Message) []Message {
	byID := make(map[string]int, len(msgs))
	out := make([]Message, 0, len(msgs))

	for _, m := range msgs {
		idx, seen := byID[m.ID]
		if !seen {
			byID[m.ID] = len(out)
			out = append(out, m)
			continue
		}
		if m.UpdatedAt.After(out[idx].UpdatedAt) {
			out[idx] = m
		}
	}
	return out
}
