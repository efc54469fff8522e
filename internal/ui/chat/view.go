// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file renders the chat view: title, transcript viewport, input line
// and status bar.
package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"

	"github.com/halcyonlabs/chatflow/internal/engine"
	"github.com/halcyonlabs/chatflow/internal/model"
)

// =============================================================================
// VIEW
// =============================================================================

// View renders the full chat screen.
func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderTitle())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderInput())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderTitle() string {
	title := m.session.GetTitle()
	if title == "" {
		title = "New Chat"
	}
	line := m.styles.Title.Render(title) + m.styles.Muted.Render("  ·  "+m.modelID)
	return truncateLine(line, m.width)
}

func (m *Model) renderInput() string {
	if m.streaming {
		return m.spinner.View() + " " + m.styles.Muted.Render("streaming... (esc to cancel)")
	}
	return m.input.View()
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// renderTranscript renders all session messages for the viewport.
func (m *Model) renderTranscript() string {
	var b strings.Builder
	if m.session.IsEmpty() {
		b.WriteString(m.styles.Muted.Render("No messages yet. Type below and press enter."))
	}
	for i := range m.session.Messages {
		msg := &m.session.Messages[i]
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg))
	}

	if m.lastErr != nil && !m.streaming {
		b.WriteString("\n")
		b.WriteString(m.renderError(m.lastErr))
	}
	return b.String()
}

func (m *Model) renderMessage(msg *model.Message) string {
	var b strings.Builder

	label := msg.Role.DisplayName()
	switch msg.Role {
	case model.RoleUser:
		b.WriteString(m.styles.UserLabel.Render(label))
	case model.RoleAssistant:
		b.WriteString(m.styles.AssistantLabel.Render(label))
	default:
		b.WriteString(m.styles.Muted.Render(label))
	}
	b.WriteString("\n")

	content := msg.Content
	if content == "" && !msg.IsComplete {
		b.WriteString(m.styles.Incomplete.Render("..."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.renderMarkdown(msg.Role, content))
	if !msg.IsComplete && !m.streaming {
		b.WriteString(m.styles.Incomplete.Render("[incomplete]"))
		b.WriteString("\n")
	}
	return b.String()
}

// renderMarkdown renders assistant content through glamour. User messages
// and dumb terminals get plain text; render failures fall back to raw.
func (m *Model) renderMarkdown(role model.Role, content string) string {
	if role != model.RoleAssistant || m.renderer == nil || colorProfile() == termenv.Ascii {
		return content + "\n"
	}
	rendered, err := m.renderer.Render(content)
	if err != nil {
		return content + "\n"
	}
	return strings.TrimLeft(rendered, "\n")
}

// =============================================================================
// ERROR + STATUS RENDERING
// =============================================================================

// renderError formats a terminal engine failure with a recovery hint.
func (m *Model) renderError(engErr *engine.EngineError) string {
	banner := m.styles.ErrorBanner.Render("error: " + errorHeadline(engErr.Kind))
	hint := m.styles.Muted.Render(errorHint(engErr.Kind))
	return banner + "\n" + hint + "\n"
}

func errorHeadline(kind engine.ErrorKind) string {
	switch kind {
	case engine.KindMissingCredential:
		return "no API key configured"
	case engine.KindInvalidCredential:
		return "API key rejected"
	case engine.KindInsufficientQuota:
		return "account quota exhausted"
	case engine.KindRateLimited:
		return "rate limited"
	case engine.KindServiceUnavailable:
		return "provider unavailable"
	case engine.KindConcurrentStreamConflict:
		return "a response is already streaming for this chat"
	default:
		return "request failed"
	}
}

func errorHint(kind engine.ErrorKind) string {
	switch kind {
	case engine.KindMissingCredential:
		return "set OPENROUTER_API_KEY or add api_key to ~/.chatflow/config.toml"
	case engine.KindInvalidCredential:
		return "check the configured API key"
	case engine.KindInsufficientQuota:
		return "add credits to your provider account"
	case engine.KindRateLimited:
		return "wait for the limit window to reset, then ctrl+r to retry"
	case engine.KindConcurrentStreamConflict:
		return "wait for it to finish or press esc to cancel it"
	default:
		return "press ctrl+r to retry (partial response is kept)"
	}
}

// renderStatusBar renders key hints plus rate-limit state on one line.
func (m *Model) renderStatusBar() string {
	var parts []string
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		parts = append(parts, m.styles.StatusKey.Render(h.Key)+" "+m.styles.StatusBar.Render(h.Desc))
	}
	line := strings.Join(parts, m.styles.StatusBar.Render(" · "))

	if note := m.statusLine(); note != "" {
		line += m.styles.StatusBar.Render("  |  ") + note
	}
	return truncateLine(line, m.width)
}

// statusLine picks the transient note or the rate-limit readout.
func (m *Model) statusLine() string {
	if m.statusNote != "" {
		return m.styles.WarnBanner.Render(m.statusNote)
	}
	if m.engine == nil {
		return ""
	}
	if !m.engine.IsAvailable() {
		wait := m.engine.TimeUntilReset().Round(time.Second)
		return m.styles.WarnBanner.Render(fmt.Sprintf("rate limited, resets in %s", wait))
	}
	state := m.engine.Limits().Snapshot()
	if state.RemainingRequests >= 0 {
		return m.styles.Muted.Render(fmt.Sprintf("%d requests left", state.RemainingRequests))
	}
	return ""
}

// truncateLine clips a styled line to the terminal width, accounting for
// wide runes.
func truncateLine(s string, width int) string {
	if width <= 0 {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
