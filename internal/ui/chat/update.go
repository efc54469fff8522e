// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file implements the Bubble Tea update loop for the chat view.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/halcyonlabs/chatflow/internal/engine"
	"github.com/halcyonlabs/chatflow/internal/model"
)

// storeTimeout bounds synchronous store calls made from the update loop.
const storeTimeout = 5 * time.Second

// =============================================================================
// UPDATE LOOP
// =============================================================================

// Update handles all Bubble Tea messages for the chat view.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case tea.KeyMsg:
		cmd, handled := m.handleKey(msg)
		if handled {
			return m, cmd
		}

	case spinner.TickMsg:
		if m.streaming {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case engineUpdateMsg:
		m.applyUpdate(msg.update)
		// Keep exactly one listener on the channel.
		cmds = append(cmds, waitForUpdate(m.updates))

	case generationDoneMsg:
		if msg.chatID == m.session.ID {
			m.streaming = false
			m.finishGeneration(msg)
		}

	case updatesClosedMsg:
		return m, tea.Quit
	}

	// Route remaining input to the widgets.
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleKey processes key bindings. It reports handled=false for keys that
// should flow through to the text input and viewport.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancelActive()
		return tea.Quit, true

	case key.Matches(msg, m.keys.Cancel):
		if m.streaming {
			m.cancelActive()
			return nil, true
		}
		return nil, false

	case key.Matches(msg, m.keys.Submit):
		return m.submit(), true

	case key.Matches(msg, m.keys.Retry):
		if !m.streaming && m.lastErr != nil && m.lastUserContent != "" {
			return m.startExchange(m.lastUserContent), true
		}
		return nil, true

	case key.Matches(msg, m.keys.NewChat):
		if !m.streaming {
			m.newChat()
		}
		return nil, true

	case key.Matches(msg, m.keys.PageUp), key.Matches(msg, m.keys.PageDown),
		key.Matches(msg, m.keys.Up), key.Matches(msg, m.keys.Down):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return cmd, true
	}
	return nil, false
}

// submit sends the current input as a user message.
func (m *Model) submit() tea.Cmd {
	content := strings.TrimSpace(m.input.Value())
	if content == "" {
		return nil
	}
	if m.streaming {
		m.statusNote = "a response is already streaming, esc to cancel"
		return nil
	}
	m.input.Reset()
	return m.startExchange(content)
}

// newChat persists a fresh session and switches the view to it.
func (m *Model) newChat() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	session := model.NewChatSession(m.modelID)
	if err := m.store.CreateChat(ctx, session); err != nil {
		m.statusNote = "new chat failed: " + err.Error()
		return
	}
	m.session = session
	m.lastErr = nil
	m.lastUserContent = ""
	m.statusNote = ""
	m.refreshViewport()
}

// finishGeneration settles the view state once a run has ended. Failures that
// happen before the engine publishes any update (a missing credential, for
// one) never reach applyUpdate, so the error is captured here as well.
func (m *Model) finishGeneration(msg generationDoneMsg) {
	switch {
	case msg.canceled:
		m.statusNote = "generation canceled, partial response kept"

	case msg.err != nil:
		var engErr *engine.EngineError
		if errors.As(msg.err, &engErr) && m.lastErr == nil {
			m.lastErr = engErr
		}

	default:
		m.lastUserContent = ""
		if msg.result.Attempts > 1 {
			m.statusNote = fmt.Sprintf("recovered after %d attempts", msg.result.Attempts)
		}
	}
	m.refreshViewport()
}

// =============================================================================
// ENGINE UPDATE APPLICATION
// =============================================================================

// applyUpdate folds one engine notification into the displayed session.
// Updates carry the full accumulated content, so application is a plain
// replace, never an append.
func (m *Model) applyUpdate(u engine.Update) {
	if u.ChatID != m.session.ID {
		return
	}

	if u.Err != nil {
		m.lastErr = u.Err
	}

	if existing := m.session.GetMessageByID(u.MessageID); existing != nil {
		existing.Content = u.Content
		existing.IsComplete = u.Complete
		existing.UpdatedAt = time.Now()
	} else {
		msg := model.Message{
			ID:         u.MessageID,
			ChatID:     u.ChatID,
			Role:       u.Role,
			Content:    u.Content,
			IsComplete: u.Complete,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}
		m.session.AddMessage(msg)
	}

	m.refreshViewport()
}

// resize recomputes the layout for a new terminal size.
func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	m.initRenderer()

	// Reserve rows for the title, input line and status bar.
	vpHeight := height - 4
	if vpHeight < 1 {
		vpHeight = 1
	}

	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}
	m.input.Width = width - 4
	m.refreshViewport()
}

// refreshViewport re-renders the transcript and pins the view to the bottom
// while streaming.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTranscript())
	if m.streaming || atBottom {
		m.viewport.GotoBottom()
	}
}
