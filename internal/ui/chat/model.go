// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file defines the Bubble Tea model: the chat session being displayed,
// the engine driving generations, and the widgets composing the view.
package chat

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/halcyonlabs/chatflow/internal/engine"
	"github.com/halcyonlabs/chatflow/internal/model"
	"github.com/halcyonlabs/chatflow/internal/storage"
)

// =============================================================================
// MODEL DEFINITION
// =============================================================================

// updateChanCap bounds the engine->UI update channel. The engine coalesces
// chunks before notifying, so even fast streams stay well under this.
const updateChanCap = 256

// Model is the Bubble Tea model for the chat view.
type Model struct {
	engine  *engine.Engine
	store   *storage.Store
	session *model.ChatSession
	modelID string

	// updates carries engine notifications into the Bubble Tea loop.
	updates chan engine.Update

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	keys     KeyMap
	styles   Styles
	renderer *glamour.TermRenderer

	width  int
	height int
	ready  bool

	// streaming is true while a generation is in flight for this session.
	streaming bool
	// lastErr is the most recent engine failure, shown until the next send.
	lastErr *engine.EngineError
	// lastUserContent supports the retry affordance. The failed assistant
	// message keeps its partial content; retry starts a fresh exchange.
	lastUserContent string

	// statusNote is a transient line in the status bar (resumption results,
	// cancellations).
	statusNote string
}

// Config wires the chat view to its collaborators.
type Config struct {
	Engine  *engine.Engine
	Store   *storage.Store
	Session *model.ChatSession
	ModelID string
	Updates chan engine.Update
}

// New creates the chat view model. The Updates channel must be the one the
// engine's Notifier feeds; pass nil to have the view allocate it (the caller
// then reads it via UpdateChan when constructing the engine).
func New(cfg Config) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 0
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(colorAccent)

	updates := cfg.Updates
	if updates == nil {
		updates = make(chan engine.Update, updateChanCap)
	}

	return &Model{
		engine:  cfg.Engine,
		store:   cfg.Store,
		session: cfg.Session,
		modelID: cfg.ModelID,
		updates: updates,
		input:   input,
		spinner: sp,
		keys:    DefaultKeyMap(),
		styles:  DefaultStyles(),
	}
}

// UpdateChan returns the channel engine notifications must be sent on.
func (m *Model) UpdateChan() chan engine.Update { return m.updates }

// Init starts the update-channel listener.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitForUpdate(m.updates),
	)
}

// Session returns the session currently displayed.
func (m *Model) Session() *model.ChatSession { return m.session }

// initRenderer builds the glamour renderer for the current width. Glamour
// re-wraps markdown, so the renderer is rebuilt on resize.
func (m *Model) initRenderer() {
	width := m.width - 4
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		m.renderer = nil
		return
	}
	m.renderer = r
}

// cancelActive asks the engine to stop the in-flight generation for this
// session. Partial content already persisted is kept.
func (m *Model) cancelActive() {
	if m.engine != nil {
		m.engine.Cancel(m.session.ID)
	}
}

// startExchange sends content as a new user message and begins streaming.
func (m *Model) startExchange(content string) tea.Cmd {
	m.streaming = true
	m.lastErr = nil
	m.statusNote = ""
	m.lastUserContent = content
	return tea.Batch(
		m.spinner.Tick,
		runGeneration(m.engine, m.session.ID, content, m.modelID),
	)
}
