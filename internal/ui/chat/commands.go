// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file bridges the streaming engine to the Bubble Tea loop. Engine
// notifications arrive on a channel; tea.Cmd wrappers turn them into
// messages so all state changes happen on the Update goroutine.
package chat

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/halcyonlabs/chatflow/internal/engine"
)

// =============================================================================
// MESSAGES
// =============================================================================

// engineUpdateMsg carries one engine notification into Update.
type engineUpdateMsg struct {
	update engine.Update
}

// generationDoneMsg reports the outcome of an engine.Run call.
type generationDoneMsg struct {
	chatID   string
	result   engine.Result
	err      error
	canceled bool
}

// updatesClosedMsg signals the update channel was closed (shutdown).
type updatesClosedMsg struct{}

// =============================================================================
// COMMANDS
// =============================================================================

// waitForUpdate blocks on the engine update channel. Update re-issues it
// after consuming each message, keeping exactly one listener alive.
func waitForUpdate(ch chan engine.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return engineUpdateMsg{update: u}
	}
}

// runGeneration starts an engine run for the session. The engine owns
// cancellation via Engine.Cancel, so the context here is background.
func runGeneration(eng *engine.Engine, chatID, content, modelID string) tea.Cmd {
	return func() tea.Msg {
		res, err := eng.Run(context.Background(), chatID, content, modelID, engine.Options{})
		return generationDoneMsg{
			chatID:   chatID,
			result:   res,
			err:      err,
			canceled: errors.Is(err, context.Canceled),
		}
	}
}
