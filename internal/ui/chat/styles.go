// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file defines the lipgloss styles used by the chat view. Colors are
// adaptive so the UI stays legible on both light and dark terminals.
package chat

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// =============================================================================
// COLOR PALETTE
// =============================================================================

var (
	colorUser      = lipgloss.AdaptiveColor{Light: "#005F87", Dark: "#5FD7FF"}
	colorAssistant = lipgloss.AdaptiveColor{Light: "#5F00AF", Dark: "#D7AFFF"}
	colorError     = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}
	colorWarn      = lipgloss.AdaptiveColor{Light: "#AF5F00", Dark: "#FFD75F"}
	colorMuted     = lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#808080"}
	colorAccent    = lipgloss.AdaptiveColor{Light: "#005F5F", Dark: "#5FFFAF"}
)

// =============================================================================
// STYLES
// =============================================================================

// Styles holds the rendered-text styles for the chat view.
type Styles struct {
	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	ErrorBanner    lipgloss.Style
	WarnBanner     lipgloss.Style
	StatusBar      lipgloss.Style
	StatusKey      lipgloss.Style
	Muted          lipgloss.Style
	Title          lipgloss.Style
	InputPrompt    lipgloss.Style
	Incomplete     lipgloss.Style
}

// DefaultStyles builds the default style set.
func DefaultStyles() Styles {
	return Styles{
		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(colorUser),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(colorAssistant),
		ErrorBanner:    lipgloss.NewStyle().Foreground(colorError).Bold(true),
		WarnBanner:     lipgloss.NewStyle().Foreground(colorWarn),
		StatusBar:      lipgloss.NewStyle().Foreground(colorMuted),
		StatusKey:      lipgloss.NewStyle().Foreground(colorAccent),
		Muted:          lipgloss.NewStyle().Foreground(colorMuted),
		Title:          lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		InputPrompt:    lipgloss.NewStyle().Foreground(colorAccent),
		Incomplete:     lipgloss.NewStyle().Italic(true).Foreground(colorMuted),
	}
}

// colorProfile reports whether the terminal supports color at all. Glamour
// rendering is skipped on dumb terminals.
func colorProfile() termenv.Profile {
	return termenv.ColorProfile()
}
