// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"testing"

	"github.com/halcyonlabs/chatflow/internal/engine"
	"github.com/halcyonlabs/chatflow/internal/model"
)

func newTestModel() *Model {
	session := model.NewChatSession("test/model")
	return New(Config{
		Session: session,
		ModelID: "test/model",
	})
}

func TestApplyUpdateInsertsAndReplaces(t *testing.T) {
	m := newTestModel()
	chatID := m.session.ID

	m.applyUpdate(engine.Update{
		ChatID:    chatID,
		MessageID: "msg-1",
		Role:      model.RoleAssistant,
		Content:   "Hel",
	})
	if m.session.MessageCount() != 1 {
		t.Fatalf("messages = %d, want 1", m.session.MessageCount())
	}

	// Updates carry the full content so far: replace, never append.
	m.applyUpdate(engine.Update{
		ChatID:    chatID,
		MessageID: "msg-1",
		Role:      model.RoleAssistant,
		Content:   "Hello world",
		Complete:  true,
	})
	if m.session.MessageCount() != 1 {
		t.Fatalf("messages after second update = %d, want 1", m.session.MessageCount())
	}
	got := m.session.GetMessageByID("msg-1")
	if got.Content != "Hello world" || !got.IsComplete {
		t.Errorf("message = %+v", got)
	}
}

func TestApplyUpdateIgnoresOtherChats(t *testing.T) {
	m := newTestModel()
	m.applyUpdate(engine.Update{
		ChatID:    "some-other-chat",
		MessageID: "msg-1",
		Role:      model.RoleAssistant,
		Content:   "noise",
	})
	if !m.session.IsEmpty() {
		t.Error("updates for other chats must not leak into the view")
	}
}

func TestApplyUpdateCapturesError(t *testing.T) {
	m := newTestModel()
	m.applyUpdate(engine.Update{
		ChatID:    m.session.ID,
		MessageID: "msg-1",
		Role:      model.RoleAssistant,
		Content:   "partial",
		Err:       &engine.EngineError{Kind: engine.KindServiceUnavailable},
	})
	if m.lastErr == nil || m.lastErr.Kind != engine.KindServiceUnavailable {
		t.Errorf("lastErr = %+v", m.lastErr)
	}
	// The partial content stays visible alongside the error.
	if got := m.session.GetMessageByID("msg-1"); got == nil || got.Content != "partial" {
		t.Errorf("message = %+v, want partial content kept", got)
	}
}

func TestFinishGenerationSurfacesEarlyFailure(t *testing.T) {
	// A missing credential fails the run before any engine update is
	// published, so the error arrives only through the done message.
	m := newTestModel()
	m.streaming = true

	m.Update(generationDoneMsg{
		chatID: m.session.ID,
		err:    &engine.EngineError{Kind: engine.KindMissingCredential},
	})

	if m.streaming {
		t.Error("streaming should be cleared once the run ends")
	}
	if m.lastErr == nil || m.lastErr.Kind != engine.KindMissingCredential {
		t.Fatalf("lastErr = %+v, want missing-credential", m.lastErr)
	}
	// The transcript shows the failure even with no messages in the session.
	if got := m.renderTranscript(); !strings.Contains(got, "no API key configured") {
		t.Errorf("transcript = %q, want credential error shown", got)
	}
}

func TestFinishGenerationKeepsStreamError(t *testing.T) {
	m := newTestModel()
	m.streaming = true
	m.applyUpdate(engine.Update{
		ChatID:    m.session.ID,
		MessageID: "msg-1",
		Role:      model.RoleAssistant,
		Content:   "partial",
		Err:       &engine.EngineError{Kind: engine.KindServiceUnavailable},
	})

	m.Update(generationDoneMsg{
		chatID: m.session.ID,
		err:    &engine.EngineError{Kind: engine.KindUnknown},
	})

	// The error attached to the stream update is the specific one; the
	// done message must not overwrite it.
	if m.lastErr == nil || m.lastErr.Kind != engine.KindServiceUnavailable {
		t.Errorf("lastErr = %+v, want service-unavailable kept", m.lastErr)
	}
}

func TestFinishGenerationSuccessClearsRetryState(t *testing.T) {
	m := newTestModel()
	m.streaming = true
	m.lastUserContent = "hello"

	m.Update(generationDoneMsg{
		chatID: m.session.ID,
		result: engine.Result{GenerationID: "gen-1", MessageID: "msg-1", Attempts: 2},
	})

	if m.lastUserContent != "" {
		t.Errorf("lastUserContent = %q, want cleared after success", m.lastUserContent)
	}
	if !strings.Contains(m.statusNote, "2 attempts") {
		t.Errorf("statusNote = %q, want retry recovery noted", m.statusNote)
	}
}

func TestErrorHeadlinesCoverAllKinds(t *testing.T) {
	kinds := []engine.ErrorKind{
		engine.KindUnknown,
		engine.KindMissingCredential,
		engine.KindInvalidCredential,
		engine.KindInsufficientQuota,
		engine.KindRateLimited,
		engine.KindServiceUnavailable,
		engine.KindConcurrentStreamConflict,
	}
	for _, k := range kinds {
		if errorHeadline(k) == "" {
			t.Errorf("no headline for %v", k)
		}
		if errorHint(k) == "" {
			t.Errorf("no hint for %v", k)
		}
	}
}

func TestTruncateLine(t *testing.T) {
	if got := truncateLine("hello", 10); got != "hello" {
		t.Errorf("short line = %q", got)
	}
	got := truncateLine(strings.Repeat("界", 10), 8)
	if got == strings.Repeat("界", 10) {
		t.Error("wide-rune line should have been truncated")
	}
	if got := truncateLine("anything", 0); got != "anything" {
		t.Errorf("zero width should be a no-op, got %q", got)
	}
}
