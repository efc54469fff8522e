// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/halcyonlabs/chatflow/internal/model"
)

// =============================================================================
// RESUMPTION MANAGER
// =============================================================================

// ResumptionManager reconciles local incomplete messages with the
// provider's authoritative terminal status after a reload or crash.
//
// The provider offers no mid-stream resume: a generation can only be
// queried for whether it already finished, and with what content. This is
// therefore best-effort finalization, not token-level resumption.
type ResumptionManager struct {
	store     Store
	transport Transport
	notify    Notifier
}

// NewResumptionManager creates a resumption manager over the same store
// and transport the engine uses.
func NewResumptionManager(store Store, transport Transport, notify Notifier) *ResumptionManager {
	return &ResumptionManager{
		store:     store,
		transport: transport,
		notify:    notify,
	}
}

// Scan runs once at session start. For every incomplete assistant message:
//
//   - with a generation id: query the provider's generation status; when a
//     finish reason is present, mark the message complete with the
//     provider's last confirmed content (keeping the local partial when
//     the status carries none);
//   - without a generation id: an orphaned placeholder from a crash before
//     the first chunk arrived — mark it complete as-is, no provider call,
//     since there is no handle to query.
//
// Scan is idempotent: an already-complete message is never touched, so
// re-running it is a no-op.
func (r *ResumptionManager) Scan(ctx context.Context, chatID string) error {
	incomplete, err := r.store.ListIncompleteMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("list incomplete messages: %w", err)
	}

	var errs []error
	for i := range incomplete {
		msg := incomplete[i]
		if msg.IsComplete || msg.Role != model.RoleAssistant {
			continue
		}

		if msg.GenerationID == "" {
			if err := r.finalize(ctx, msg, msg.Content); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		status, err := r.transport.GenerationStatus(ctx, msg.GenerationID)
		if err != nil {
			// Leave the message incomplete; a later scan can try again.
			errs = append(errs, fmt.Errorf("generation %s: %w", msg.GenerationID, err))
			continue
		}

		if status.FinishReason == "" {
			// Not terminal on the provider side; nothing to reconcile.
			continue
		}

		content := status.FinalContent
		if content == "" {
			content = msg.Content
		}
		if err := r.finalize(ctx, msg, content); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// finalize marks a message complete, then notifies.
func (r *ResumptionManager) finalize(ctx context.Context, msg model.Message, content string) error {
	if err := r.store.UpdateMessageContent(ctx, msg.ID, content, true, msg.GenerationID); err != nil {
		return fmt.Errorf("finalize message %s: %w", msg.ID, err)
	}
	if r.notify != nil {
		r.notify(Update{
			ChatID:    msg.ChatID,
			MessageID: msg.ID,
			Role:      msg.Role,
			Content:   content,
			Complete:  true,
		})
	}
	return nil
}
