// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/chatflow/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestChatCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	chat := model.NewChatSession("test/model")
	chat.Title = "First chat"
	require.NoError(t, store.CreateChat(ctx, chat))

	got, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, got.ID)
	assert.Equal(t, "First chat", got.Title)
	assert.Equal(t, "test/model", got.Model)
	assert.Empty(t, got.Messages)

	_, err = store.GetChat(ctx, "chat_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteChat(ctx, chat.ID))
	_, err = store.GetChat(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteChat(ctx, chat.ID), ErrNotFound)
}

func TestListChatsOrderedByActivity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := model.NewChatSession("test/model")
	second := model.NewChatSession("test/model")
	require.NoError(t, store.CreateChat(ctx, first))
	require.NoError(t, store.CreateChat(ctx, second))

	// Appending a message bumps the chat's activity timestamp.
	_, err := store.AppendMessage(ctx, model.NewUserMessage(first.ID, "hello"))
	require.NoError(t, err)

	metas, err := store.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, first.ID, metas[0].ID, "most recently active chat first")
	assert.Equal(t, 1, metas[0].MessageCount)
	assert.Equal(t, 0, metas[1].MessageCount)
}

func TestAppendAndGetMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	chat := model.NewChatSession("test/model")
	require.NoError(t, store.CreateChat(ctx, chat))

	stored, err := store.AppendMessage(ctx, model.NewUserMessage(chat.ID, "hello"))
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	got, err := store.GetMessage(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, model.RoleUser, got.Role)
	assert.True(t, got.IsComplete)
	assert.Equal(t, stored.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	_, err = store.GetMessage(ctx, "msg_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMessageContent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	chat := model.NewChatSession("test/model")
	require.NoError(t, store.CreateChat(ctx, chat))

	placeholder, err := store.AppendMessage(ctx, model.NewAssistantPlaceholder(chat.ID))
	require.NoError(t, err)

	require.NoError(t, store.UpdateMessageContent(ctx, placeholder.ID, "partial", false, "gen-1"))
	got, err := store.GetMessage(ctx, placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", got.Content)
	assert.False(t, got.IsComplete)
	assert.Equal(t, "gen-1", got.GenerationID)

	require.NoError(t, store.UpdateMessageContent(ctx, placeholder.ID, "full answer", true, "gen-1"))
	got, err = store.GetMessage(ctx, placeholder.ID)
	require.NoError(t, err)
	assert.True(t, got.IsComplete)
	assert.Equal(t, "full answer", got.Content)

	assert.ErrorIs(t, store.UpdateMessageContent(ctx, "msg_missing", "x", true, ""), ErrNotFound)
}

func TestListMessagesOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	chat := model.NewChatSession("test/model")
	require.NoError(t, store.CreateChat(ctx, chat))

	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		msg, err := store.AppendMessage(ctx, model.NewUserMessage(chat.ID, content))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	msgs, err := store.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, id := range ids {
		assert.Equal(t, id, msgs[i].ID)
	}
}

func TestListIncompleteMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	chat := model.NewChatSession("test/model")
	require.NoError(t, store.CreateChat(ctx, chat))

	_, err := store.AppendMessage(ctx, model.NewUserMessage(chat.ID, "hi"))
	require.NoError(t, err)
	placeholder, err := store.AppendMessage(ctx, model.NewAssistantPlaceholder(chat.ID))
	require.NoError(t, err)

	incomplete, err := store.ListIncompleteMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, placeholder.ID, incomplete[0].ID)

	// Completion removes it from the incomplete set.
	require.NoError(t, store.UpdateMessageContent(ctx, placeholder.ID, "done", true, "gen-1"))
	incomplete, err = store.ListIncompleteMessages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestGetChatIncludesMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	chat := model.NewChatSession("test/model")
	require.NoError(t, store.CreateChat(ctx, chat))
	_, err := store.AppendMessage(ctx, model.NewUserMessage(chat.ID, "question"))
	require.NoError(t, err)

	got, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "question", got.Messages[0].Content)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "chat.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))
}
