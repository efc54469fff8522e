// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides SQLite-backed chat and message persistence.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/halcyonlabs/chatflow/internal/model"
)

// ErrNotFound indicates the requested chat or message does not exist.
var ErrNotFound = errors.New("not found")

// =============================================================================
// STORE
// =============================================================================

// Store implements the engine's persistence interface plus chat CRUD on
// top of SQLite.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at the given path.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent reads while a stream is writing.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chats (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		model      TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		chat_id       TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		role          TEXT NOT NULL,
		content       TEXT NOT NULL DEFAULT '',
		is_complete   INTEGER NOT NULL DEFAULT 0,
		generation_id TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_incomplete ON messages(chat_id) WHERE is_complete = 0;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// CHAT CRUD
// =============================================================================

// CreateChat persists a new chat session (metadata only).
func (s *Store) CreateChat(ctx context.Context, chat *model.ChatSession) error {
	if chat.ID == "" {
		chat.ID = "chat_" + uuid.NewString()
	}
	now := time.Now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.Title, chat.Model, chat.CreatedAt.UnixNano(), chat.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// GetChat loads a chat session with its full ordered message list.
func (s *Store) GetChat(ctx context.Context, id string) (*model.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, created_at, updated_at FROM chats WHERE id = ?`, id)

	var chat model.ChatSession
	var created, updated int64
	if err := row.Scan(&chat.ID, &chat.Title, &chat.Model, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load chat: %w", err)
	}
	chat.CreatedAt = time.Unix(0, created)
	chat.UpdatedAt = time.Unix(0, updated)

	msgs, err := s.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	chat.Messages = msgs
	return &chat, nil
}

// ListChats returns chat metadata ordered by most recently updated.
func (s *Store) ListChats(ctx context.Context) ([]model.SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.model, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id)
		FROM chats c ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var metas []model.SessionMeta
	for rows.Next() {
		var meta model.SessionMeta
		var created, updated int64
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.Model, &created, &updated, &meta.MessageCount); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		meta.CreatedAt = time.Unix(0, created)
		meta.UpdatedAt = time.Unix(0, updated)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id)
	return err
}

// touchChat bumps the chat's updated_at.
func (s *Store) touchChat(ctx context.Context, chatID string, at time.Time) {
	s.db.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, at.UnixNano(), chatID)
}

// =============================================================================
// MESSAGE CRUD (engine persistence interface)
// =============================================================================

// AppendMessage persists a message, filling in id and timestamps when
// absent, and returns the stored record.
func (s *Store) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.NewString()
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, is_complete, generation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Role.String(), msg.Content, boolToInt(msg.IsComplete),
		msg.GenerationID, msg.CreatedAt.UnixNano(), msg.UpdatedAt.UnixNano())
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	s.touchChat(ctx, msg.ChatID, now)
	return msg, nil
}

// UpdateMessageContent overwrites a message's content, completion flag and
// generation id. Last writer wins per field; readers resolve races with
// the dedup rule (later updated_at).
func (s *Store) UpdateMessageContent(ctx context.Context, id, content string, complete bool, generationID string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, is_complete = ?, generation_id = ?, updated_at = ?
		WHERE id = ?`,
		content, boolToInt(complete), generationID, now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, role, content, is_complete, generation_id, created_at, updated_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, err
	}
	return msg, nil
}

// ListMessages returns a chat's messages ordered by creation time.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, chat_id, role, content, is_complete, generation_id, created_at, updated_at
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC`, chatID)
}

// ListIncompleteMessages returns the chat's messages still streaming (or
// abandoned mid-stream), ordered by creation time.
func (s *Store) ListIncompleteMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, chat_id, role, content, is_complete, generation_id, created_at, updated_at
		FROM messages WHERE chat_id = ? AND is_complete = 0 ORDER BY created_at ASC`, chatID)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var msg model.Message
	var role string
	var complete int
	var created, updated int64
	if err := row.Scan(&msg.ID, &msg.ChatID, &role, &msg.Content, &complete,
		&msg.GenerationID, &created, &updated); err != nil {
		return model.Message{}, err
	}
	msg.Role = model.Role(role)
	msg.IsComplete = complete != 0
	msg.CreatedAt = time.Unix(0, created)
	msg.UpdatedAt = time.Unix(0, updated)
	return msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
