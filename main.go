// chatflow - A terminal chat client with a resilient streaming engine.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/halcyonlabs/chatflow/internal/config"
	"github.com/halcyonlabs/chatflow/internal/engine"
	"github.com/halcyonlabs/chatflow/internal/model"
	"github.com/halcyonlabs/chatflow/internal/provider"
	"github.com/halcyonlabs/chatflow/internal/storage"
	"github.com/halcyonlabs/chatflow/internal/ui/chat"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// startupTimeout bounds store access and resumption during launch.
const startupTimeout = 15 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("chatflow %s (%s)\n", Version, GitCommit)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	store, err := storage.Open(filepath.Join(dir, "chatflow.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	creds := config.NewCredentials(cfg.Provider.APIKey)
	client := provider.NewClient(creds.Credential()).
		WithBaseURL(cfg.Provider.BaseURL).
		WithTimeout(cfg.Timeout())

	// Hot-reload credentials and defaults when the config file changes.
	cfgPath, err := config.Path()
	if err != nil {
		return err
	}
	watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
		creds.Set(next.Provider.APIKey)
		client.SetAPIKey(next.Provider.APIKey)
	})
	if err != nil {
		log.Printf("config watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	updates := make(chan engine.Update, 256)
	eng := engine.New(engine.Config{
		Store:       store,
		Transport:   engine.NewProviderTransport(client),
		Credentials: creds,
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Stream.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    10 * time.Second,
		},
		Coalescer: engine.CoalescerConfig{
			MaxChunks:   cfg.Stream.CoalesceChunks,
			MaxInterval: cfg.CoalesceInterval(),
		},
		Notify: func(u engine.Update) { updates <- u },
	})

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	session, err := openSession(ctx, store, cfg.DefaultModel)
	if err != nil {
		return err
	}

	// Finalize generations interrupted by a previous crash before the UI
	// starts reading the session.
	resumer := engine.NewResumptionManager(store, engine.NewProviderTransport(client), nil)
	if err := resumer.Scan(ctx, session.ID); err != nil {
		log.Printf("resumption: %v", err)
	}
	// Re-read so finalized content is displayed.
	if refreshed, err := store.GetChat(ctx, session.ID); err == nil {
		session = refreshed
	}

	view := chat.New(chat.Config{
		Engine:  eng,
		Store:   store,
		Session: session,
		ModelID: cfg.DefaultModel,
		Updates: updates,
	})

	p := tea.NewProgram(view, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run UI: %w", err)
	}
	return nil
}

// openSession returns the most recently updated chat, or a fresh one when
// the store is empty.
func openSession(ctx context.Context, store *storage.Store, modelID string) (*model.ChatSession, error) {
	metas, err := store.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if len(metas) > 0 {
		return store.GetChat(ctx, metas[0].ID)
	}

	session := model.NewChatSession(modelID)
	if err := store.CreateChat(ctx, session); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return session, nil
}
