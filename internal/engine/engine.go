// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine implements the streaming completion engine: request
// orchestration, chunk coalescing, error classification with retry and
// backoff, rate limit tracking, and best-effort resumption of interrupted
// generations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/halcyonlabs/chatflow/internal/model"
	"github.com/halcyonlabs/chatflow/internal/provider"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Store is the message/chat CRUD interface the engine consumes from the
// persistence collaborator. The message list is mutated only through this
// interface — never directly by UI code.
type Store interface {
	AppendMessage(ctx context.Context, msg model.Message) (model.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, complete bool, generationID string) error
	ListMessages(ctx context.Context, chatID string) ([]model.Message, error)
	ListIncompleteMessages(ctx context.Context, chatID string) ([]model.Message, error)
}

// ChunkStream is one streaming completion viewed as a pull iterator.
// Recv returns io.EOF when the generation is finished.
type ChunkStream interface {
	Recv() (provider.Chunk, error)
	Close() error
	Metadata() provider.RateLimitMetadata
}

// Transport opens streaming completion requests and answers generation
// status queries.
type Transport interface {
	StreamCompletion(ctx context.Context, req provider.CompletionRequest) (ChunkStream, error)
	GenerationStatus(ctx context.Context, generationID string) (provider.GenerationStatus, error)
}

// CredentialSource supplies the provider credential, allowing hot reload.
type CredentialSource interface {
	Credential() string
}

// providerTransport adapts *provider.Client to the Transport interface.
type providerTransport struct {
	client *provider.Client
}

// NewProviderTransport wraps a provider client as an engine Transport.
func NewProviderTransport(client *provider.Client) Transport {
	return &providerTransport{client: client}
}

func (t *providerTransport) StreamCompletion(ctx context.Context, req provider.CompletionRequest) (ChunkStream, error) {
	return t.client.StreamCompletion(ctx, req)
}

func (t *providerTransport) GenerationStatus(ctx context.Context, generationID string) (provider.GenerationStatus, error) {
	return t.client.GenerationStatus(ctx, generationID)
}

// =============================================================================
// UPDATES
// =============================================================================

// Update is one coalesced state change pushed to the UI collaborator after
// it has been persisted. The persistence callback doubles as this
// notification channel: persist first, then notify, so correctness never
// depends on a particular cache implementation.
type Update struct {
	ChatID    string
	MessageID string
	Role      model.Role

	// Content is the full message content so far, not a delta.
	Content  string
	Complete bool

	// Err is non-nil on a terminal failure. The partial content above is
	// whatever had streamed before the failure.
	Err *EngineError
}

// Notifier receives updates after persistence. May be nil.
type Notifier func(Update)

// =============================================================================
// OPTIONS / RESULTS
// =============================================================================

// Options tunes a single completion run.
type Options struct {
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Result reports the outcome of a successful Run.
type Result struct {
	GenerationID string
	MessageID    string

	// Attempts is the number of transport attempts made, including the
	// successful one.
	Attempts int
}

// =============================================================================
// ENGINE
// =============================================================================

// Config assembles an Engine.
type Config struct {
	Store       Store
	Transport   Transport
	Credentials CredentialSource
	Limits      *RateLimitTracker
	Retry       RetryPolicy
	Coalescer   CoalescerConfig
	Notify      Notifier

	// Pace locally bounds outbound request starts, independent of the
	// provider-reported quota. Nil gets a default limiter.
	Pace *rate.Limiter
}

// Engine is the request orchestrator. It owns the single-flight lock per
// chat: exactly one active stream per chatID, held for the duration of a
// Run call and released on any terminal outcome.
type Engine struct {
	store     Store
	transport Transport
	creds     CredentialSource
	limits    *RateLimitTracker
	retry     RetryPolicy
	coalescer CoalescerConfig
	notify    Notifier
	pace      *rate.Limiter

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an engine from the given configuration.
func New(cfg Config) *Engine {
	if cfg.Limits == nil {
		cfg.Limits = NewRateLimitTracker()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Pace == nil {
		cfg.Pace = rate.NewLimiter(rate.Limit(2), 4)
	}
	return &Engine{
		store:     cfg.Store,
		transport: cfg.Transport,
		creds:     cfg.Credentials,
		limits:    cfg.Limits,
		retry:     cfg.Retry,
		coalescer: cfg.Coalescer,
		notify:    cfg.Notify,
		pace:      cfg.Pace,
		active:    make(map[string]context.CancelFunc),
	}
}

// Limits exposes the rate limit tracker for the UI's availability display.
func (e *Engine) Limits() *RateLimitTracker {
	return e.limits
}

// IsAvailable reports whether the provider quota allows a new request.
func (e *Engine) IsAvailable() bool {
	return e.limits.IsAvailable()
}

// TimeUntilReset returns how long until exhausted quota resets.
func (e *Engine) TimeUntilReset() time.Duration {
	return e.limits.TimeUntilReset()
}

// Busy reports whether a stream is active for the chat.
func (e *Engine) Busy(chatID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[chatID]
	return ok
}

// Cancel aborts the active stream for the chat, if any. Used on navigation
// away from a conversation and before a manual retry, so the previous
// reader is released before a new request starts.
func (e *Engine) Cancel(chatID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[chatID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// acquire claims the single-flight lock for a chat.
func (e *Engine) acquire(chatID string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[chatID]; ok {
		return false
	}
	e.active[chatID] = cancel
	return true
}

// release gives the single-flight lock back.
func (e *Engine) release(chatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, chatID)
}

// =============================================================================
// RUN
// =============================================================================

// Run executes one completion: appends the user message and an empty
// placeholder assistant message, streams the provider reply into the
// placeholder through the coalescer, and marks it complete on the terminal
// chunk. Transient failures are retried internally per the retry policy;
// fatal failures surface immediately as an *EngineError with the partial
// content left intact on the message.
//
// Preconditions checked before anything is appended: a credential must be
// configured, the provider quota must allow a request, and no other stream
// may be active for the chat.
func (e *Engine) Run(ctx context.Context, chatID, userContent, modelID string, opts Options) (Result, error) {
	if e.creds == nil || e.creds.Credential() == "" {
		return Result{}, e.fail(chatID, "", model.RoleAssistant, "", KindMissingCredential, provider.ErrNotConfigured)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !e.acquire(chatID, cancel) {
		return Result{}, &EngineError{
			Kind: KindConcurrentStreamConflict,
			Err:  fmt.Errorf("chat %s already has an active stream", chatID),
		}
	}
	defer e.release(chatID)

	if !e.limits.IsAvailable() {
		return Result{}, &EngineError{
			Kind: KindRateLimited,
			Err:  fmt.Errorf("rate limited, retry in %s", e.limits.TimeUntilReset().Round(time.Second)),
		}
	}

	history, err := e.store.ListMessages(runCtx, chatID)
	if err != nil {
		return Result{}, &EngineError{Kind: KindUnknown, Err: fmt.Errorf("load history: %w", err)}
	}

	userMsg, err := e.store.AppendMessage(runCtx, model.NewUserMessage(chatID, userContent))
	if err != nil {
		return Result{}, &EngineError{Kind: KindUnknown, Err: fmt.Errorf("append user message: %w", err)}
	}
	e.emit(Update{ChatID: chatID, MessageID: userMsg.ID, Role: model.RoleUser, Content: userMsg.Content, Complete: true})

	placeholder, err := e.store.AppendMessage(runCtx, model.NewAssistantPlaceholder(chatID))
	if err != nil {
		return Result{}, &EngineError{Kind: KindUnknown, Err: fmt.Errorf("append placeholder: %w", err)}
	}
	e.emit(Update{ChatID: chatID, MessageID: placeholder.ID, Role: model.RoleAssistant})

	req := buildRequest(history, userMsg, modelID, opts)

	rc := retryContext{}
	for {
		if err := e.pace.Wait(runCtx); err != nil {
			return Result{}, err
		}

		generationID, streamErr := e.streamOnce(runCtx, req, &placeholder)
		if streamErr == nil {
			return Result{
				GenerationID: generationID,
				MessageID:    placeholder.ID,
				Attempts:     rc.attempt + 1,
			}, nil
		}

		// Cancellation is not a provider failure: stop without retrying,
		// leaving the partial content on the incomplete message.
		if runCtx.Err() != nil {
			return Result{}, streamErr
		}

		kind := Classify(streamErr)
		e.noteRateLimit(streamErr, kind)

		decision := e.retry.Decide(kind, rc.attempt, e.limits)
		if !decision.Retry {
			return Result{}, e.fail(chatID, placeholder.ID, model.RoleAssistant, placeholder.Content, kind, streamErr)
		}

		rc = retryContext{attempt: rc.attempt + 1, lastKind: kind, nextDelay: decision.Delay}

		select {
		case <-runCtx.Done():
			return Result{}, runCtx.Err()
		case <-time.After(decision.Delay):
		}

		// An internal retry restarts the generation from scratch: the
		// placeholder is reset so the new stream does not duplicate
		// content from the failed one.
		if placeholder.Content != "" || placeholder.GenerationID != "" {
			placeholder.Content = ""
			placeholder.GenerationID = ""
			if err := e.persist(runCtx, &placeholder, false); err != nil {
				return Result{}, &EngineError{Kind: KindUnknown, Err: err}
			}
		}
	}
}

// streamOnce drives a single transport attempt: open the stream, coalesce
// chunks into persisted updates, and mark the placeholder complete on the
// terminal chunk. On a mid-stream error the buffered tail is flushed and
// persisted before the error is returned, so partial content survives.
func (e *Engine) streamOnce(ctx context.Context, req provider.CompletionRequest, msg *model.Message) (string, error) {
	stream, err := e.transport.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	e.limits.Observe(stream.Metadata())

	co := NewCoalescer(e.coalescer)
	var content strings.Builder

	for {
		chunk, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			// Preserve whatever was buffered before the break. The run
			// context may already be canceled; the partial must still land.
			if tail, ok := co.FinalFlush(); ok {
				content.WriteString(tail)
				msg.Content = content.String()
				msg.GenerationID = co.GenerationID()
				if perr := e.persist(context.WithoutCancel(ctx), msg, false); perr != nil {
					return co.GenerationID(), errors.Join(recvErr, perr)
				}
			}
			return co.GenerationID(), recvErr
		}

		batch, flush := co.Accept(chunk)
		if !flush {
			continue
		}
		content.WriteString(batch)
		msg.Content = content.String()
		msg.GenerationID = co.GenerationID()
		if err := e.persist(ctx, msg, false); err != nil {
			return co.GenerationID(), err
		}
	}

	// Stream end: unconditional final flush, then completion.
	if tail, ok := co.FinalFlush(); ok {
		content.WriteString(tail)
	}
	msg.Content = content.String()
	msg.GenerationID = co.GenerationID()
	msg.IsComplete = true
	if err := e.persist(ctx, msg, true); err != nil {
		return co.GenerationID(), err
	}
	return co.GenerationID(), nil
}

// persist writes the message state through the store, then notifies.
func (e *Engine) persist(ctx context.Context, msg *model.Message, complete bool) error {
	if err := e.store.UpdateMessageContent(ctx, msg.ID, msg.Content, complete, msg.GenerationID); err != nil {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	e.emit(Update{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		Complete:  complete,
	})
	return nil
}

// fail builds the terminal EngineError and notifies the UI with the
// partial content, which stays on the message untouched.
func (e *Engine) fail(chatID, messageID string, role model.Role, partial string, kind ErrorKind, err error) error {
	engErr := &EngineError{Kind: kind, Err: err}
	if messageID != "" {
		e.emit(Update{
			ChatID:    chatID,
			MessageID: messageID,
			Role:      role,
			Content:   partial,
			Err:       engErr,
		})
	}
	return engErr
}

// noteRateLimit teaches the tracker about 429s that carried a Retry-After
// hint instead of quota headers.
func (e *Engine) noteRateLimit(err error, kind ErrorKind) {
	if kind != KindRateLimited {
		return
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		e.limits.MarkExhausted(apiErr.RetryAfter)
	}
}

// emit forwards an update to the notifier, if any.
func (e *Engine) emit(u Update) {
	if e.notify != nil {
		e.notify(u)
	}
}

// buildRequest assembles the provider payload from the ordered history
// plus the new user message. The placeholder assistant message is never
// part of the payload; neither are incomplete leftovers from old failures.
func buildRequest(history []model.Message, userMsg model.Message, modelID string, opts Options) provider.CompletionRequest {
	model.SortMessages(history)

	messages := make([]provider.ChatMessage, 0, len(history)+2)
	if opts.SystemPrompt != "" {
		messages = append(messages, provider.ChatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	for _, m := range history {
		if !m.IsComplete && m.Content == "" {
			continue
		}
		if m.Content == "" {
			continue
		}
		messages = append(messages, provider.ChatMessage{Role: m.Role.String(), Content: m.Content})
	}
	messages = append(messages, provider.ChatMessage{Role: "user", Content: userMsg.Content})

	return provider.CompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Stream:      true,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
}
