// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"strings"
	"time"

	"github.com/halcyonlabs/chatflow/internal/provider"
)

// =============================================================================
// COALESCER CONFIG
// =============================================================================

// CoalescerConfig bounds how chunk deltas are batched into UI-safe
// content updates. Flushing every provider chunk causes re-render churn;
// flushing too rarely makes streaming feel laggy. Both bounds apply at
// once: a flush happens when either is hit.
type CoalescerConfig struct {
	// MaxChunks is the chunk count bound per batch. Biased small.
	MaxChunks int

	// MaxInterval is the elapsed-time bound since the last flush.
	MaxInterval time.Duration
}

// DefaultCoalescerConfig returns the stock bounds: two provider chunks or
// 60ms, whichever comes first.
func DefaultCoalescerConfig() CoalescerConfig {
	return CoalescerConfig{
		MaxChunks:   2,
		MaxInterval: 60 * time.Millisecond,
	}
}

// =============================================================================
// COALESCER
// =============================================================================

// Coalescer accumulates decoded chunks into bounded content updates. It is
// a pure time/size debounce, not content-aware: it never tries to batch at
// markdown-safe boundaries — that concern belongs to the renderer.
//
// The concatenation of all flushed batches (final flush included) equals
// the concatenation of all deltas accepted, in order. Nothing is lost or
// duplicated.
//
// PERFORMANCE: strings.Builder avoids quadratic allocations while batching.
type Coalescer struct {
	cfg CoalescerConfig

	buf       strings.Builder
	pending   int
	lastFlush time.Time

	generationID string

	now func() time.Time
}

// NewCoalescer creates a coalescer with the given bounds. Zero values fall
// back to the defaults.
func NewCoalescer(cfg CoalescerConfig) *Coalescer {
	def := DefaultCoalescerConfig()
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	return &Coalescer{
		cfg:       cfg,
		lastFlush: time.Now(),
		now:       time.Now,
	}
}

// Accept folds one chunk into the batch and returns the batched content
// when a flush is due. The generation id is captured from the first chunk
// that carries one and never overwritten.
func (c *Coalescer) Accept(chunk provider.Chunk) (string, bool) {
	if c.generationID == "" && chunk.GenerationID != "" {
		c.generationID = chunk.GenerationID
	}

	if chunk.DeltaContent != "" {
		c.buf.WriteString(chunk.DeltaContent)
		c.pending++
	}

	if !c.shouldFlush() {
		return "", false
	}
	return c.flush()
}

// FinalFlush drains any remaining buffered content unconditionally. It
// must be called on stream end (or stream error) before signaling
// completion — no content loss at termination.
func (c *Coalescer) FinalFlush() (string, bool) {
	if c.buf.Len() == 0 {
		return "", false
	}
	return c.flush()
}

// GenerationID returns the captured provider generation id, or "".
func (c *Coalescer) GenerationID() string {
	return c.generationID
}

// Pending returns the number of chunks waiting in the current batch.
func (c *Coalescer) Pending() int {
	return c.pending
}

// shouldFlush checks the size and time bounds.
func (c *Coalescer) shouldFlush() bool {
	if c.buf.Len() == 0 {
		return false
	}
	if c.pending >= c.cfg.MaxChunks {
		return true
	}
	return c.now().Sub(c.lastFlush) >= c.cfg.MaxInterval
}

// flush drains the batch.
func (c *Coalescer) flush() (string, bool) {
	content := c.buf.String()
	c.buf.Reset()
	c.pending = 0
	c.lastFlush = c.now()
	return content, true
}
