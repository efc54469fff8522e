// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"sync"
	"time"

	"github.com/halcyonlabs/chatflow/internal/provider"
)

// =============================================================================
// RATE LIMIT STATE
// =============================================================================

// RateLimitState is a snapshot of the provider-reported quota. A remaining
// value of -1 means the provider has not reported that dimension.
type RateLimitState struct {
	RemainingRequests int
	RemainingTokens   int
	RequestsResetAt   time.Time
	TokensResetAt     time.Time
}

// IsExhausted reports whether the snapshot forbids a new request at the
// given instant: a dimension is exhausted when its remaining count is zero
// and its reset time has not passed yet.
func (s RateLimitState) IsExhausted(now time.Time) bool {
	if s.RemainingRequests == 0 && now.Before(s.RequestsResetAt) {
		return true
	}
	if s.RemainingTokens == 0 && now.Before(s.TokensResetAt) {
		return true
	}
	return false
}

// =============================================================================
// RATE LIMIT TRACKER
// =============================================================================

// RateLimitTracker maintains the provider-reported quota state and gates
// new requests. It is an explicitly owned object created at client
// initialization, updated per response, and read by the gating predicate —
// never ambient module state.
//
// State is monotonic per reset window: a later observed remaining value
// overwrites an earlier one only when it belongs to the same or a later
// reset window, so a stale "available" observation can never resurrect
// quota that was already seen exhausted for the current window.
type RateLimitTracker struct {
	mu    sync.Mutex
	state RateLimitState
	seen  bool
	now   func() time.Time
}

// NewRateLimitTracker creates a tracker with no observations.
func NewRateLimitTracker() *RateLimitTracker {
	return NewRateLimitTrackerWithClock(time.Now)
}

// NewRateLimitTrackerWithClock creates a tracker with an injected clock,
// for deterministic tests.
func NewRateLimitTrackerWithClock(now func() time.Time) *RateLimitTracker {
	return &RateLimitTracker{
		state: RateLimitState{RemainingRequests: -1, RemainingTokens: -1},
		now:   now,
	}
}

// Observe folds a response's rate limit metadata into the tracker.
// Observations for an earlier reset window than the current one are
// discarded (responses can arrive out of order).
func (t *RateLimitTracker) Observe(md provider.RateLimitMetadata) {
	if !md.Present {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen && md.RequestsResetAt.Before(t.state.RequestsResetAt) {
		return
	}

	t.state = RateLimitState{
		RemainingRequests: md.RemainingRequests,
		RemainingTokens:   md.RemainingTokens,
		RequestsResetAt:   md.RequestsResetAt,
		TokensResetAt:     md.TokensResetAt,
	}
	t.seen = true
}

// MarkExhausted records a 429 that carried no quota headers, only a
// Retry-After hint. The request dimension is marked spent until the hinted
// reset time.
func (t *RateLimitTracker) MarkExhausted(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	resetAt := t.now().Add(retryAfter)
	if t.seen && resetAt.Before(t.state.RequestsResetAt) {
		return
	}

	t.state.RemainingRequests = 0
	t.state.RequestsResetAt = resetAt
	t.seen = true
}

// IsAvailable reports whether a new request may start.
func (t *RateLimitTracker) IsAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.state.IsExhausted(t.now())
}

// TimeUntilReset returns how long until the exhausted dimension resets,
// or zero when requests are currently allowed.
func (t *RateLimitTracker) TimeUntilReset() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.state.IsExhausted(now) {
		return 0
	}

	var wait time.Duration
	if t.state.RemainingRequests == 0 && now.Before(t.state.RequestsResetAt) {
		wait = t.state.RequestsResetAt.Sub(now)
	}
	if t.state.RemainingTokens == 0 && now.Before(t.state.TokensResetAt) {
		if w := t.state.TokensResetAt.Sub(now); w > wait {
			wait = w
		}
	}
	return wait
}

// Snapshot returns a copy of the current state.
func (t *RateLimitTracker) Snapshot() RateLimitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
