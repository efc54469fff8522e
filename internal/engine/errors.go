// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/halcyonlabs/chatflow/internal/provider"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind is the closed taxonomy of failures the engine distinguishes.
// Every failure is classified exactly once, in Classify, and downstream
// code switches on the kind rather than sniffing error shapes.
type ErrorKind int

const (
	// KindUnknown is any unrecognized failure. Treated as transient
	// (retried with backoff) so recoverable failures are never dropped.
	KindUnknown ErrorKind = iota

	// KindMissingCredential means no API key is configured. Fatal.
	KindMissingCredential

	// KindInvalidCredential is a provider 401. Fatal.
	KindInvalidCredential

	// KindInsufficientQuota is a provider 402. Fatal; the user must act
	// externally (top up credits).
	KindInsufficientQuota

	// KindRateLimited is a provider 429. Retried exactly once, scheduled
	// at the provider-reported reset time.
	KindRateLimited

	// KindServiceUnavailable is a provider 5xx or a transport timeout.
	// Retryable with exponential backoff, bounded attempts.
	KindServiceUnavailable

	// KindConcurrentStreamConflict is a single-flight violation: a second
	// Run for a chat that already has an active stream. Fatal for that
	// call; not a provider error.
	KindConcurrentStreamConflict
)

// String returns the taxonomy name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindMissingCredential:
		return "MissingCredential"
	case KindInvalidCredential:
		return "InvalidCredential"
	case KindInsufficientQuota:
		return "InsufficientQuota"
	case KindRateLimited:
		return "RateLimited"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	case KindConcurrentStreamConflict:
		return "ConcurrentStreamConflict"
	default:
		return "Unknown"
	}
}

// Fatal reports whether the kind is never retried.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindMissingCredential, KindInvalidCredential,
		KindInsufficientQuota, KindConcurrentStreamConflict:
		return true
	default:
		return false
	}
}

// =============================================================================
// ENGINE ERROR
// =============================================================================

// EngineError is the typed failure surfaced to the UI collaborator. The
// partial content streamed before the failure stays on the message; the
// error is carried separately, never stored in content.
type EngineError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify maps any failure to its ErrorKind. This is the single place
// error shapes are inspected.
func Classify(err error) ErrorKind {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Kind
	}

	if errors.Is(err, provider.ErrNotConfigured) {
		return KindMissingCredential
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401:
			return KindInvalidCredential
		case apiErr.Status == 402:
			return KindInsufficientQuota
		case apiErr.Status == 429:
			return KindRateLimited
		case apiErr.Status >= 500:
			return KindServiceUnavailable
		default:
			return KindUnknown
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindServiceUnavailable
	}

	return KindUnknown
}

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy computes retry decisions from the error kind and the attempt
// counter.
type RetryPolicy struct {
	// MaxAttempts bounds the total attempts for transient failures.
	MaxAttempts int

	// BaseDelay is the backoff base: BaseDelay * 2^attempt, capped.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the stock policy: three attempts, 500ms base,
// 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Decision is the outcome of a retry evaluation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns whether a failed attempt should be retried and with what
// delay. attempt is zero-based: the first failure passes attempt 0.
// Rate-limited failures retry exactly once, scheduled at the tracked reset
// time rather than exponential backoff.
func (p RetryPolicy) Decide(kind ErrorKind, attempt int, limits *RateLimitTracker) Decision {
	if kind.Fatal() {
		return Decision{}
	}

	if kind == KindRateLimited {
		if attempt > 0 {
			return Decision{}
		}
		delay := p.BaseDelay
		if limits != nil {
			if wait := limits.TimeUntilReset(); wait > 0 {
				delay = wait
			}
		}
		return Decision{Retry: true, Delay: delay}
	}

	// ServiceUnavailable and Unknown: bounded exponential backoff.
	if attempt+1 >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

// backoff returns BaseDelay * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// retryContext tracks the retry state of one Run call. It is created per
// request and discarded on success or final failure, never persisted.
type retryContext struct {
	attempt   int
	lastKind  ErrorKind
	nextDelay time.Duration
}
