// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the transport adapter for an
// OpenRouter-compatible chat completion API.
//
// The client exposes streaming completions as an explicit pull stream
// (Stream.Recv) and a separate generation-status endpoint used to
// reconcile interrupted generations after a reload.
package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Configuration constants for the provider API.
const (
	// DefaultBaseURL is the base URL for the completion API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// Shared HTTP client for non-streaming requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient is used for streaming requests.
	// No timeout: stream lifetime is controlled via context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// ErrNotConfigured indicates the API key is not set.
var ErrNotConfigured = errors.New("provider API key not configured")

// =============================================================================
// ERROR TYPE
// =============================================================================

// APIError represents an error response from the provider API. Downstream
// classification is done in one place (the engine's error classifier), so
// this type carries the raw status rather than mapping to sentinels here.
type APIError struct {
	Status  int
	Code    string
	Message string

	// RetryAfter is the provider-reported wait before the next request
	// may be made, parsed from the Retry-After header on 429 responses.
	// Zero when the header was absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.Status, e.Message)
}

// apiErrorResponse is the wire shape of an error response.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatMessage represents a single message in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`    // "user", "assistant", or "system"
	Content string `json:"content"` // The message content
}

// CompletionRequest represents a request to the chat completions endpoint.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// GenerationStatus is the provider's record of a completion run, queried
// by generation id. FinishReason is non-empty once the run is terminal.
type GenerationStatus struct {
	GenerationID string `json:"id"`
	FinishReason string `json:"finish_reason"`
	FinalContent string `json:"final_content"`
}

// generationResponse is the wire shape of the generation endpoint.
type generationResponse struct {
	Data GenerationStatus `json:"data"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a client for an OpenRouter-compatible completion API.
type Client struct {
	apiKey   string
	baseURL  string
	timeout  time.Duration
	siteURL  string
	siteName string
}

// NewClient creates a new provider client with the given API key.
// If the key is empty the client is still created, but streaming requests
// fail with ErrNotConfigured.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:   strings.TrimSpace(apiKey),
		baseURL:  DefaultBaseURL,
		timeout:  DefaultTimeout,
		siteURL:  "https://chatflow.local",
		siteName: "chatflow",
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithTimeout sets the non-streaming request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// SetAPIKey replaces the credential, e.g. after a config reload.
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = strings.TrimSpace(apiKey)
}

// IsConfigured returns true if the client has an API key configured.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// setHeaders sets the required headers for API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chatflow/0.1.0")

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// =============================================================================
// STREAMING COMPLETIONS
// =============================================================================

// StreamCompletion opens a streaming chat completion request and returns
// the decoded chunk stream. The caller owns the stream and must Close it;
// cancellation is controlled through ctx.
func (c *Client) StreamCompletion(ctx context.Context, req CompletionRequest) (*Stream, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	req.Stream = true
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamingClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		return nil, newAPIError(resp, body)
	}

	return newStream(resp), nil
}

// =============================================================================
// GENERATION STATUS
// =============================================================================

// GenerationStatus queries the provider for the terminal status of a
// generation. Used by the resumption path; the provider offers no
// mid-stream resume, only this after-the-fact record.
func (c *Client) GenerationStatus(ctx context.Context, generationID string) (GenerationStatus, error) {
	if !c.IsConfigured() {
		return GenerationStatus{}, ErrNotConfigured
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/generation?id="+generationID, nil)
	if err != nil {
		return GenerationStatus{}, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := sharedHTTPClient.Do(httpReq)
	if err != nil {
		return GenerationStatus{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return GenerationStatus{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return GenerationStatus{}, newAPIError(resp, body)
	}

	var genResp generationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return GenerationStatus{}, fmt.Errorf("failed to parse generation response: %w", err)
	}
	if genResp.Data.GenerationID == "" {
		genResp.Data.GenerationID = generationID
	}
	return genResp.Data, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// newAPIError converts an HTTP error response into an *APIError,
// preserving the status code and any Retry-After hint.
func newAPIError(resp *http.Response, body []byte) error {
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(body)),
	}

	var wire apiErrorResponse
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		apiErr.Code = wire.Error.Code
		apiErr.Message = wire.Error.Message
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return apiErr
}

// parseRetryAfter parses a Retry-After header value, either delta-seconds
// or an HTTP date. Returns zero when unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		return time.Until(t)
	}
	return 0
}
