// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// MaxChunkSize is the maximum allowed size for a single SSE event (64KB).
const MaxChunkSize = 64 * 1024

// =============================================================================
// CHUNK TYPE
// =============================================================================

// Chunk is one decoded unit of the streaming response: an incremental
// content delta and/or metadata. FinishReason is non-empty on the
// terminal chunk of a generation.
type Chunk struct {
	GenerationID string
	DeltaContent string
	FinishReason string
}

// IsTerminal returns true if this chunk ends the generation.
func (c Chunk) IsTerminal() bool {
	return c.FinishReason != ""
}

// wireChunk is the provider's wire shape for one streamed event.
type wireChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// decode maps the wire shape onto a Chunk.
func (w *wireChunk) decode() Chunk {
	chunk := Chunk{GenerationID: w.ID}
	if len(w.Choices) > 0 {
		chunk.DeltaContent = w.Choices[0].Delta.Content
		chunk.FinishReason = w.Choices[0].FinishReason
	}
	return chunk
}

// =============================================================================
// RATE LIMIT METADATA
// =============================================================================

// RateLimitMetadata is the provider-reported quota snapshot carried on
// response headers. Reset times are epoch milliseconds on the wire.
type RateLimitMetadata struct {
	RemainingRequests int
	RemainingTokens   int
	RequestsResetAt   time.Time
	TokensResetAt     time.Time

	// Present is false when the response carried no rate limit headers.
	Present bool
}

// parseRateLimitHeaders extracts quota metadata from response headers.
func parseRateLimitHeaders(h http.Header) RateLimitMetadata {
	md := RateLimitMetadata{RemainingRequests: -1, RemainingTokens: -1}

	if v := h.Get("X-RateLimit-Remaining-Requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			md.RemainingRequests = n
			md.Present = true
		}
	}
	if v := h.Get("X-RateLimit-Remaining-Tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			md.RemainingTokens = n
			md.Present = true
		}
	}
	if v := h.Get("X-RateLimit-Reset-Requests"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			md.RequestsResetAt = time.UnixMilli(ms)
		}
	}
	if v := h.Get("X-RateLimit-Reset-Tokens"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			md.TokensResetAt = time.UnixMilli(ms)
		}
	}
	return md
}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events from a stream.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readEvent reads the next SSE data payload from the stream.
// Returns io.EOF when the stream ends.
func (s *sseReader) readEvent() ([]byte, error) {
	var dataLines [][]byte
	var size int

	for {
		// ReadBytes can return a partial final line together with io.EOF
		// when the stream has no trailing newline; that line still belongs
		// to the event, so it is processed before the error.
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			// Empty line signals end of event
			if err == nil && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
		} else if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > MaxChunkSize {
				return nil, &APIError{Status: 0, Message: "event exceeds maximum chunk size"}
			}
			dataLines = append(dataLines, data)
		}
		// Ignore other fields (event:, id:, retry:, comments starting with :)

		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}
	}
}

// =============================================================================
// STREAM
// =============================================================================

// Stream is the decoded chunk sequence of one streaming completion. It is
// a pull-based iterator: Recv blocks until the next chunk, the stream end,
// or an error. After the terminal chunk (or "[DONE]") Recv returns io.EOF.
type Stream struct {
	body   io.ReadCloser
	reader *sseReader
	meta   RateLimitMetadata
	done   bool
}

func newStream(resp *http.Response) *Stream {
	return &Stream{
		body:   resp.Body,
		reader: newSSEReader(resp.Body),
		meta:   parseRateLimitHeaders(resp.Header),
	}
}

// Metadata returns the rate limit snapshot carried on the response headers.
func (s *Stream) Metadata() RateLimitMetadata {
	return s.meta
}

// Recv returns the next decoded chunk. It returns io.EOF when the
// generation is finished; any other error means the stream broke and the
// caller decides whether to retry.
func (s *Stream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for {
		data, err := s.reader.readEvent()
		if err != nil {
			s.done = true
			return Chunk{}, err
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return Chunk{}, io.EOF
		}

		var wire wireChunk
		if err := json.Unmarshal(data, &wire); err != nil {
			// Skip malformed events rather than aborting the stream.
			continue
		}

		chunk := wire.decode()
		if chunk.IsTerminal() {
			s.done = true
		}
		return chunk, nil
	}
}

// Close releases the underlying response body. It must be called before a
// retry opens a new request, so two readers never race on one message.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
