// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestSSEReader(t *testing.T) {
	input := strings.Join([]string{
		"event: message",
		"data: first",
		"",
		": comment line",
		"data: second",
		"data: continued",
		"",
		"data: last-no-trailing-newline",
	}, "\n")

	r := newSSEReader(strings.NewReader(input))

	got, err := r.readEvent()
	if err != nil || string(got) != "first" {
		t.Errorf("event 1 = %q, %v", got, err)
	}

	// Multi-line data fields join with a newline.
	got, err = r.readEvent()
	if err != nil || string(got) != "second\ncontinued" {
		t.Errorf("event 2 = %q, %v", got, err)
	}

	// Data pending at EOF is still delivered.
	got, err = r.readEvent()
	if err != nil || string(got) != "last-no-trailing-newline" {
		t.Errorf("event 3 = %q, %v", got, err)
	}

	if _, err := r.readEvent(); err != io.EOF {
		t.Errorf("after input: err = %v, want io.EOF", err)
	}
}

// A stream cut off mid-event, with no trailing newline at all, must still
// deliver the buffered data line instead of swallowing it with the EOF.
func TestSSEReaderUnterminatedFinalLine(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: tail content"))

	got, err := r.readEvent()
	if err != nil || string(got) != "tail content" {
		t.Errorf("event = %q, %v; want %q, nil", got, err, "tail content")
	}
	if _, err := r.readEvent(); err != io.EOF {
		t.Errorf("after unterminated line: err = %v, want io.EOF", err)
	}
}

func TestSSEReaderCRLF(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: payload\r\n\r\n"))
	got, err := r.readEvent()
	if err != nil || string(got) != "payload" {
		t.Errorf("event = %q, %v", got, err)
	}
}

func TestSSEReaderSizeGuard(t *testing.T) {
	huge := "data: " + strings.Repeat("x", MaxChunkSize+1) + "\n\n"
	r := newSSEReader(strings.NewReader(huge))
	if _, err := r.readEvent(); err == nil {
		t.Error("oversized event should be rejected")
	}
}

func TestWireChunkDecode(t *testing.T) {
	var w wireChunk
	payload := `{"id":"gen-1","choices":[{"delta":{"content":"hi"},"finish_reason":"stop"}]}`
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	c := w.decode()
	if c.GenerationID != "gen-1" || c.DeltaContent != "hi" || !c.IsTerminal() {
		t.Errorf("decode = %+v", c)
	}

	empty := (&wireChunk{ID: "gen-2"}).decode()
	if empty.DeltaContent != "" || empty.IsTerminal() {
		t.Errorf("choiceless chunk = %+v", empty)
	}
}

func TestParseRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	if md := parseRateLimitHeaders(h); md.Present {
		t.Error("no headers should mean Present=false")
	}

	h.Set("X-RateLimit-Remaining-Requests", "7")
	h.Set("X-RateLimit-Remaining-Tokens", "1200")
	h.Set("X-RateLimit-Reset-Requests", "1700000005000")
	h.Set("X-RateLimit-Reset-Tokens", "1700000009000")

	md := parseRateLimitHeaders(h)
	if !md.Present {
		t.Fatal("Present = false")
	}
	if md.RemainingRequests != 7 || md.RemainingTokens != 1200 {
		t.Errorf("remaining = %d/%d", md.RemainingRequests, md.RemainingTokens)
	}
	if md.RequestsResetAt != time.UnixMilli(1700000005000) {
		t.Errorf("requests reset = %v", md.RequestsResetAt)
	}
	if md.TokensResetAt != time.UnixMilli(1700000009000) {
		t.Errorf("tokens reset = %v", md.TokensResetAt)
	}

	// Unparseable values leave the field unreported rather than zero,
	// since zero remaining means exhausted.
	h.Set("X-RateLimit-Remaining-Requests", "garbage")
	h.Del("X-RateLimit-Remaining-Tokens")
	md = parseRateLimitHeaders(h)
	if md.RemainingRequests != -1 || md.RemainingTokens != -1 {
		t.Errorf("unparseable remaining = %d/%d, want -1/-1", md.RemainingRequests, md.RemainingTokens)
	}
}
