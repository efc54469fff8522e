// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(serverURL string) *Client {
	return NewClient("sk-test").WithBaseURL(serverURL).WithTimeout(5 * time.Second)
}

func TestStreamCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-RateLimit-Remaining-Requests", "41")
		w.Header().Set("X-RateLimit-Reset-Requests", "1700000000000")

		fmt.Fprint(w, "data: {\"id\":\"gen-123\",\"choices\":[{\"delta\":{\"content\":\"Hello\"},\"finish_reason\":\"\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"gen-123\",\"choices\":[{\"delta\":{\"content\":\" there\"},\"finish_reason\":\"\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"gen-123\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	stream, err := client.StreamCompletion(context.Background(), CompletionRequest{
		Model:    "test/model",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	defer stream.Close()

	md := stream.Metadata()
	if !md.Present || md.RemainingRequests != 41 {
		t.Errorf("metadata = %+v, want 41 remaining requests", md)
	}
	if md.RequestsResetAt.UnixMilli() != 1700000000000 {
		t.Errorf("reset at = %v", md.RequestsResetAt)
	}

	var content string
	var terminal bool
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		content += chunk.DeltaContent
		if chunk.IsTerminal() {
			terminal = true
			if chunk.GenerationID != "gen-123" {
				t.Errorf("terminal generation id = %q", chunk.GenerationID)
			}
		}
	}
	if content != "Hello there" {
		t.Errorf("content = %q, want %q", content, "Hello there")
	}
	if !terminal {
		t.Error("no terminal chunk seen")
	}
}

func TestStreamCompletionSkipsMalformedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: this is not json\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "data: {\"id\":\"gen-1\",\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).StreamCompletion(context.Background(), CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if chunk.DeltaContent != "ok" {
		t.Errorf("delta = %q, want the event after the malformed one", chunk.DeltaContent)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("after terminal chunk: err = %v, want io.EOF", err)
	}
}

func TestStreamCompletionErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":"rate_limited","message":"slow down"}}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StreamCompletion(context.Background(), CompletionRequest{Model: "m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %T %v, want *APIError", err, err)
	}
	if apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.Status)
	}
	if apiErr.Code != "rate_limited" || apiErr.Message != "slow down" {
		t.Errorf("parsed error = %+v", apiErr)
	}
	if apiErr.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", apiErr.RetryAfter)
	}
}

func TestStreamCompletionNotConfigured(t *testing.T) {
	client := NewClient("")
	_, err := client.StreamCompletion(context.Background(), CompletionRequest{Model: "m"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestGenerationStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generation" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "gen-9" {
			t.Errorf("id = %q", got)
		}
		fmt.Fprint(w, `{"data":{"id":"gen-9","finish_reason":"stop","final_content":"the answer"}}`)
	}))
	defer server.Close()

	status, err := newTestClient(server.URL).GenerationStatus(context.Background(), "gen-9")
	if err != nil {
		t.Fatalf("GenerationStatus: %v", err)
	}
	if status.FinishReason != "stop" || status.FinalContent != "the answer" {
		t.Errorf("status = %+v", status)
	}
}

func TestGenerationStatusNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"no such generation"}}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GenerationStatus(context.Background(), "gen-missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("err = %v, want 404 APIError", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("seconds form = %v, want 30s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v, want 0", got)
	}
	if got := parseRetryAfter("not-a-delay"); got != 0 {
		t.Errorf("garbage = %v, want 0", got)
	}
	// HTTP-date form is relative to now; just check the sign and rough scale.
	date := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(date); got < 80*time.Second || got > 91*time.Second {
		t.Errorf("date form = %v, want ~90s", got)
	}
}
