package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// sendChunks is a test helper that sends chunks on a channel in a goroutine
// and closes the channel when done, simulating what the orchestrator does
// in production.
func sendChunks(chunks ...chatmodel.Chunk) <-chan chatmodel.Chunk {
	ch := make(chan chatmodel.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			ch <- c
		}
	}()
	return ch
}

// parseSSEEvents splits the raw SSE output into individual data payloads,
// excluding the "data: [DONE]" sentinel.
func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				events = append(events, payload)
			}
		}
	}
	return events
}

func TestWrite_MultipleChunks(t *testing.T) {
	ch := sendChunks(
		chatmodel.Chunk{Model: "test-model", Delta: chatmodel.Delta{Content: "Hello"}},
		chatmodel.Chunk{Model: "test-model", Delta: chatmodel.Delta{Content: " world"}},
		chatmodel.Chunk{
			Model:        "test-model",
			FinishReason: chatmodel.FinishStop,
			Usage:        &chatmodel.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		},
	)

	w := httptest.NewRecorder()
	if err := Write(w, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}

	events := parseSSEEvents(body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first sseChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("failed to parse event 0: %v", err)
	}
	if first.Choices[0].Delta.Content != "Hello" {
		t.Errorf("event 0 content = %q, want %q", first.Choices[0].Delta.Content, "Hello")
	}
	if first.Choices[0].FinishReason != nil {
		t.Errorf("event 0 finish_reason = %v, want nil", *first.Choices[0].FinishReason)
	}

	var second sseChunk
	if err := json.Unmarshal([]byte(events[1]), &second); err != nil {
		t.Fatalf("failed to parse event 1: %v", err)
	}
	if second.Choices[0].Delta.Content != " world" {
		t.Errorf("event 1 content = %q, want %q", second.Choices[0].Delta.Content, " world")
	}

	var third sseChunk
	if err := json.Unmarshal([]byte(events[2]), &third); err != nil {
		t.Fatalf("failed to parse event 2: %v", err)
	}
	if third.Choices[0].FinishReason == nil || *third.Choices[0].FinishReason != "stop" {
		t.Error("event 2 should have finish_reason=stop")
	}
	if third.Choices[0].Delta.Content != "" {
		t.Errorf("event 2 delta should be empty, got %q", third.Choices[0].Delta.Content)
	}
	if third.Usage == nil {
		t.Fatal("event 2 should have usage")
	}
	if third.Usage.TotalTokens != 7 {
		t.Errorf("usage total_tokens = %d, want 7", third.Usage.TotalTokens)
	}
}

func TestWrite_ToolCallDelta(t *testing.T) {
	ch := sendChunks(
		chatmodel.Chunk{Model: "test-model", Delta: chatmodel.Delta{
			ToolCall: &chatmodel.ToolCallDelta{Index: 0, ID: "call_1", Name: "search", Arguments: `{"q":`},
		}},
		chatmodel.Chunk{Model: "test-model", Delta: chatmodel.Delta{
			ToolCall: &chatmodel.ToolCallDelta{Index: 0, Arguments: `"t"}`},
		}},
		chatmodel.Chunk{Model: "test-model", FinishReason: chatmodel.FinishToolCalls},
	)

	w := httptest.NewRecorder()
	if err := Write(w, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first sseChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("failed to parse event 0: %v", err)
	}
	if len(first.Choices[0].Delta.ToolCalls) != 1 || first.Choices[0].Delta.ToolCalls[0].ID != "call_1" {
		t.Errorf("event 0 tool call = %+v, want id call_1", first.Choices[0].Delta.ToolCalls)
	}

	var third sseChunk
	if err := json.Unmarshal([]byte(events[2]), &third); err != nil {
		t.Fatalf("failed to parse event 2: %v", err)
	}
	if third.Choices[0].FinishReason == nil || *third.Choices[0].FinishReason != "tool_calls" {
		t.Error("event 2 should have finish_reason=tool_calls")
	}
}

func TestWrite_SSEFormat(t *testing.T) {
	// Verify the raw SSE format: every event should be "data: ...\n\n".
	ch := sendChunks(
		chatmodel.Chunk{Model: "m", Delta: chatmodel.Delta{Content: "hi"}},
		chatmodel.Chunk{Model: "m", FinishReason: chatmodel.FinishStop},
	)

	w := httptest.NewRecorder()
	if err := Write(w, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	body := w.Body.String()

	if !strings.Contains(body, "data: [DONE]\n\n") {
		t.Error("missing properly formatted [DONE] sentinel")
	}

	parts := strings.Split(body, "\n\n")
	nonEmpty := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	if nonEmpty != 3 {
		t.Errorf("got %d SSE events, want 3 (content + finish + DONE)", nonEmpty)
	}
}

// nonFlushingWriter satisfies http.ResponseWriter but not http.Flusher, so
// Write's type assertion fails the way it would against a raw
// http.ResponseWriter implementation that never promises flush support.
type nonFlushingWriter struct {
	header http.Header
	body   []byte
}

func (w *nonFlushingWriter) Header() http.Header { return w.header }
func (w *nonFlushingWriter) Write(p []byte) (int, error) {
	w.body = append(w.body, p...)
	return len(p), nil
}
func (w *nonFlushingWriter) WriteHeader(int) {}

func TestWrite_RequiresFlusher(t *testing.T) {
	ch := sendChunks(chatmodel.Chunk{Model: "test-model"})
	w := &nonFlushingWriter{header: make(http.Header)}

	if err := Write(w, ch); err == nil {
		t.Fatal("expected error for a ResponseWriter without Flush")
	}
}
