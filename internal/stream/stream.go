// Package stream handles SSE writing for the normalized (OpenAI-compatible)
// dialect.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// sseChunk is the top-level JSON object in each SSE event. Unexported —
// json.Marshal needs a Go type and no caller outside this package needs
// to know the wire format details.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage is included only on the final chunk, when it's available.
	Usage *sseUsage `json:"usage,omitempty"`
}

type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is null for all chunks except the final one.
	FinishReason *string `json:"finish_reason"`
}

type sseDelta struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	ToolCalls []sseToolCall `json:"tool_calls,omitempty"`
}

type sseToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function sseToolFunction `json:"function"`
}

type sseToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// sseUsage mirrors chatmodel.Usage for the JSON response.
type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Write reads normalized chatmodel.Chunks from the channel and writes
// them to the http.ResponseWriter as OpenAI-compatible Server-Sent
// Events, terminating with "data: [DONE]".
func Write(w http.ResponseWriter, chunks <-chan chatmodel.Chunk) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range chunks {
		event := sseChunk{
			ID:      chunk.ID,
			Object:  "chat.completion.chunk",
			Model:   chunk.Model,
			Choices: []sseChoice{{Index: chunk.ChoiceIndex, Delta: toSSEDelta(chunk.Delta)}},
		}

		if chunk.FinishReason != "" {
			reason := chunk.FinishReason
			event.Choices[0].FinishReason = &reason
		}
		if chunk.Usage != nil {
			event.Usage = &sseUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		if err := writeEvent(w, event); err != nil {
			return err
		}
		flusher.Flush()
	}

	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func toSSEDelta(d chatmodel.Delta) sseDelta {
	out := sseDelta{Role: d.Role, Content: d.Content}
	if d.ToolCall != nil {
		out.ToolCalls = []sseToolCall{{
			Index: d.ToolCall.Index,
			ID:    d.ToolCall.ID,
			Type:  "function",
			Function: sseToolFunction{
				Name:      d.ToolCall.Name,
				Arguments: d.ToolCall.Arguments,
			},
		}}
	}
	return out
}

func writeEvent(w http.ResponseWriter, event sseChunk) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		log.Printf("failed to marshal SSE chunk: %v", err)
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	return nil
}
