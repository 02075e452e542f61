package anthropic

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// FromNormalizedResponse translates a non-streaming normalized response
// into an Anthropic response body. Only the first choice is rendered —
// Luthien's core never produces more than one. warn receives
// recoverable translation defects (a tool call whose arguments aren't
// valid JSON) so the caller can record them; nil falls back to logging
// (unlike Assembler.Warn, where nil is a no-op).
func FromNormalizedResponse(resp *chatmodel.Response, warn func(reason string)) *Response {
	var choice chatmodel.Choice
	if len(resp.Choices) > 0 {
		choice = resp.Choices[0]
	}

	out := &Response{
		ID:         resp.ID,
		Type:       "message",
		Role:       chatmodel.RoleAssistant,
		Model:      resp.Model,
		StopReason: StopReasonFromFinish(choice.FinishReason),
	}

	if choice.Message.Content != nil && *choice.Message.Content != "" {
		out.Content = append(out.Content, ContentBlock{Type: BlockTypeText, Text: *choice.Message.Content})
	}

	for _, tc := range choice.Message.ToolCalls {
		input := parseToolInput(tc.Arguments, warn)
		out.Content = append(out.Content, ContentBlock{
			Type:  BlockTypeToolUse,
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}

	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out
}

// ToNormalizedResponse translates an Anthropic wire Response into a
// normalized chatmodel.Response — the mirror of FromNormalizedResponse,
// used when Luthien's configured backend is itself Anthropic-native and
// its non-streaming reply must be normalized before policy.OnResponse
// and the recorder ever see it.
func ToNormalizedResponse(resp *Response) *chatmodel.Response {
	msg := chatmodel.Message{Role: chatmodel.RoleAssistant}
	var text string
	hasText := false
	for _, b := range resp.Content {
		switch b.Type {
		case BlockTypeText:
			text += b.Text
			hasText = true
		case BlockTypeToolUse:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, chatmodel.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	if hasText {
		msg.Content = &text
	}

	finish := FinishFromStopReason(resp.StopReason)

	return &chatmodel.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Choices: []chatmodel.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
		Usage: &chatmodel.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// parseToolInput parses a tool call's JSON-string arguments into a
// json.RawMessage suitable for the Anthropic "input" field. On parse
// failure it falls back to an empty object and reports a warning — a
// bad arguments string on the egress side is a bug upstream of here,
// not a client-visible 400, so it degrades rather than aborting the
// response.
func parseToolInput(arguments string, warn func(reason string)) json.RawMessage {
	if arguments == "" {
		return json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal([]byte(arguments), &v); err != nil {
		reason := fmt.Sprintf("tool call arguments are not valid JSON, substituting {}: %v", err)
		if warn != nil {
			warn(reason)
		} else {
			log.Printf("anthropic adapter: %s", reason)
		}
		return json.RawMessage("{}")
	}
	return json.RawMessage(arguments)
}
