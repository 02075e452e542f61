package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/luthienresearch/luthien/internal/apierror"
	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// ToNormalizedRequest translates an Anthropic /v1/messages request body
// into Luthien's normalized chatmodel.Request.
//
// Three shaping rules apply:
//  1. The top-level "system" field (string or list of text blocks)
//     becomes a leading chatmodel.Message with Role: "system".
//  2. A message whose content is a list is split: each tool_use block
//     becomes a separate assistant ToolCall entry keyed by id; each
//     tool_result block becomes its own RoleTool message keyed by the
//     referenced tool_use_id; text blocks are concatenated.
//  3. Tool catalogs are deduplicated by name (last occurrence wins).
func ToNormalizedRequest(req *Request) (*chatmodel.Request, error) {
	out := &chatmodel.Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	if sysMsg, ok, err := systemMessage(req.System); err != nil {
		return nil, err
	} else if ok {
		out.Messages = append(out.Messages, sysMsg)
	}

	knownToolUseIDs := make(map[string]bool)

	for _, msg := range req.Messages {
		converted, err := convertMessage(msg, knownToolUseIDs)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	if len(req.Tools) > 0 {
		tools := make([]chatmodel.Tool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = chatmodel.Tool{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			}
		}
		out.Tools = chatmodel.DedupToolsByName(tools)
	}

	return out, nil
}

// systemMessage converts the top-level "system" field into a leading
// chatmodel.Message, if present. Anthropic allows it to be either a
// plain string or a list of text SystemBlocks.
func systemMessage(system any) (chatmodel.Message, bool, error) {
	switch v := system.(type) {
	case nil:
		return chatmodel.Message{}, false, nil
	case string:
		if v == "" {
			return chatmodel.Message{}, false, nil
		}
		return chatmodel.Message{Role: chatmodel.RoleSystem, Content: strPtr(v)}, true, nil
	default:
		// Re-marshal/unmarshal through json.RawMessage-compatible path so
		// callers building Request programmatically (e.g. []SystemBlock,
		// or a decoded []any from JSON) both work.
		raw, err := json.Marshal(v)
		if err != nil {
			return chatmodel.Message{}, false, fmt.Errorf("marshaling system field: %w", err)
		}
		var blocks []SystemBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return chatmodel.Message{}, false, apierror.InvalidRequest("system field must be a string or list of text blocks: %v", err)
		}
		var text string
		for _, b := range blocks {
			text += b.Text
		}
		if text == "" {
			return chatmodel.Message{}, false, nil
		}
		return chatmodel.Message{Role: chatmodel.RoleSystem, Content: strPtr(text)}, true, nil
	}
}

// convertMessage converts one Anthropic message into zero or more
// normalized messages. A plain-string-content message maps 1:1. A
// list-content message may expand into several: the running text
// concatenates into one assistant/user message, each tool_use block
// becomes a ToolCall entry on that message, and each tool_result block
// becomes its own standalone tool message.
func convertMessage(msg Message, knownToolUseIDs map[string]bool) ([]chatmodel.Message, error) {
	role := chatmodel.NormalizeRole(msg.Role)

	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []chatmodel.Message{{Role: role, Content: strPtr(asString)}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, apierror.InvalidRequest("message content must be a string or a list of content blocks: %v", err)
	}

	var text string
	var toolCalls []chatmodel.ToolCall
	var toolResults []chatmodel.Message

	for _, b := range blocks {
		switch b.Type {
		case BlockTypeText:
			text += b.Text
		case BlockTypeToolUse:
			knownToolUseIDs[b.ID] = true
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			toolCalls = append(toolCalls, chatmodel.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		case "tool_result":
			if !knownToolUseIDs[b.ToolUseID] {
				return nil, apierror.InvalidRequest("tool_result references unknown tool_use id %q", b.ToolUseID)
			}
			toolResults = append(toolResults, chatmodel.Message{
				Role:       chatmodel.RoleTool,
				Content:    strPtr(toolResultText(b.Content)),
				ToolCallID: b.ToolUseID,
			})
		case BlockTypeThinking, BlockTypeRedactedThinking:
			// Thinking blocks on ingress carry no user-visible text the
			// normalized dialect can represent; they are dropped here and
			// only reconstructed on the egress side from upstream deltas.
		default:
			return nil, apierror.InvalidRequest("unsupported content block type %q", b.Type)
		}
	}

	var out []chatmodel.Message
	if text != "" || len(toolCalls) > 0 {
		m := chatmodel.Message{Role: role}
		if text != "" {
			m.Content = strPtr(text)
		}
		if len(toolCalls) > 0 {
			m.ToolCalls = toolCalls
		}
		out = append(out, m)
	}
	out = append(out, toolResults...)
	return out, nil
}

// ToAnthropicRequest translates a normalized chatmodel.Request into an
// Anthropic /v1/messages wire request — the mirror of ToNormalizedRequest,
// used when Luthien's configured backend is itself Anthropic-native.
// Leading system messages are pulled back out into the top-level "system"
// string; tool calls and tool results are re-expanded into content-block
// lists since Anthropic has no flat tool_calls/tool_call_id shape.
func ToAnthropicRequest(req *chatmodel.Request) *Request {
	out := &Request{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == chatmodel.RoleSystem {
			if msg.Content != nil {
				systemParts = append(systemParts, *msg.Content)
			}
			continue
		}
		out.Messages = append(out.Messages, toAnthropicMessage(msg))
	}
	if len(systemParts) > 0 {
		out.System = joinSystem(systemParts)
	}

	if len(req.Tools) > 0 {
		out.Tools = make([]Tool, len(req.Tools))
		for i, t := range req.Tools {
			out.Tools[i] = Tool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
		}
	}

	return out
}

// defaultMaxTokens is applied when a request omits max_tokens, which
// the Anthropic API rejects.
const defaultMaxTokens = 4096

func joinSystem(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}

// toAnthropicMessage renders one normalized message back into Anthropic's
// wire shape: a plain string when there is only text, or a content-block
// list when tool calls or a tool result are present.
func toAnthropicMessage(msg chatmodel.Message) Message {
	if msg.Role == chatmodel.RoleTool {
		block := ContentBlock{Type: "tool_result", ToolUseID: msg.ToolCallID}
		if msg.Content != nil {
			block.Content = *msg.Content
		}
		return Message{Role: chatmodel.RoleUser, Content: mustMarshal([]ContentBlock{block})}
	}

	if len(msg.ToolCalls) == 0 {
		text := ""
		if msg.Content != nil {
			text = *msg.Content
		}
		return Message{Role: msg.Role, Content: mustMarshal(text)}
	}

	var blocks []ContentBlock
	if msg.Content != nil && *msg.Content != "" {
		blocks = append(blocks, ContentBlock{Type: BlockTypeText, Text: *msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, ContentBlock{Type: BlockTypeToolUse, ID: tc.ID, Name: tc.Name, Input: input})
	}
	return Message{Role: msg.Role, Content: mustMarshal(blocks)}
}

// mustMarshal encodes v into json.RawMessage for the wire Message.Content
// field. v is always one of the types this package constructs above, so
// marshaling cannot fail.
func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// toolResultText flattens a tool_result's content, which may be a plain
// string or a list of content blocks (Anthropic allows tool results to
// carry structured content; Luthien's normalized dialect only carries
// text, so blocks are concatenated).
func toolResultText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		var blocks []ContentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return string(raw)
		}
		var text string
		for _, b := range blocks {
			if b.Type == BlockTypeText {
				text += b.Text
			}
		}
		return text
	}
}

func strPtr(s string) *string { return &s }
