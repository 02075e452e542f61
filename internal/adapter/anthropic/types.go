// Package anthropic implements the format adapters (Anthropic ⇄
// normalized, both directions, streaming and non-streaming) and the
// stateful Anthropic SSE assembler in both directions.
package anthropic

import "encoding/json"

// Wire types for Anthropic's /v1/messages request and response bodies,
// covering the Messages API surface Luthien needs: system-as-list, tool
// use/result blocks, thinking blocks, and the full streaming event set.

// Request is the top-level Anthropic /v1/messages request body.
type Request struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	System        any       `json:"system,omitempty"` // string or []SystemBlock
	Messages      []Message `json:"messages"`
	Tools         []Tool    `json:"tools,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

// SystemBlock is one element of a list-shaped top-level "system" field.
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message is one turn. Content is either a plain string or a list of
// ContentBlock — both are legal on the wire, so Content is left as
// json.RawMessage and decoded by convertMessage.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one element of a message's content-blocks list.
type ContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"` // string or []ContentBlock, tool_result only
	IsError   bool   `json:"is_error,omitempty"`

	// type == "thinking"
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// type == "redacted_thinking"
	Data string `json:"data,omitempty"`
}

// Tool is one entry in the request's tool catalog.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Response is the non-streaming Anthropic response body.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage mirrors Anthropic's input_tokens/output_tokens naming.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Streaming event payloads -----------------------------------------

// EventType enumerates the Anthropic SSE event names.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
)

// Event is a typed, already-indexed Anthropic SSE event, ready to be
// serialized by the SSE writer as "event: <Type>\ndata: <json>\n\n".
type Event struct {
	Type EventType `json:"type"`

	// message_start
	Message *EventMessage `json:"message,omitempty"`

	// content_block_start / content_block_stop
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// content_block_delta
	Delta *EventDelta `json:"delta,omitempty"`

	// message_delta
	MessageDelta *MessageDeltaPayload `json:"-"` // see MarshalJSON

	Usage *Usage `json:"usage,omitempty"`
}

// MessageDeltaPayload carries the stop_reason (and, in the real API,
// stop_sequence) on a message_delta event. It is kept distinct from
// EventDelta (content_block_delta's payload) because the two events
// use unrelated "delta" shapes on the wire.
type MessageDeltaPayload struct {
	StopReason string `json:"stop_reason,omitempty"`
}

// EventDelta is the "delta" payload of a content_block_delta event.
type EventDelta struct {
	Type string `json:"type"`

	// text_delta
	Text string `json:"text,omitempty"`

	// input_json_delta
	PartialJSON string `json:"partial_json,omitempty"`

	// thinking_delta
	Thinking string `json:"thinking,omitempty"`

	// signature_delta
	Signature string `json:"signature,omitempty"`
}

// Delta type tags.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeSignature = "signature_delta"
)

// Content block type tags.
const (
	BlockTypeText             = "text"
	BlockTypeToolUse          = "tool_use"
	BlockTypeThinking         = "thinking"
	BlockTypeRedactedThinking = "redacted_thinking"
)

// MarshalJSON renders message_delta's top-level shape
// ({"type":"message_delta","delta":{"stop_reason":...},"usage":{...}})
// using the distinct MessageDeltaPayload for "delta" when set, falling
// back to the content_block_delta EventDelta encoding otherwise. A
// custom marshaler keeps the exported Event type flat for callers while
// still matching the two incompatible "delta" wire shapes Anthropic uses.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type         EventType     `json:"type"`
		Message      *EventMessage `json:"message,omitempty"`
		Index        *int          `json:"index,omitempty"`
		ContentBlock *ContentBlock `json:"content_block,omitempty"`
		Delta        any           `json:"delta,omitempty"`
		Usage        *Usage        `json:"usage,omitempty"`
	}
	w := wire{Type: e.Type, Message: e.Message, ContentBlock: e.ContentBlock, Usage: e.Usage}
	if e.Type == EventContentBlockStart || e.Type == EventContentBlockDelta || e.Type == EventContentBlockStop {
		idx := e.Index
		w.Index = &idx
	}
	if e.MessageDelta != nil {
		w.Delta = e.MessageDelta
	} else if e.Delta != nil {
		w.Delta = e.Delta
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON, needed when Luthien is
// the one receiving Anthropic SSE events rather than emitting them
// (the configured backend is itself Anthropic-native).
// The wire "delta" field means one of two incompatible shapes depending
// on event type, so it is decoded raw and routed by e.Type.
func (e *Event) UnmarshalJSON(data []byte) error {
	type wire struct {
		Type         EventType       `json:"type"`
		Message      *EventMessage   `json:"message,omitempty"`
		Index        int             `json:"index"`
		ContentBlock *ContentBlock   `json:"content_block,omitempty"`
		Delta        json.RawMessage `json:"delta,omitempty"`
		Usage        *Usage          `json:"usage,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.Message = w.Message
	e.Index = w.Index
	e.ContentBlock = w.ContentBlock
	e.Usage = w.Usage
	e.Delta = nil
	e.MessageDelta = nil
	if len(w.Delta) == 0 {
		return nil
	}
	if w.Type == EventMessageDelta {
		var md MessageDeltaPayload
		if err := json.Unmarshal(w.Delta, &md); err != nil {
			return err
		}
		e.MessageDelta = &md
		return nil
	}
	var d EventDelta
	if err := json.Unmarshal(w.Delta, &d); err != nil {
		return err
	}
	e.Delta = &d
	return nil
}

// EventMessage is the "message" object inside a message_start event.
type EventMessage struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// StopReasonFromFinish maps a normalized finish reason to an Anthropic
// stop_reason.
func StopReasonFromFinish(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	case "stop":
		fallthrough
	default:
		return "end_turn"
	}
}

// FinishFromStopReason is the inverse mapping, used when Luthien receives
// an Anthropic-native upstream stream and must normalize it.
func FinishFromStopReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "content_filter"
	case "end_turn":
		fallthrough
	default:
		return "stop"
	}
}
