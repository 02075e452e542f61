package anthropic

import (
	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// ReverseConverter turns an upstream Anthropic-native SSE event stream
// into normalized chunks, for the case where Luthien's backend is itself
// an Anthropic-shaped provider. It maintains per-index tool-call state
// and emits normalized chunks whose ToolCallDelta.Index matches the
// index used in the source stream.
type ReverseConverter struct {
	id    string
	model string

	// blockKind records, per content-block index, what kind of block is
	// open — needed because content_block_delta events don't repeat the
	// block type, only content_block_start does.
	blockKind map[int]string
	// toolCallIndex maps the content-block index of each tool_use block
	// to the normalized tool-call index assigned when that block started,
	// which is the source block index itself.
	toolCallIndex map[int]int
}

// NewReverseConverter creates a ReverseConverter for one upstream stream.
func NewReverseConverter() *ReverseConverter {
	return &ReverseConverter{
		blockKind:     make(map[int]string),
		toolCallIndex: make(map[int]int),
	}
}

// Convert consumes one Anthropic SSE event and returns zero or more
// normalized chunks.
func (c *ReverseConverter) Convert(ev Event) []chatmodel.Chunk {
	switch ev.Type {
	case EventMessageStart:
		if ev.Message != nil {
			c.id = ev.Message.ID
			c.model = ev.Message.Model
		}
		return nil

	case EventContentBlockStart:
		if ev.ContentBlock == nil {
			return nil
		}
		c.blockKind[ev.Index] = ev.ContentBlock.Type
		if ev.ContentBlock.Type == BlockTypeToolUse {
			toolIdx := ev.Index
			c.toolCallIndex[ev.Index] = toolIdx
			return []chatmodel.Chunk{{
				ID:    c.id,
				Model: c.model,
				Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{
					Index: toolIdx,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}},
			}}
		}
		return nil

	case EventContentBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case DeltaTypeText:
			return []chatmodel.Chunk{{ID: c.id, Model: c.model, Delta: chatmodel.Delta{Content: ev.Delta.Text}}}
		case DeltaTypeThinking:
			return []chatmodel.Chunk{{ID: c.id, Model: c.model, Delta: chatmodel.Delta{Thinking: ev.Delta.Thinking}}}
		case DeltaTypeSignature:
			return []chatmodel.Chunk{{ID: c.id, Model: c.model, Delta: chatmodel.Delta{ThinkingSignature: ev.Delta.Signature}}}
		case DeltaTypeInputJSON:
			toolIdx, ok := c.toolCallIndex[ev.Index]
			if !ok {
				return nil
			}
			return []chatmodel.Chunk{{ID: c.id, Model: c.model, Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{
				Index:     toolIdx,
				Arguments: ev.Delta.PartialJSON,
			}}}}
		}
		return nil

	case EventContentBlockStop:
		delete(c.blockKind, ev.Index)
		return nil

	case EventMessageDelta:
		if ev.MessageDelta == nil {
			return nil
		}
		chunk := chatmodel.Chunk{
			ID:           c.id,
			Model:        c.model,
			FinishReason: FinishFromStopReason(ev.MessageDelta.StopReason),
		}
		if ev.Usage != nil {
			chunk.Usage = &chatmodel.Usage{CompletionTokens: ev.Usage.OutputTokens}
		}
		return []chatmodel.Chunk{chunk}

	default:
		// message_stop and ping carry no data the normalized dialect needs.
		return nil
	}
}
