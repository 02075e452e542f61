package anthropic

import (
	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// Assembler is the stateful converter from normalized chunks to
// Anthropic SSE events. One instance serves exactly one streaming
// response — create a fresh Assembler per transaction.
type Assembler struct {
	id    string
	model string

	finished bool

	// open describes the block currently open, or nil if none is.
	open *openBlock

	// lastThinkingIndex is the index of the most recently opened thinking
	// block, so a signature delta arriving after text has begun can still
	// find its way back to the right block.
	lastThinkingIndex int

	// thinkingNeedsClose is set when the assembler leaves a thinking
	// block for a different kind but defers emitting content_block_stop,
	// in case a signature delta for that thinking block still arrives.
	thinkingNeedsClose bool

	nextIndex int

	messageDeltaEmitted bool

	// Warn receives protocol-violation conditions that are recorded
	// rather than emitted (a signature delta with no prior thinking
	// block). nil is a valid value; Warn is then a no-op.
	Warn func(reason string)
}

type openBlock struct {
	index int
	kind  string // BlockTypeText, BlockTypeToolUse, BlockTypeThinking

	// toolIndex/hasToolIndex are only meaningful when kind == BlockTypeToolUse:
	// they hold the upstream tool-call index this block was opened for, so a
	// delta addressed to a different parallel tool call forces a transition.
	toolIndex    int
	hasToolIndex bool
}

// NewAssembler creates an Assembler for one streaming response.
func NewAssembler(id, model string) *Assembler {
	return &Assembler{id: id, model: model, lastThinkingIndex: -1}
}

// Start returns the message_start event. It must be called exactly once,
// before the first Process call.
func (a *Assembler) Start(promptTokens int) Event {
	return Event{
		Type: EventMessageStart,
		Message: &EventMessage{
			ID:      a.id,
			Type:    "message",
			Role:    chatmodel.RoleAssistant,
			Content: []ContentBlock{},
			Model:   a.model,
			Usage:   Usage{InputTokens: promptTokens},
		},
	}
}

// Process consumes one normalized chunk and returns the Anthropic events
// it produces, in order.
func (a *Assembler) Process(chunk chatmodel.Chunk) []Event {
	var events []Event

	d := chunk.Delta

	switch {
	case d.RedactedThinking != "":
		// Redacted thinking arrives complete in one chunk.
		events = append(events, a.closePendingThinking()...)
		events = append(events, a.closeOpen()...)
		idx := a.allocIndex()
		events = append(events, Event{
			Type:         EventContentBlockStart,
			Index:        idx,
			ContentBlock: &ContentBlock{Type: BlockTypeRedactedThinking, Data: d.RedactedThinking},
		})
		events = append(events, Event{Type: EventContentBlockStop, Index: idx})

	case d.ToolCall != nil && d.ToolCall.ID != "" && d.ToolCall.Name != "" && d.ToolCall.Arguments != "":
		// A complete tool call arrived in a single chunk — a policy
		// buffered it and released the reconstructed whole.
		events = append(events, a.closePendingThinking()...)
		events = append(events, a.closeOpen()...)
		idx := a.allocIndex()
		events = append(events, Event{
			Type:         EventContentBlockStart,
			Index:        idx,
			ContentBlock: &ContentBlock{Type: BlockTypeToolUse, ID: d.ToolCall.ID, Name: d.ToolCall.Name},
		})
		events = append(events, Event{
			Type:  EventContentBlockDelta,
			Index: idx,
			Delta: &EventDelta{Type: DeltaTypeInputJSON, PartialJSON: d.ToolCall.Arguments},
		})
		events = append(events, Event{Type: EventContentBlockStop, Index: idx})

	case d.ThinkingSignature != "":
		events = append(events, a.routeSignature(d.ThinkingSignature)...)

	case !d.IsEmpty():
		events = append(events, a.deltaEvent(d)...)
	}

	if chunk.FinishReason != "" {
		events = append(events, a.closePendingThinking()...)
		events = append(events, a.closeOpen()...)
		if !a.messageDeltaEmitted {
			a.messageDeltaEmitted = true
			ev := Event{
				Type:         EventMessageDelta,
				MessageDelta: &MessageDeltaPayload{StopReason: StopReasonFromFinish(chunk.FinishReason)},
			}
			if chunk.Usage != nil {
				ev.Usage = &Usage{OutputTokens: chunk.Usage.CompletionTokens}
			}
			events = append(events, ev)
		}
	}

	return events
}

// routeSignature routes a signature delta to the last thinking block's
// index, flushing a pending close if one was waiting on exactly this
// signature.
func (a *Assembler) routeSignature(sig string) []Event {
	if a.lastThinkingIndex < 0 {
		// Protocol violation: recorded, not emitted.
		if a.Warn != nil {
			a.Warn("signature_delta with no prior thinking block")
		}
		return nil
	}
	var events []Event
	events = append(events, Event{
		Type:  EventContentBlockDelta,
		Index: a.lastThinkingIndex,
		Delta: &EventDelta{Type: DeltaTypeSignature, Signature: sig},
	})
	if a.thinkingNeedsClose {
		a.thinkingNeedsClose = false
		events = append(events, Event{Type: EventContentBlockStop, Index: a.lastThinkingIndex})
	}
	return events
}

// deltaEvent handles ordinary content/tool-call/thinking deltas: figure
// out the target block kind, transition blocks as needed, and emit the
// delta itself.
func (a *Assembler) deltaEvent(d chatmodel.Delta) []Event {
	var events []Event

	targetKind := BlockTypeText
	var toolIndex int
	switch {
	case d.Thinking != "":
		targetKind = BlockTypeThinking
	case d.ToolCall != nil:
		targetKind = BlockTypeToolUse
		toolIndex = d.ToolCall.Index
	case d.Content != "":
		targetKind = BlockTypeText
	}

	needsNewBlock := a.open == nil || a.open.kind != targetKind ||
		(targetKind == BlockTypeToolUse && a.open.toolDeltaIndex() != toolIndex)

	if needsNewBlock {
		if a.open != nil {
			if a.open.kind == BlockTypeThinking {
				// Defer the stop — a signature may still arrive.
				a.thinkingNeedsClose = true
			} else {
				events = append(events, Event{Type: EventContentBlockStop, Index: a.open.index})
			}
			a.open = nil
		}
	}

	if a.open == nil {
		idx := a.allocIndex()
		block := ContentBlock{Type: targetKind}
		switch targetKind {
		case BlockTypeToolUse:
			if d.ToolCall != nil {
				block.ID = d.ToolCall.ID
				block.Name = d.ToolCall.Name
			}
		}
		events = append(events, Event{Type: EventContentBlockStart, Index: idx, ContentBlock: &block})
		a.open = &openBlock{index: idx, kind: targetKind}
		if targetKind == BlockTypeToolUse {
			a.open.toolIndex = toolIndex
			a.open.hasToolIndex = true
		}
		if targetKind == BlockTypeThinking {
			a.lastThinkingIndex = idx
		}
	}

	ev := Event{Type: EventContentBlockDelta, Index: a.open.index}
	switch targetKind {
	case BlockTypeText:
		ev.Delta = &EventDelta{Type: DeltaTypeText, Text: d.Content}
	case BlockTypeThinking:
		ev.Delta = &EventDelta{Type: DeltaTypeThinking, Thinking: d.Thinking}
	case BlockTypeToolUse:
		ev.Delta = &EventDelta{Type: DeltaTypeInputJSON, PartialJSON: d.ToolCall.Arguments}
	}
	events = append(events, ev)
	return events
}

func (b *openBlock) toolDeltaIndex() int {
	if !b.hasToolIndex {
		return -1
	}
	return b.toolIndex
}

func (a *Assembler) closePendingThinking() []Event {
	if !a.thinkingNeedsClose {
		return nil
	}
	a.thinkingNeedsClose = false
	return []Event{{Type: EventContentBlockStop, Index: a.lastThinkingIndex}}
}

func (a *Assembler) closeOpen() []Event {
	if a.open == nil {
		return nil
	}
	idx := a.open.index
	a.open = nil
	return []Event{{Type: EventContentBlockStop, Index: idx}}
}

func (a *Assembler) allocIndex() int {
	idx := a.nextIndex
	a.nextIndex++
	return idx
}

// Finish returns the terminal message_stop event. Safe to call once,
// after the upstream iterator (and thus Process calls) are exhausted.
// Any block still open at this point is closed first, which only
// happens if the upstream stream ended without a finish-reason chunk.
func (a *Assembler) Finish() []Event {
	if a.finished {
		return nil
	}
	a.finished = true
	var events []Event
	events = append(events, a.closePendingThinking()...)
	events = append(events, a.closeOpen()...)
	events = append(events, Event{Type: EventMessageStop})
	return events
}
