// Package block implements the stream-state machine: it groups the
// deltas of one streaming response into content, tool-call, and thinking
// blocks, tracking which block is open and which one just completed so
// the dispatcher (internal/dispatcher) can drive policy hooks off of it.
package block

import (
	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// Kind identifies what a Block accumulates.
type Kind string

const (
	KindContent  Kind = "content"
	KindToolCall Kind = "tool_call"
	KindThinking Kind = "thinking"
)

// Status is a Block's lifecycle stage.
type Status string

const (
	StatusOpen     Status = "open"
	StatusComplete Status = "complete"
)

// Block is one maximal run of same-kind deltas.
type Block struct {
	Kind   Kind
	Status Status

	// ToolCallIndex is meaningful only for KindToolCall — it is the index
	// addressed by the upstream ToolCallDelta, and is also the key
	// component of (transaction_id, index) tool-call buffer identity.
	ToolCallIndex int

	// Text accumulates KindContent or KindThinking text.
	Text string

	// ToolCallID/ToolCallName/ToolCallArguments accumulate a KindToolCall
	// block's fields. In practice upstreams send id/name once and
	// stream Arguments in fragments, so Arguments is the only field
	// actually concatenated across multiple deltas.
	ToolCallID        string
	ToolCallName      string
	ToolCallArguments string

	// ThinkingSignature accumulates a late-arriving cryptographic
	// signature for a thinking block.
	ThinkingSignature string
}

// StreamState is the per-transaction state the assembler threads through
// every incoming chunk.
type StreamState struct {
	// Chunks is every chunk received so far, in order — kept for replay
	// and for the recorder's synthetic-response reconstruction.
	Chunks []chatmodel.Chunk

	// Open is the block currently accumulating deltas, or nil.
	Open *Block

	// JustCompleted is the block that completed as a result of the most
	// recently processed chunk. It is cleared at the start of every
	// Process call, so after a call it reflects only that call's chunk.
	JustCompleted *Block

	// FinishReason is set once a finish-reason-bearing chunk is seen.
	FinishReason string

	// Blocks is every block ever opened, in open-order, each updated
	// in-place to StatusComplete once closed.
	Blocks []*Block

	// onBlockEvent, if set, is called synchronously whenever a block
	// opens or closes, in the order those transitions occur — the
	// dispatcher wires this to drive its hook invocations in order.
	onBlockEvent func(event BlockEvent)
}

// BlockEventKind distinguishes open/close notifications on the
// onBlockEvent callback.
type BlockEventKind string

const (
	BlockOpened BlockEventKind = "opened"
	BlockClosed BlockEventKind = "closed"
)

// BlockEvent is delivered to onBlockEvent.
type BlockEvent struct {
	Kind  BlockEventKind
	Block *Block
}

// New creates a fresh StreamState. onBlockEvent may be nil.
func New(onBlockEvent func(BlockEvent)) *StreamState {
	return &StreamState{onBlockEvent: onBlockEvent}
}

// Process folds one incoming chunk into the block state.
func (s *StreamState) Process(chunk chatmodel.Chunk) {
	s.Chunks = append(s.Chunks, chunk)
	s.JustCompleted = nil

	d := chunk.Delta

	switch {
	case d.IsEmpty() && chunk.FinishReason != "":
		// Empty delta with a finish reason only: close the current block.
		s.closeOpen()
		s.FinishReason = chunk.FinishReason

	case d.Content != "":
		if s.Open == nil || s.Open.Kind != KindContent {
			s.closeOpen()
			s.openBlock(&Block{Kind: KindContent, Status: StatusOpen})
		}
		s.Open.Text += d.Content

	case d.ToolCall != nil:
		tc := d.ToolCall
		if s.Open == nil || s.Open.Kind != KindToolCall || s.Open.ToolCallIndex != tc.Index {
			s.closeOpen()
			s.openBlock(&Block{Kind: KindToolCall, Status: StatusOpen, ToolCallIndex: tc.Index})
		}
		if tc.ID != "" {
			s.Open.ToolCallID = tc.ID
		}
		if tc.Name != "" {
			s.Open.ToolCallName = tc.Name
		}
		if tc.Arguments != "" {
			s.Open.ToolCallArguments += tc.Arguments
		}

	case d.Thinking != "":
		if s.Open == nil || s.Open.Kind != KindThinking {
			s.closeOpen()
			s.openBlock(&Block{Kind: KindThinking, Status: StatusOpen})
		}
		s.Open.Text += d.Thinking

	case d.ThinkingSignature != "":
		// A signature attaches to the most recently opened thinking
		// block even if it is no longer the open block. Find it
		// among completed blocks if necessary.
		if s.Open != nil && s.Open.Kind == KindThinking {
			s.Open.ThinkingSignature += d.ThinkingSignature
		} else {
			for i := len(s.Blocks) - 1; i >= 0; i-- {
				if s.Blocks[i].Kind == KindThinking {
					s.Blocks[i].ThinkingSignature += d.ThinkingSignature
					break
				}
			}
		}
	}

	// A chunk may carry both a content-bearing delta and a finish
	// reason in the same envelope. Close out and record the finish
	// reason here too.
	if chunk.FinishReason != "" && !(d.IsEmpty()) {
		s.closeOpen()
		s.FinishReason = chunk.FinishReason
	}
}

func (s *StreamState) openBlock(b *Block) {
	s.Open = b
	s.Blocks = append(s.Blocks, b)
	if s.onBlockEvent != nil {
		s.onBlockEvent(BlockEvent{Kind: BlockOpened, Block: b})
	}
}

// closeOpen closes the currently open block, if any, moving it into
// JustCompleted and marking it complete in the ordered block list.
func (s *StreamState) closeOpen() {
	if s.Open == nil {
		return
	}
	s.Open.Status = StatusComplete
	s.JustCompleted = s.Open
	if s.onBlockEvent != nil {
		s.onBlockEvent(BlockEvent{Kind: BlockClosed, Block: s.Open})
	}
	s.Open = nil
}

// Flush closes any still-open block at stream end, e.g. if the upstream
// closed the connection without a finish-reason chunk. It is idempotent.
func (s *StreamState) Flush() {
	s.JustCompleted = nil
	s.closeOpen()
}
