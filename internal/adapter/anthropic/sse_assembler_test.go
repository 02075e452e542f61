package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// collect runs a full chunk sequence through a fresh Assembler and
// returns every event produced, including Start and Finish.
func collect(t *testing.T, chunks []chatmodel.Chunk) []Event {
	t.Helper()
	a := NewAssembler("msg_1", "m")
	var events []Event
	events = append(events, a.Start(10))
	for _, c := range chunks {
		events = append(events, a.Process(c)...)
	}
	events = append(events, a.Finish()...)
	return events
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestCompleteToolCallInOneChunk(t *testing.T) {
	events := collect(t, []chatmodel.Chunk{
		{Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 0, ID: "call_1", Name: "search", Arguments: `{"q":"t"}`}}},
		{FinishReason: chatmodel.FinishToolCalls},
	})

	assert.Equal(t, []EventType{
		EventMessageStart,
		EventContentBlockStart, EventContentBlockDelta, EventContentBlockStop,
		EventMessageDelta,
		EventMessageStop,
	}, types(events))

	delta := events[2]
	require.NotNil(t, delta.Delta)
	assert.Equal(t, DeltaTypeInputJSON, delta.Delta.Type)
	assert.Equal(t, `{"q":"t"}`, delta.Delta.PartialJSON)

	msgDelta := events[4]
	require.NotNil(t, msgDelta.MessageDelta)
	assert.Equal(t, "tool_use", msgDelta.MessageDelta.StopReason)
}

func TestTextStreamingThenFinish(t *testing.T) {
	events := collect(t, []chatmodel.Chunk{
		{Delta: chatmodel.Delta{Content: "he"}},
		{Delta: chatmodel.Delta{Content: "llo"}},
		{FinishReason: chatmodel.FinishStop},
	})

	assert.Equal(t, []EventType{
		EventMessageStart,
		EventContentBlockStart, EventContentBlockDelta, EventContentBlockDelta, EventContentBlockStop,
		EventMessageDelta,
		EventMessageStop,
	}, types(events))

	// Every content_block_start is followed eventually by exactly one
	// matching-index content_block_stop before another block starts.
	assertBlockLifecycleInvariant(t, events)
}

func TestSignatureAfterTextDefersThinkingClose(t *testing.T) {
	// Thinking begins, then text begins (which would normally close the
	// thinking block immediately), then a signature delta arrives for the
	// thinking block — it must still route to the thinking block's index
	// and only then close it.
	events := collect(t, []chatmodel.Chunk{
		{Delta: chatmodel.Delta{Thinking: "pondering"}},
		{Delta: chatmodel.Delta{Content: "answer"}},
		{Delta: chatmodel.Delta{ThinkingSignature: "sig123"}},
		{FinishReason: chatmodel.FinishStop},
	})

	// thinking start(0), thinking delta, text start(1) [thinking stop deferred],
	// text delta, signature delta on index 0, thinking stop(0), message_delta
	// closes text block (1), message_stop.
	var sawSignatureOnThinkingIndex bool
	var thinkingStopIndex = -1
	var thinkingStartIndex = -1
	for _, e := range events {
		if e.Type == EventContentBlockStart && e.ContentBlock != nil && e.ContentBlock.Type == BlockTypeThinking {
			thinkingStartIndex = e.Index
		}
		if e.Type == EventContentBlockDelta && e.Delta != nil && e.Delta.Type == DeltaTypeSignature {
			sawSignatureOnThinkingIndex = e.Index == thinkingStartIndex
		}
		if e.Type == EventContentBlockStop && e.Index == thinkingStartIndex && thinkingStopIndex == -1 {
			thinkingStopIndex = e.Index
		}
	}
	assert.True(t, sawSignatureOnThinkingIndex)
	assert.Equal(t, thinkingStartIndex, thinkingStopIndex)
	// Deliberately not checked against assertBlockLifecycleInvariant here:
	// the text block opens before the deferred thinking-block stop is
	// emitted, so the two blocks are briefly both "open" on the wire —
	// that overlap is exactly what the deferred-close mechanism exists
	// to allow.
}

func TestRedactedThinkingBlock(t *testing.T) {
	events := collect(t, []chatmodel.Chunk{
		{Delta: chatmodel.Delta{RedactedThinking: "opaque"}},
		{Delta: chatmodel.Delta{Content: "answer"}},
		{FinishReason: chatmodel.FinishStop},
	})
	assert.Equal(t, []EventType{
		EventMessageStart,
		EventContentBlockStart, EventContentBlockStop, // redacted block
		EventContentBlockStart, EventContentBlockDelta, EventContentBlockStop, // text block
		EventMessageDelta,
		EventMessageStop,
	}, types(events))
}

func TestMessageDeltaEmittedAtMostOnce(t *testing.T) {
	a := NewAssembler("id", "m")
	a.Start(0)
	a.Process(chatmodel.Chunk{Delta: chatmodel.Delta{Content: "hi"}, FinishReason: chatmodel.FinishStop})
	// A second finish-bearing chunk should not emit a second message_delta.
	second := a.Process(chatmodel.Chunk{FinishReason: chatmodel.FinishStop})
	for _, e := range second {
		assert.NotEqual(t, EventMessageDelta, e.Type)
	}
}

func TestSignatureWithNoThinkingBlockWarnsAndDoesNotEmit(t *testing.T) {
	a := NewAssembler("id", "m")
	var warned string
	a.Warn = func(reason string) { warned = reason }
	a.Start(0)
	events := a.Process(chatmodel.Chunk{Delta: chatmodel.Delta{ThinkingSignature: "sig"}})
	assert.Empty(t, events)
	assert.NotEmpty(t, warned)
}

// assertBlockLifecycleInvariant checks that every
// content_block_start is followed by zero or more matching-index deltas
// and exactly one matching-index stop before any other block starts.
func assertBlockLifecycleInvariant(t *testing.T, events []Event) {
	t.Helper()
	openIdx := -1
	seenStops := make(map[int]int)
	for _, e := range events {
		switch e.Type {
		case EventContentBlockStart:
			require.Equal(t, -1, openIdx, "a new block started while %d was still open", openIdx)
			openIdx = e.Index
		case EventContentBlockDelta:
			require.Equal(t, openIdx, e.Index)
		case EventContentBlockStop:
			require.Equal(t, openIdx, e.Index)
			seenStops[e.Index]++
			openIdx = -1
		}
	}
	require.Equal(t, -1, openIdx, "stream ended with a block still open")
	for idx, count := range seenStops {
		require.Equal(t, 1, count, "block %d stopped %d times", idx, count)
	}
}
