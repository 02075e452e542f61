package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

func TestContentAccumulatesAcrossChunks(t *testing.T) {
	s := New(nil)
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{Content: "he"}})
	assert.Nil(t, s.JustCompleted)
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{Content: "llo"}})
	assert.Equal(t, "hello", s.Open.Text)

	s.Process(chatmodel.Chunk{FinishReason: chatmodel.FinishStop})
	require.NotNil(t, s.JustCompleted)
	assert.Equal(t, "hello", s.JustCompleted.Text)
	assert.Equal(t, StatusComplete, s.JustCompleted.Status)
	assert.Nil(t, s.Open)
	assert.Equal(t, chatmodel.FinishStop, s.FinishReason)
}

func TestToolCallArgumentsConcatenateByIndex(t *testing.T) {
	s := New(nil)
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 0, ID: "call_1", Name: "search"}}})
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 0, Arguments: `{"q":`}}})
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 0, Arguments: `"cats"}`}}})
	s.Process(chatmodel.Chunk{FinishReason: chatmodel.FinishToolCalls})

	require.NotNil(t, s.JustCompleted)
	assert.Equal(t, "call_1", s.JustCompleted.ToolCallID)
	assert.Equal(t, "search", s.JustCompleted.ToolCallName)
	assert.Equal(t, `{"q":"cats"}`, s.JustCompleted.ToolCallArguments)
}

func TestSwitchingToolCallIndexClosesPrevious(t *testing.T) {
	var events []BlockEvent
	s := New(func(e BlockEvent) { events = append(events, e) })
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 0, ID: "call_1", Name: "a"}}})
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 1, ID: "call_2", Name: "b"}}})

	require.Len(t, events, 3) // open(0), close(0), open(1)
	assert.Equal(t, BlockOpened, events[0].Kind)
	assert.Equal(t, 0, events[0].Block.ToolCallIndex)
	assert.Equal(t, BlockClosed, events[1].Kind)
	assert.Equal(t, 0, events[1].Block.ToolCallIndex)
	assert.Equal(t, BlockOpened, events[2].Kind)
	assert.Equal(t, 1, events[2].Block.ToolCallIndex)
}

func TestThinkingThenContentClosesThinkingBlock(t *testing.T) {
	s := New(nil)
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{Thinking: "hmm"}})
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{Content: "answer"}})

	require.NotNil(t, s.JustCompleted)
	assert.Equal(t, KindThinking, s.JustCompleted.Kind)
	assert.Equal(t, "hmm", s.JustCompleted.Text)
	assert.Equal(t, KindContent, s.Open.Kind)
}

func TestSignatureAttachesToMostRecentThinkingBlockEvenAfterClose(t *testing.T) {
	s := New(nil)
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{Thinking: "hmm"}})
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{Content: "answer"}})
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{ThinkingSignature: "sig"}})

	var thinking *Block
	for _, b := range s.Blocks {
		if b.Kind == KindThinking {
			thinking = b
		}
	}
	require.NotNil(t, thinking)
	assert.Equal(t, "sig", thinking.ThinkingSignature)
}

func TestFlushClosesDanglingOpenBlock(t *testing.T) {
	s := New(nil)
	s.Process(chatmodel.Chunk{Delta: chatmodel.Delta{Content: "partial"}})
	require.NotNil(t, s.Open)
	s.Flush()
	assert.Nil(t, s.Open)
	require.NotNil(t, s.JustCompleted)
	assert.Equal(t, StatusComplete, s.JustCompleted.Status)
}
