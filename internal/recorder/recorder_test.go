package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/eventbus"
	"github.com/luthienresearch/luthien/internal/transaction"
)

func TestRecordStreamed_ReconstructsContentAndEmitsEvent(t *testing.T) {
	bus := eventbus.NewBroker()
	ch := bus.SubscribeCall("tx-1")
	r := New(eventbus.NewPublisher(nil, bus))

	tx := transaction.New("tx-1", &chatmodel.Request{Model: "m"}, nil, "", 100)
	tx.Egress.Push(chatmodel.Chunk{ID: "c1", Model: "m", Delta: chatmodel.Delta{Content: "hello "}})
	tx.Egress.Push(chatmodel.Chunk{ID: "c1", Model: "m", Delta: chatmodel.Delta{Content: "world"}})
	tx.Egress.Push(chatmodel.Chunk{ID: "c1", Model: "m", FinishReason: chatmodel.FinishStop})

	r.RecordStreamed(tx)

	select {
	case ev := <-ch:
		assert.Equal(t, "transaction.streaming_response_recorded", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected streaming_response_recorded event")
	}
}

func TestReconstruct_ConcatenatesContentAndCopiesLastChunkMetadata(t *testing.T) {
	chunks := []chatmodel.Chunk{
		{ID: "resp-1", Model: "gpt", Delta: chatmodel.Delta{Content: "ab"}},
		{ID: "resp-1", Model: "gpt", Delta: chatmodel.Delta{Content: "cd"}},
		{ID: "resp-1", Model: "gpt", FinishReason: chatmodel.FinishStop},
	}
	resp := reconstruct(chunks)
	require.NotNil(t, resp)
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "abcd", *resp.Choices[0].Message.Content)
	assert.Equal(t, chatmodel.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, "gpt", resp.Model)
}

func TestReconstruct_AssemblesToolCallArgumentsByIndex(t *testing.T) {
	chunks := []chatmodel.Chunk{
		{ID: "r", Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 0, ID: "tc1", Name: "search"}}},
		{ID: "r", Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 0, Arguments: `{"q":`}}},
		{ID: "r", Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{Index: 0, Arguments: `"x"}`}}},
		{ID: "r", FinishReason: chatmodel.FinishToolCalls},
	}
	resp := reconstruct(chunks)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	tc := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "tc1", tc.ID)
	assert.Equal(t, "search", tc.Name)
	assert.Equal(t, `{"q":"x"}`, tc.Arguments)
	assert.Equal(t, chatmodel.FinishToolCalls, resp.Choices[0].FinishReason)
}

func TestReconstruct_EmptyChunksReturnsNil(t *testing.T) {
	assert.Nil(t, reconstruct(nil))
}

func TestRecordNonStreaming_EmitsOriginalAndFinalFinishReasons(t *testing.T) {
	bus := eventbus.NewBroker()
	ch := bus.SubscribeCall("tx-2")
	r := New(eventbus.NewPublisher(nil, bus))
	tx := transaction.New("tx-2", &chatmodel.Request{Model: "m"}, nil, "", 10)

	original := &chatmodel.Response{Choices: []chatmodel.Choice{{FinishReason: chatmodel.FinishToolCalls}}}
	final := &chatmodel.Response{Choices: []chatmodel.Choice{{FinishReason: chatmodel.FinishStop}}}
	r.RecordNonStreaming(tx, original, final)

	select {
	case ev := <-ch:
		assert.Equal(t, "transaction.non_streaming_response_recorded", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected non_streaming_response_recorded event")
	}
}

func TestRecorder_NilPublisherIsNoOp(t *testing.T) {
	r := New(nil)
	tx := transaction.New("tx-3", &chatmodel.Request{Model: "m"}, nil, "", 10)
	assert.NotPanics(t, func() { r.RecordStreamed(tx) })
	assert.NotPanics(t, func() { r.RecordNonStreaming(tx, nil, nil) })
}
