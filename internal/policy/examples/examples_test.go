package examples

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/policy"
)

func strp(s string) *string { return &s }

func newTestContext() *policy.Context {
	return policy.NewContext("t1", "", &chatmodel.Request{}, nil, nil)
}

func TestAllCaps_UppercasesResponseText(t *testing.T) {
	p := NewAllCaps()
	resp := &chatmodel.Response{Choices: []chatmodel.Choice{{Message: chatmodel.Message{Content: strp("hello")}}}}
	out, err := p.OnResponse(context.Background(), newTestContext(), resp)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", *out.Choices[0].Message.Content)
}

func TestAllCaps_UppercasesStreamedBlock(t *testing.T) {
	p := NewAllCaps()
	egress := make(chan chatmodel.Chunk, 4)
	pctx := newTestContext()
	policy.AttachStream(pctx, block.New(nil), egress)

	b := &block.Block{Kind: block.KindContent, Text: "hello", Status: block.StatusComplete}
	require.NoError(t, p.OnContentComplete(context.Background(), pctx, b))
	close(egress)
	var got []chatmodel.Chunk
	for c := range egress {
		got = append(got, c)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "HELLO", got[0].Delta.Content)
}

func TestStringReplacement_ReplacesAcrossFullyBufferedBlock(t *testing.T) {
	p := NewStringReplacement("hello", "goodbye")
	egress := make(chan chatmodel.Chunk, 4)
	pctx := newTestContext()
	policy.AttachStream(pctx, block.New(nil), egress)

	// The block text is already fully concatenated by the time this
	// hook runs, regardless of how "hello" was split across upstream
	// chunks, so a split token is still matched.
	b := &block.Block{Kind: block.KindContent, Text: "well hello there", Status: block.StatusComplete}
	require.NoError(t, p.OnContentComplete(context.Background(), pctx, b))
	close(egress)
	var got []chatmodel.Chunk
	for c := range egress {
		got = append(got, c)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "well goodbye there", got[0].Delta.Content)
}

type stubJudge struct {
	probability float64
	err         error
}

func (j stubJudge) Judge(ctx context.Context, name, arguments string) (JudgeResult, error) {
	if j.err != nil {
		return JudgeResult{}, j.err
	}
	return JudgeResult{Probability: j.probability, Explanation: "stub"}, nil
}

func TestToolCallJudge_BlocksAboveThreshold(t *testing.T) {
	p := NewToolCallJudge(ToolCallJudgeConfig{Judge: stubJudge{probability: 0.95}, ProbabilityThreshold: 0.6})
	egress := make(chan chatmodel.Chunk, 4)
	pctx := newTestContext()
	policy.AttachStream(pctx, block.New(nil), egress)

	b := &block.Block{Kind: block.KindToolCall, ToolCallID: "call_1", ToolCallName: "search", ToolCallArguments: `{"q":"t"}`, Status: block.StatusComplete}
	require.NoError(t, p.OnToolCallComplete(context.Background(), pctx, b))
	require.NoError(t, p.OnFinishReason(context.Background(), pctx, chatmodel.FinishToolCalls))
	close(egress)

	var got []chatmodel.Chunk
	for c := range egress {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Delta.Content, "rejected")
	assert.Nil(t, got[0].Delta.ToolCall)
	assert.Equal(t, chatmodel.FinishStop, got[1].FinishReason)
}

func TestToolCallJudge_AllowsBelowThreshold(t *testing.T) {
	p := NewToolCallJudge(ToolCallJudgeConfig{Judge: stubJudge{probability: 0.1}, ProbabilityThreshold: 0.6})
	egress := make(chan chatmodel.Chunk, 4)
	pctx := newTestContext()
	policy.AttachStream(pctx, block.New(nil), egress)

	b := &block.Block{Kind: block.KindToolCall, ToolCallID: "call_1", ToolCallName: "search", ToolCallArguments: `{"q":"t"}`, Status: block.StatusComplete}
	require.NoError(t, p.OnToolCallComplete(context.Background(), pctx, b))
	require.NoError(t, p.OnFinishReason(context.Background(), pctx, chatmodel.FinishToolCalls))
	close(egress)

	var got []chatmodel.Chunk
	for c := range egress {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Delta.ToolCall)
	assert.Equal(t, "call_1", got[0].Delta.ToolCall.ID)
	assert.Equal(t, chatmodel.FinishToolCalls, got[1].FinishReason)
}

func TestToolCallJudge_JudgeErrorFailsSecureAndBlocks(t *testing.T) {
	p := NewToolCallJudge(ToolCallJudgeConfig{Judge: stubJudge{err: errors.New("boom")}})
	egress := make(chan chatmodel.Chunk, 4)
	pctx := newTestContext()
	policy.AttachStream(pctx, block.New(nil), egress)

	b := &block.Block{Kind: block.KindToolCall, ToolCallName: "search", ToolCallArguments: `{}`, Status: block.StatusComplete}
	require.NoError(t, p.OnToolCallComplete(context.Background(), pctx, b))
	close(egress)

	var got []chatmodel.Chunk
	for c := range egress {
		got = append(got, c)
	}
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Delta.ToolCall)
}

func TestDogfoodSafety_BlocksDockerComposeDown(t *testing.T) {
	p := NewDogfoodSafety(DogfoodSafetyConfig{})
	egress := make(chan chatmodel.Chunk, 4)
	pctx := newTestContext()
	policy.AttachStream(pctx, block.New(nil), egress)

	b := &block.Block{Kind: block.KindToolCall, ToolCallName: "Bash", ToolCallArguments: `{"command":"docker compose down"}`, Status: block.StatusComplete}
	require.NoError(t, p.OnToolCallComplete(context.Background(), pctx, b))
	require.NoError(t, p.OnFinishReason(context.Background(), pctx, chatmodel.FinishToolCalls))
	close(egress)

	var got []chatmodel.Chunk
	for c := range egress {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Delta.Content, "BLOCKED")
	assert.Equal(t, chatmodel.FinishStop, got[1].FinishReason)
}

func TestDogfoodSafety_AllowsOrdinaryShellCommand(t *testing.T) {
	p := NewDogfoodSafety(DogfoodSafetyConfig{})
	egress := make(chan chatmodel.Chunk, 4)
	pctx := newTestContext()
	policy.AttachStream(pctx, block.New(nil), egress)

	b := &block.Block{Kind: block.KindToolCall, ToolCallID: "call_1", ToolCallName: "Bash", ToolCallArguments: `{"command":"ls -la"}`, Status: block.StatusComplete}
	require.NoError(t, p.OnToolCallComplete(context.Background(), pctx, b))
	close(egress)

	var got []chatmodel.Chunk
	for c := range egress {
		got = append(got, c)
	}
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Delta.ToolCall)
	assert.Equal(t, "call_1", got[0].Delta.ToolCall.ID)
}

func TestDogfoodSafety_IgnoresNonShellTools(t *testing.T) {
	p := NewDogfoodSafety(DogfoodSafetyConfig{})
	egress := make(chan chatmodel.Chunk, 4)
	pctx := newTestContext()
	policy.AttachStream(pctx, block.New(nil), egress)

	b := &block.Block{Kind: block.KindToolCall, ToolCallID: "call_1", ToolCallName: "search", ToolCallArguments: `{"q":"docker compose down"}`, Status: block.StatusComplete}
	require.NoError(t, p.OnToolCallComplete(context.Background(), pctx, b))
	close(egress)

	var got []chatmodel.Chunk
	for c := range egress {
		got = append(got, c)
	}
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Delta.ToolCall)
}
