package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

func strp(s string) *string { return &s }

func TestFromNormalizedResponse_TextOnly(t *testing.T) {
	resp := &chatmodel.Response{
		ID:    "r1",
		Model: "m",
		Choices: []chatmodel.Choice{{
			Message:      chatmodel.Message{Role: chatmodel.RoleAssistant, Content: strp("hello")},
			FinishReason: chatmodel.FinishStop,
		}},
		Usage: &chatmodel.Usage{PromptTokens: 3, CompletionTokens: 1},
	}

	out := FromNormalizedResponse(resp, nil)
	require.Len(t, out.Content, 1)
	assert.Equal(t, BlockTypeText, out.Content[0].Type)
	assert.Equal(t, "hello", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.Equal(t, 3, out.Usage.InputTokens)
}

func TestFromNormalizedResponse_ToolCall(t *testing.T) {
	resp := &chatmodel.Response{
		ID:    "r1",
		Model: "m",
		Choices: []chatmodel.Choice{{
			Message: chatmodel.Message{
				Role:      chatmodel.RoleAssistant,
				ToolCalls: []chatmodel.ToolCall{{ID: "call_1", Name: "search", Arguments: `{"q":"t"}`}},
			},
			FinishReason: chatmodel.FinishToolCalls,
		}},
	}

	out := FromNormalizedResponse(resp, nil)
	require.Len(t, out.Content, 1)
	assert.Equal(t, BlockTypeToolUse, out.Content[0].Type)
	assert.Equal(t, "call_1", out.Content[0].ID)
	assert.JSONEq(t, `{"q":"t"}`, string(out.Content[0].Input))
	assert.Equal(t, "tool_use", out.StopReason)
}

func TestFromNormalizedResponse_MalformedArgumentsFallBackToEmptyObject(t *testing.T) {
	resp := &chatmodel.Response{
		Choices: []chatmodel.Choice{{
			Message: chatmodel.Message{
				ToolCalls: []chatmodel.ToolCall{{ID: "call_1", Name: "search", Arguments: "not json"}},
			},
		}},
	}

	var warned string
	out := FromNormalizedResponse(resp, func(reason string) { warned = reason })
	assert.JSONEq(t, `{}`, string(out.Content[0].Input))
	assert.NotEmpty(t, warned)
}

func TestStopReasonMapping(t *testing.T) {
	cases := map[string]string{
		chatmodel.FinishStop:          "end_turn",
		chatmodel.FinishLength:        "max_tokens",
		chatmodel.FinishToolCalls:     "tool_use",
		chatmodel.FinishContentFilter: "stop_sequence",
	}
	for in, want := range cases {
		assert.Equal(t, want, StopReasonFromFinish(in))
	}
}
