package examples

import (
	"context"
	"strings"

	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/policy"
)

// NewAllCaps builds a policy that uppercases assistant text, both in a
// full response and in each completed content block of a stream. It is
// a toy policy for exercising response/block transformation, not a
// security control. Method promotion from policy.SimplePolicy gives it
// the rest of the Policy interface for free.
func NewAllCaps() *policy.SimplePolicy {
	return policy.NewSimplePolicy("all_caps", policy.SimpleHooks{
		OnResponse: func(ctx context.Context, pctx *policy.Context, resp *chatmodel.Response) (*chatmodel.Response, error) {
			for i, c := range resp.Choices {
				if c.Message.Content != nil {
					upper := strings.ToUpper(*c.Message.Content)
					resp.Choices[i].Message.Content = &upper
				}
			}
			return resp, nil
		},
		OnContentBlock: func(ctx context.Context, pctx *policy.Context, b *block.Block) []chatmodel.Chunk {
			return []chatmodel.Chunk{{Delta: chatmodel.Delta{Content: strings.ToUpper(b.Text)}}}
		},
		OnToolCallBlock: func(ctx context.Context, pctx *policy.Context, b *block.Block) []chatmodel.Chunk {
			return passThroughToolCall(b)
		},
	})
}

// passThroughToolCall re-emits a buffered tool-call block as a single
// complete-in-one-chunk delta, which the SSE assembler renders as one
// start/delta/stop run.
func passThroughToolCall(b *block.Block) []chatmodel.Chunk {
	return []chatmodel.Chunk{{Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{
		Index:     b.ToolCallIndex,
		ID:        b.ToolCallID,
		Name:      b.ToolCallName,
		Arguments: b.ToolCallArguments,
	}}}}
}
