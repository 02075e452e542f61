package examples

import (
	"context"
	"strings"

	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/policy"
)

// NewStringReplacement builds a policy that replaces every occurrence
// of old with new in assistant text. Because it operates on a fully
// buffered content block rather than per-delta text, a replaced token
// that straddles an upstream chunk boundary is still caught.
func NewStringReplacement(old, new string) *policy.SimplePolicy {
	return policy.NewSimplePolicy("string_replacement", policy.SimpleHooks{
		OnResponse: func(ctx context.Context, pctx *policy.Context, resp *chatmodel.Response) (*chatmodel.Response, error) {
			for i, c := range resp.Choices {
				if c.Message.Content != nil {
					replaced := strings.ReplaceAll(*c.Message.Content, old, new)
					resp.Choices[i].Message.Content = &replaced
				}
			}
			return resp, nil
		},
		OnContentBlock: func(ctx context.Context, pctx *policy.Context, b *block.Block) []chatmodel.Chunk {
			return []chatmodel.Chunk{{Delta: chatmodel.Delta{Content: strings.ReplaceAll(b.Text, old, new)}}}
		},
		OnToolCallBlock: func(ctx context.Context, pctx *policy.Context, b *block.Block) []chatmodel.Chunk {
			return passThroughToolCall(b)
		},
	})
}
