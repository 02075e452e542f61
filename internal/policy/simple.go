package policy

import (
	"context"

	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// SimpleHooks is the reduced surface SimplePolicy exposes: whole
// completed blocks and the finish reason, rather than every delta.
// Fields left nil behave as pass-through (the block or reason is
// released/forwarded unchanged).
type SimpleHooks struct {
	// OnRequest/OnResponse are forwarded as-is; most SimplePolicy users
	// only care about streaming deltas, so these default to pass-through
	// when left nil.
	OnRequest  func(ctx context.Context, pctx *Context) (*RequestResult, error)
	OnResponse func(ctx context.Context, pctx *Context, resp *chatmodel.Response) (*chatmodel.Response, error)

	// OnContentBlock/OnToolCallBlock see the fully-accumulated block and
	// return the chunk(s) to release in its place, or nil to drop it.
	OnContentBlock  func(ctx context.Context, pctx *Context, b *block.Block) []chatmodel.Chunk
	OnToolCallBlock func(ctx context.Context, pctx *Context, b *block.Block) []chatmodel.Chunk

	// OnFinish sees the finish reason and may remap it, e.g. a blocked
	// tool call remapping tool_calls to stop.
	OnFinish func(ctx context.Context, pctx *Context, reason string) string
}

// SimplePolicy wraps SimpleHooks as a full Policy by buffering deltas
// itself and only calling into the hooks once a block completes. It is
// an adapter, not a base type to subclass: compose it by value.
type SimplePolicy struct {
	BaseNoOpPolicy
	hooks SimpleHooks
	name  string
}

// NewSimplePolicy builds a SimplePolicy from a set of block-level hooks.
func NewSimplePolicy(name string, hooks SimpleHooks) *SimplePolicy {
	return &SimplePolicy{name: name, hooks: hooks}
}

func (p *SimplePolicy) Name() string { return p.name }

func (p *SimplePolicy) OnRequest(ctx context.Context, pctx *Context) (*RequestResult, error) {
	if p.hooks.OnRequest == nil {
		return nil, nil
	}
	return p.hooks.OnRequest(ctx, pctx)
}

func (p *SimplePolicy) OnResponse(ctx context.Context, pctx *Context, resp *chatmodel.Response) (*chatmodel.Response, error) {
	if p.hooks.OnResponse == nil {
		return resp, nil
	}
	return p.hooks.OnResponse(ctx, pctx, resp)
}

// OnChunkReceived deliberately does not release the raw chunk —
// SimplePolicy only ever releases synthesized chunks out of the
// complete-hooks below, once a block is fully buffered.
func (p *SimplePolicy) OnChunkReceived(ctx context.Context, pctx *Context) error { return nil }

func (p *SimplePolicy) OnContentComplete(ctx context.Context, pctx *Context, b *block.Block) error {
	return p.releaseBlock(ctx, pctx, b, p.hooks.OnContentBlock)
}

func (p *SimplePolicy) OnToolCallComplete(ctx context.Context, pctx *Context, b *block.Block) error {
	return p.releaseBlock(ctx, pctx, b, p.hooks.OnToolCallBlock)
}

func (p *SimplePolicy) releaseBlock(ctx context.Context, pctx *Context, b *block.Block, hook func(context.Context, *Context, *block.Block) []chatmodel.Chunk) error {
	if hook == nil {
		c := chatmodel.Chunk{Delta: chatmodel.Delta{Content: b.Text}}
		switch b.Kind {
		case block.KindThinking:
			c = chatmodel.Chunk{Delta: chatmodel.Delta{Thinking: b.Text, ThinkingSignature: b.ThinkingSignature}}
		case block.KindToolCall:
			c = chatmodel.Chunk{Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{
				Index:     b.ToolCallIndex,
				ID:        b.ToolCallID,
				Name:      b.ToolCallName,
				Arguments: b.ToolCallArguments,
			}}}
		}
		pctx.Stream.Release(c)
		return nil
	}
	for _, c := range hook(ctx, pctx, b) {
		pctx.Stream.Release(c)
	}
	return nil
}

func (p *SimplePolicy) OnFinishReason(ctx context.Context, pctx *Context, reason string) error {
	out := reason
	if p.hooks.OnFinish != nil {
		out = p.hooks.OnFinish(ctx, pctx, reason)
	}
	pctx.Stream.Release(chatmodel.Chunk{FinishReason: out})
	return nil
}
