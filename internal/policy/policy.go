// Package policy defines the hook interface a Luthien policy implements,
// the context passed to every hook, and a SimplePolicy adapter for
// policies that only care about whole blocks rather than individual
// deltas.
package policy

import (
	"context"

	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// Context is passed to every hook. It gives the policy a read-only view
// of the request, a scratchpad it owns for the lifetime of one
// transaction, an event recorder, and — in streaming contexts — the
// live stream state, an egress queue to release chunks into, and a
// keepalive callback.
type Context struct {
	TransactionID string
	SessionID     string
	Request       *chatmodel.Request

	// Scratchpad is a free-form map the policy may read and write
	// across hook calls within one transaction. It is never shared
	// with another transaction.
	Scratchpad map[string]any

	// Stream is nil outside a streaming context.
	Stream *StreamView

	recordEvent func(name string, payload any)
	keepalive   func()
}

// RecordEvent appends an observability event for this transaction.
func (c *Context) RecordEvent(name string, payload any) {
	if c.recordEvent != nil {
		c.recordEvent(name, payload)
	}
}

// Keepalive resets the dispatcher's timeout deadline. Hooks that do
// long-running work (e.g. calling a judge model to score a tool call)
// must call this periodically, or set a longer timeout, or the monitor
// may abort the transaction out from under them.
func (c *Context) Keepalive() {
	if c.keepalive != nil {
		c.keepalive()
	}
}

// StreamView exposes the current block state and an egress queue to
// streaming hooks. It is the live view, not a snapshot — State mutates
// as the dispatcher processes further chunks.
type StreamView struct {
	State *block.StreamState

	// CurrentChunk is the normalized chunk that triggered this hook
	// invocation.
	CurrentChunk chatmodel.Chunk

	egress chan<- chatmodel.Chunk
}

// Release pushes a chunk onto the egress queue. Only the policy writes
// to this queue, via this method; the dispatcher drains it after every
// hook set. A policy that wants pass-through behavior calls Release
// with the unmodified CurrentChunk from OnChunkReceived; a policy that
// blocks output simply never calls Release for that chunk.
func (v *StreamView) Release(c chatmodel.Chunk) {
	v.egress <- c
}

// newStreamView is unexported: only the dispatcher constructs one, so
// the egress channel direction stays send-only from the policy's side.
func newStreamView(state *block.StreamState, egress chan<- chatmodel.Chunk) *StreamView {
	return &StreamView{State: state, egress: egress}
}

// RequestResult is returned by OnRequest. A non-nil Request replaces
// the request forwarded upstream; a non-nil ShortCircuit skips the
// upstream call entirely and is returned to the client as-is.
type RequestResult struct {
	Request      *chatmodel.Request
	ShortCircuit *chatmodel.Response
}

// Policy is the fixed hook interface every Luthien policy implements.
// Go interfaces are implicit, so a policy need not declare that it
// implements Policy — it just needs the methods. Embed BaseNoOpPolicy
// to get default no-op implementations of hooks you don't care about,
// the same way an http.Handler embeds http.NotFoundHandler for
// sub-routes it doesn't serve.
type Policy interface {
	// Name identifies the policy for logging.
	Name() string

	// OnRequest runs once per transaction before the upstream call.
	OnRequest(ctx context.Context, pctx *Context) (*RequestResult, error)

	// OnResponse runs once for a non-streaming response, in place of
	// the whole streaming hook sequence below.
	OnResponse(ctx context.Context, pctx *Context, resp *chatmodel.Response) (*chatmodel.Response, error)

	// OnChunkReceived runs for every chunk, unconditionally.
	OnChunkReceived(ctx context.Context, pctx *Context) error
	// OnContentDelta/OnToolCallDelta run when a block of that kind is
	// open after the chunk was folded into the stream state.
	OnContentDelta(ctx context.Context, pctx *Context, b *block.Block) error
	OnToolCallDelta(ctx context.Context, pctx *Context, b *block.Block) error
	// OnContentComplete/OnToolCallComplete run when a block of that
	// kind just completed as a result of this chunk.
	OnContentComplete(ctx context.Context, pctx *Context, b *block.Block) error
	OnToolCallComplete(ctx context.Context, pctx *Context, b *block.Block) error
	// OnFinishReason runs when the chunk carries a finish reason.
	OnFinishReason(ctx context.Context, pctx *Context, reason string) error
	// OnStreamComplete runs once after the upstream iterator is
	// exhausted on the success path — a last chance to flush buffered
	// state before the egress queue is drained for the final time.
	OnStreamComplete(ctx context.Context, pctx *Context) error
	// OnStreamingPolicyComplete always runs on any exit path (success,
	// error, cancellation) for cleanup, before the end-of-stream
	// sentinel is pushed.
	OnStreamingPolicyComplete(ctx context.Context, pctx *Context) error

	// OnSessionEnd runs when this policy is replaced by a hot-swap,
	// even if the replacement policy fails to load.
	OnSessionEnd(ctx context.Context)
}

// BaseNoOpPolicy implements every Policy method as a pass-through no-op.
// Embed it in a concrete policy to override only the hooks that matter;
// Go's method promotion fills in the rest.
type BaseNoOpPolicy struct{}

func (BaseNoOpPolicy) OnRequest(ctx context.Context, pctx *Context) (*RequestResult, error) {
	return nil, nil
}

func (BaseNoOpPolicy) OnResponse(ctx context.Context, pctx *Context, resp *chatmodel.Response) (*chatmodel.Response, error) {
	return resp, nil
}

func (BaseNoOpPolicy) OnChunkReceived(ctx context.Context, pctx *Context) error {
	if pctx.Stream != nil {
		pctx.Stream.Release(pctx.Stream.CurrentChunk)
	}
	return nil
}

func (BaseNoOpPolicy) OnContentDelta(ctx context.Context, pctx *Context, b *block.Block) error {
	return nil
}

func (BaseNoOpPolicy) OnToolCallDelta(ctx context.Context, pctx *Context, b *block.Block) error {
	return nil
}

func (BaseNoOpPolicy) OnContentComplete(ctx context.Context, pctx *Context, b *block.Block) error {
	return nil
}

func (BaseNoOpPolicy) OnToolCallComplete(ctx context.Context, pctx *Context, b *block.Block) error {
	return nil
}

func (BaseNoOpPolicy) OnFinishReason(ctx context.Context, pctx *Context, reason string) error {
	return nil
}

func (BaseNoOpPolicy) OnStreamComplete(ctx context.Context, pctx *Context) error { return nil }

func (BaseNoOpPolicy) OnStreamingPolicyComplete(ctx context.Context, pctx *Context) error {
	return nil
}

func (BaseNoOpPolicy) OnSessionEnd(ctx context.Context) {}

// NewContext builds a Context. recordEvent and keepalive may be nil.
func NewContext(transactionID, sessionID string, req *chatmodel.Request, recordEvent func(string, any), keepalive func()) *Context {
	return &Context{
		TransactionID: transactionID,
		SessionID:     sessionID,
		Request:       req,
		Scratchpad:    make(map[string]any),
		recordEvent:   recordEvent,
		keepalive:     keepalive,
	}
}

// AttachStream wires a streaming context's egress queue and block
// state. Only the dispatcher calls this.
func AttachStream(pctx *Context, state *block.StreamState, egress chan<- chatmodel.Chunk) {
	pctx.Stream = newStreamView(state, egress)
}

// SetKeepaliveSink replaces the function Context.Keepalive() invokes.
// Only the dispatcher calls this, to route every keepalive (explicit
// or implicit via a hook call) into its timeout monitor.
func SetKeepaliveSink(pctx *Context, fn func()) {
	pctx.keepalive = fn
}
