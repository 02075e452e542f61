// Package orchestrator drives one Transaction's path from on_request
// through either a single on_response call or the full
// dispatcher-driven streaming pipeline, ending in the transaction
// recorder. It is the thing internal/server calls
// per incoming request; it never speaks HTTP or any wire dialect
// itself — that's left to the format adapters and internal/server.
package orchestrator

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/trace"

	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/dispatcher"
	"github.com/luthienresearch/luthien/internal/eventbus"
	"github.com/luthienresearch/luthien/internal/policy"
	"github.com/luthienresearch/luthien/internal/recorder"
	"github.com/luthienresearch/luthien/internal/transaction"
	"github.com/luthienresearch/luthien/internal/upstream"
)

// Orchestrator holds the pieces shared across every transaction it
// drives: where events go, where recordings go, and how big a
// transaction's chunk buffers and dispatcher timeout are.
type Orchestrator struct {
	Publisher      *eventbus.Publisher
	Recorder       *recorder.Recorder
	Tracer         trace.Tracer
	ChunkBufferCap int
	Dispatcher     dispatcher.Config
}

// New builds an Orchestrator. pub and rec may be nil (degraded mode,
// used by tests). Callers should pass noop.NewTracerProvider().Tracer("")
// when telemetry is disabled.
func New(pub *eventbus.Publisher, rec *recorder.Recorder, tracer trace.Tracer, chunkBufferCap int, dispatcherCfg dispatcher.Config) *Orchestrator {
	if chunkBufferCap <= 0 {
		chunkBufferCap = defaultChunkBufferCap
	}
	return &Orchestrator{
		Publisher:      pub,
		Recorder:       rec,
		Tracer:         tracer,
		ChunkBufferCap: chunkBufferCap,
		Dispatcher:     dispatcherCfg,
	}
}

// defaultChunkBufferCap bounds each direction's recorded chunks when
// the config leaves the cap unset.
const defaultChunkBufferCap = 256

// NewTransaction starts a span, builds a Transaction and its
// policy.Context, and returns both along with the span-carrying
// context every downstream call should use.
func (o *Orchestrator) NewTransaction(ctx context.Context, id string, req *chatmodel.Request, sessionID string) (context.Context, *transaction.Transaction, *policy.Context) {
	spanCtx, span := o.Tracer.Start(ctx, "luthien.transaction")
	tx := transaction.New(id, req, span, sessionID, o.ChunkBufferCap)

	if o.Publisher != nil {
		o.Publisher.CallStarted(id, req.Model)
	}

	pctx := policy.NewContext(id, sessionID, req, func(name string, payload any) {
		o.emit(tx.ID, name, payload)
	}, nil)
	pctx.Scratchpad = tx.Obs.Scratchpad

	return spanCtx, tx, pctx
}

func (o *Orchestrator) emit(callID, eventType string, payload any) {
	if o.Publisher != nil {
		o.Publisher.Emit(callID, eventType, payload)
	}
}

// completeCall marks the durable call row's terminal status. Every
// transaction gets exactly one: from HandleRequest on an error or a
// short-circuit, otherwise from HandleNonStreaming/HandleStreaming.
func (o *Orchestrator) completeCall(tx *transaction.Transaction, status string) {
	if o.Publisher != nil {
		o.Publisher.CallCompleted(tx.ID, status)
	}
}

// HandleRequest runs on_request and emits the request-phase events.
// A non-nil shortCircuit means the transaction is already
// finished — the caller must return it to the client without ever
// calling upstream. Otherwise outReq is what to forward (identical to
// tx.OriginalRequest unless the policy replaced it).
func (o *Orchestrator) HandleRequest(ctx context.Context, tx *transaction.Transaction, pctx *policy.Context, pol policy.Policy) (outReq *chatmodel.Request, shortCircuit *chatmodel.Response, err error) {
	o.emit(tx.ID, "pipeline.client_request", map[string]any{"model": tx.OriginalRequest.Model, "stream": tx.OriginalRequest.Stream})

	result, err := pol.OnRequest(ctx, pctx)
	if err != nil {
		o.completeCall(tx, "error")
		return nil, nil, err
	}

	outReq = tx.OriginalRequest
	if result != nil {
		if result.ShortCircuit != nil {
			// The transaction never reaches upstream; it is already done.
			o.completeCall(tx, "success")
			return nil, result.ShortCircuit, nil
		}
		if result.Request != nil {
			outReq = result.Request
			tx.FinalRequest = result.Request
		}
	}

	o.emit(tx.ID, "pipeline.backend_request", map[string]any{"model": outReq.Model, "stream": outReq.Stream})
	return outReq, nil, nil
}

// HandleNonStreaming sends req to client, runs on_response, records
// the exchange, and returns the (possibly policy-transformed) response.
func (o *Orchestrator) HandleNonStreaming(ctx context.Context, tx *transaction.Transaction, pctx *policy.Context, pol policy.Policy, client upstream.Client, req *chatmodel.Request) (*chatmodel.Response, error) {
	original, err := client.ChatCompletion(ctx, req)
	if err != nil {
		o.completeCall(tx, "error")
		return nil, err
	}

	final, err := pol.OnResponse(ctx, pctx, original)
	if err != nil {
		o.completeCall(tx, "error")
		return nil, err
	}

	o.emit(tx.ID, "pipeline.client_response", map[string]any{"finish_reason": firstFinishReason(final)})
	if o.Recorder != nil {
		o.Recorder.RecordNonStreaming(tx, original, final)
	}
	o.completeCall(tx, "success")
	return final, nil
}

// HandleStreaming opens the upstream stream, runs the dispatcher over
// it, and returns a channel of post-policy normalized chunks for the
// caller to format into wire bytes (the Anthropic SSE assembler or the
// direct normalized-dialect writer; the choice of formatter is
// internal/server's job, since it's the one that knows which dialect
// the client spoke).
//
// Ingress chunks are pushed into tx.Ingress and dispatched (post-policy)
// chunks into tx.Egress as they pass through, each emitting a one-shot
// truncation event on overflow. The returned channel is
// closed exactly once, after which the recorder has already been
// finalized — callers don't need to call anything further.
func (o *Orchestrator) HandleStreaming(ctx context.Context, tx *transaction.Transaction, pctx *policy.Context, pol policy.Policy, client upstream.Client, req *chatmodel.Request) (<-chan chatmodel.Chunk, error) {
	upstreamCh, err := client.ChatCompletionStream(ctx, req)
	if err != nil {
		o.completeCall(tx, "error")
		return nil, err
	}

	ingress, upstreamErr := o.pumpUpstream(ctx, tx, upstreamCh)

	dispatchOut := make(chan chatmodel.Chunk, 16)
	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- dispatcher.RunWithConfig(ctx, o.Dispatcher, pol, pctx, ingress, dispatchOut)
	}()

	final := make(chan chatmodel.Chunk)
	go func() {
		defer close(final)
		for c := range dispatchOut {
			o.recordEgress(tx, c)
			select {
			case final <- c:
			case <-ctx.Done():
			}
		}

		status := "success"
		if err := <-dispatchDone; err != nil {
			status = "error"
			log.Printf("orchestrator: dispatcher error for transaction %s: %v", tx.ID, err)
			o.emit(tx.ID, "pipeline.error", map[string]any{"stage": "dispatcher", "error": err.Error()})
		}
		select {
		case err := <-upstreamErr:
			if err != nil {
				status = "error"
				log.Printf("orchestrator: upstream stream error for transaction %s: %v", tx.ID, err)
				o.emit(tx.ID, "pipeline.error", map[string]any{"stage": "upstream", "error": err.Error()})
			}
		default:
		}

		if o.Recorder != nil {
			o.Recorder.RecordStreamed(tx)
		}
		o.completeCall(tx, status)
	}()

	return final, nil
}

// pumpUpstream tees the upstream client's raw chunk channel into tx's
// ingress ring buffer while forwarding each chunk on to the dispatcher.
// A terminal upstream.Chunk.Err closes the forwarding channel and
// delivers the error on the returned error channel rather than panicking
// the dispatcher goroutine with a malformed chunk.
func (o *Orchestrator) pumpUpstream(ctx context.Context, tx *transaction.Transaction, in <-chan upstream.Chunk) (<-chan chatmodel.Chunk, <-chan error) {
	out := make(chan chatmodel.Chunk)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case c, ok := <-in:
				if !ok {
					return
				}
				if c.Err != nil {
					errCh <- c.Err
					return
				}
				o.recordIngress(tx, c.Chunk)
				select {
				case out <- c.Chunk:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errCh
}

func (o *Orchestrator) recordIngress(tx *transaction.Transaction, c chatmodel.Chunk) {
	if tx.Ingress.Push(c) {
		o.emitTruncation(tx, "ingress")
	}
	if !tx.Ingress.Truncated() {
		o.emitChunk(tx, "ingress", c)
	}
}

func (o *Orchestrator) recordEgress(tx *transaction.Transaction, c chatmodel.Chunk) {
	if tx.Egress.Push(c) {
		o.emitTruncation(tx, "egress")
	}
	if !tx.Egress.Truncated() {
		o.emitChunk(tx, "egress", c)
	}
}

// emitChunk mirrors each retained chunk onto the event bus so a live
// subscriber can watch a stream as it happens. Chunks discarded after
// a buffer overflows are not re-published either.
func (o *Orchestrator) emitChunk(tx *transaction.Transaction, direction string, c chatmodel.Chunk) {
	o.emit(tx.ID, "transaction.chunk_captured", map[string]any{
		"direction": direction,
		"chunk":     c,
	})
}

// emitTruncation emits the one-shot truncation event the first time a
// direction's ring buffer overflows.
func (o *Orchestrator) emitTruncation(tx *transaction.Transaction, direction string) {
	o.emit(tx.ID, "transaction.chunk_buffer_truncated", map[string]any{
		"direction": direction,
		"reason":    "max_chunks_queued_exceeded",
	})
}

func firstFinishReason(resp *chatmodel.Response) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].FinishReason
}
