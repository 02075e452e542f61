// Package transaction defines the per-request Transaction and its
// ObservabilityContext — the data a single request/response or
// streaming exchange owns exclusively for its lifetime.
package transaction

import (
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// RingBuffer is a fixed-capacity FIFO that discards further pushes once
// full, reporting whether a push was the first to be dropped. Used for
// the bounded ingress/egress chunk buffers.
type RingBuffer struct {
	mu      sync.Mutex
	cap     int
	items   []chatmodel.Chunk
	total   int
	dropped bool
}

// NewRingBuffer creates a RingBuffer holding at most capacity items.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{cap: capacity, items: make([]chatmodel.Chunk, 0, capacity)}
}

// Push appends c, returning true the first time the buffer overflows
// so the caller can emit a one-shot truncation event.
func (r *RingBuffer) Push(c chatmodel.Chunk) (overflowedNow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if len(r.items) < r.cap {
		r.items = append(r.items, c)
		return false
	}
	first := !r.dropped
	r.dropped = true
	return first
}

// Items returns a copy of the buffered chunks in arrival order.
func (r *RingBuffer) Items() []chatmodel.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chatmodel.Chunk, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of chunks currently retained (≤ capacity).
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Truncated reports whether any push has overflowed the buffer.
func (r *RingBuffer) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Total returns the total number of chunks ever pushed, including ones
// dropped after the buffer filled.
func (r *RingBuffer) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// ObservabilityContext carries the tracing span, the policy scratchpad,
// and the session id for one transaction. The scratchpad here is the
// authoritative store; policy.Context.Scratchpad is wired to point at
// the same map so hooks and the recorder observe the same state.
type ObservabilityContext struct {
	Span       trace.Span
	Scratchpad map[string]any
	SessionID  string
}

// Transaction owns everything scoped to one request: its id, the
// original and (possibly policy-modified) final request snapshots,
// bounded ingress/egress chunk buffers, and its ObservabilityContext.
// A Transaction is exclusively owned by the goroutine processing one
// request; the recorder only ever reads from it.
type Transaction struct {
	ID string

	OriginalRequest *chatmodel.Request
	FinalRequest    *chatmodel.Request

	Ingress *RingBuffer
	Egress  *RingBuffer

	Obs *ObservabilityContext
}

// New creates a Transaction with both buffers capped at chunkBufferCap.
func New(id string, req *chatmodel.Request, span trace.Span, sessionID string, chunkBufferCap int) *Transaction {
	return &Transaction{
		ID:              id,
		OriginalRequest: req,
		FinalRequest:    req,
		Ingress:         NewRingBuffer(chunkBufferCap),
		Egress:          NewRingBuffer(chunkBufferCap),
		Obs: &ObservabilityContext{
			Span:       span,
			Scratchpad: make(map[string]any),
			SessionID:  sessionID,
		},
	}
}
