// Package upstream implements the HTTP clients Luthien's orchestrator
// drives against the backend LLM provider: an OpenAI-compatible client
// for the normalized dialect, and an Anthropic-native client for
// Anthropic-shaped backends. Both speak chatmodel types only — nothing
// above this package ever sees a provider wire shape.
package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/luthienresearch/luthien/internal/chatmodel"
)

// Client is the interface every backend LLM adapter satisfies. The
// orchestrator never knows which concrete backend it's talking to.
type Client interface {
	// Name identifies the backend for logging and observability events.
	Name() string

	// ChatCompletion sends a non-streaming request and returns the
	// complete normalized response.
	ChatCompletion(ctx context.Context, req *chatmodel.Request) (*chatmodel.Response, error)

	// ChatCompletionStream sends a streaming request and returns a
	// channel of normalized chunks. The returned channel is closed when
	// the stream ends, successfully or not; a chunk with a non-nil Err
	// (see Chunk) signals a terminal error and is always the last value
	// sent before close.
	ChatCompletionStream(ctx context.Context, req *chatmodel.Request) (<-chan Chunk, error)
}

// Chunk wraps a normalized chatmodel.Chunk with a terminal error slot.
// chatmodel.Chunk is also the wire type policies and the recorder buffer
// verbatim, so the error rides alongside it here rather than on
// chatmodel's own shape.
type Chunk struct {
	chatmodel.Chunk
	Err error
}

// defaultTimeout bounds a single upstream HTTP call when the caller's
// http.Client carries no explicit timeout.
const defaultTimeout = 120 * time.Second

// newHTTPClient returns client if non-nil, otherwise a default one with
// defaultTimeout. Streaming calls go through the same client, so its
// Timeout (this default included) also caps how long a stream stays
// open, alongside the caller's context deadline.
func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultTimeout}
}
