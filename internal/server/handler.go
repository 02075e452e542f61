package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/luthienresearch/luthien/internal/adapter/anthropic"
	"github.com/luthienresearch/luthien/internal/apierror"
	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/policy"
	"github.com/luthienresearch/luthien/internal/stream"
	"github.com/luthienresearch/luthien/internal/upstream"
)

// adapterWarn records a recoverable egress-translation defect (e.g. a
// tool call whose arguments aren't valid JSON) as an observability
// event on the transaction.
func adapterWarn(pctx *policy.Context) func(reason string) {
	return func(reason string) {
		pctx.RecordEvent("adapter.warning", map[string]any{"reason": reason})
	}
}

// resolveClient looks up the upstream.Client for a given model name.
func (s *Server) resolveClient(model string) (upstream.Client, error) {
	c, ok := s.clients[model]
	if !ok {
		return nil, apierror.InvalidRequest("unknown model: %q", model)
	}
	return c, nil
}

// handleHealth responds with a simple JSON liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// decodeRequest decodes v from r.Body, turning an http.MaxBytesReader
// overflow into a 413 apierror rather than a generic 400, and any other
// decode failure into a 400 invalid_request_error. Validation failures
// never reach the policy.
func decodeRequest(r *http.Request, v any) *apierror.Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &apierror.Error{Typ: apierror.TypeInvalidRequest, Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
		}
		return apierror.InvalidRequest("invalid request body: %v", err)
	}
	return nil
}

// handleChatCompletions serves POST /v1/chat/completions — the
// normalized dialect.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatmodel.Request
	if apiErr := decodeRequest(r, &req); apiErr != nil {
		apierror.WriteJSON(w, apierror.DialectNormalized, apiErr)
		return
	}

	client, err := s.resolveClient(req.Model)
	if err != nil {
		apierror.WriteJSON(w, apierror.DialectNormalized, apierror.AsError(err))
		return
	}

	callID := uuid.NewString()
	w.Header().Set("X-Call-ID", callID)

	ctx, tx, pctx := s.orch.NewTransaction(r.Context(), callID, &req, req.SessionID())
	pol := s.policy.Active()

	outReq, shortCircuit, err := s.orch.HandleRequest(ctx, tx, pctx, pol)
	if err != nil {
		log.Printf("server: on_request hook error for %s: %v", callID, err)
		apierror.WriteJSON(w, apierror.DialectNormalized, apierror.New(apierror.TypeAPI, "policy request hook failed"))
		return
	}

	if shortCircuit != nil {
		s.writeNormalizedResult(w, req.Stream, shortCircuit)
		return
	}

	if req.Stream {
		chunks, err := s.orch.HandleStreaming(ctx, tx, pctx, pol, client, outReq)
		if err != nil {
			apierror.WriteJSON(w, apierror.DialectNormalized, apierror.AsError(err))
			return
		}
		if err := stream.Write(w, chunks); err != nil {
			log.Printf("server: normalized stream write error for %s: %v", callID, err)
		}
		return
	}

	resp, err := s.orch.HandleNonStreaming(ctx, tx, pctx, pol, client, outReq)
	if err != nil {
		apierror.WriteJSON(w, apierror.DialectNormalized, apierror.AsError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleMessages serves POST /v1/messages — the Anthropic dialect.
// The request and response bodies are translated at the boundary;
// everything between on_request and on_response/the dispatcher sees
// only the normalized representation.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var wire anthropic.Request
	if apiErr := decodeRequest(r, &wire); apiErr != nil {
		apierror.WriteJSON(w, apierror.DialectAnthropic, apiErr)
		return
	}

	req, err := anthropic.ToNormalizedRequest(&wire)
	if err != nil {
		apierror.WriteJSON(w, apierror.DialectAnthropic, apierror.InvalidRequest("converting Anthropic request: %v", err))
		return
	}

	client, err := s.resolveClient(req.Model)
	if err != nil {
		apierror.WriteJSON(w, apierror.DialectAnthropic, apierror.AsError(err))
		return
	}

	callID := uuid.NewString()
	w.Header().Set("X-Call-ID", callID)

	ctx, tx, pctx := s.orch.NewTransaction(r.Context(), callID, req, req.SessionID())
	pol := s.policy.Active()

	outReq, shortCircuit, err := s.orch.HandleRequest(ctx, tx, pctx, pol)
	if err != nil {
		log.Printf("server: on_request hook error for %s: %v", callID, err)
		apierror.WriteJSON(w, apierror.DialectAnthropic, apierror.New(apierror.TypeAPI, "policy request hook failed"))
		return
	}

	if shortCircuit != nil {
		s.writeAnthropicResult(w, callID, req.Model, wire.Stream, shortCircuit, adapterWarn(pctx))
		return
	}

	if wire.Stream {
		chunks, err := s.orch.HandleStreaming(ctx, tx, pctx, pol, client, outReq)
		if err != nil {
			apierror.WriteJSON(w, apierror.DialectAnthropic, apierror.AsError(err))
			return
		}
		s.writeAnthropicStream(w, callID, req.Model, chunks)
		return
	}

	resp, err := s.orch.HandleNonStreaming(ctx, tx, pctx, pol, client, outReq)
	if err != nil {
		apierror.WriteJSON(w, apierror.DialectAnthropic, apierror.AsError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(anthropic.FromNormalizedResponse(resp, adapterWarn(pctx)))
}

// writeAnthropicStream drives an Assembler over orchestrator-yielded
// chunks, writing each produced Event in the Anthropic wire framing
// "event: <type>\ndata: <json>\n\n".
func (s *Server) writeAnthropicStream(w http.ResponseWriter, callID, model string, chunks <-chan chatmodel.Chunk) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Printf("server: response writer for %s does not support flushing", callID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	asm := anthropic.NewAssembler(callID, model)
	writeAnthropicEvent(w, asm.Start(0))
	flusher.Flush()

	for chunk := range chunks {
		for _, ev := range asm.Process(chunk) {
			writeAnthropicEvent(w, ev)
		}
		flusher.Flush()
	}

	for _, ev := range asm.Finish() {
		writeAnthropicEvent(w, ev)
	}
	flusher.Flush()
}

func writeAnthropicEvent(w http.ResponseWriter, ev anthropic.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("server: marshaling anthropic SSE event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body)
}

// writeNormalizedResult renders a shortCircuit response — one that
// on_request produced without ever calling upstream — in the
// normalized dialect, as either a direct JSON body or a synthetic
// single-shot SSE stream, so a short-circuited transaction looks
// identical to a real one from the client's point of view regardless
// of whether it asked for streaming.
func (s *Server) writeNormalizedResult(w http.ResponseWriter, wantsStream bool, resp *chatmodel.Response) {
	if !wantsStream {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
		return
	}
	chunks := chunksFromResponse(resp)
	ch := make(chan chatmodel.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	if err := stream.Write(w, ch); err != nil {
		log.Printf("server: normalized short-circuit stream write error: %v", err)
	}
}

// writeAnthropicResult is writeNormalizedResult's Anthropic-dialect
// counterpart.
func (s *Server) writeAnthropicResult(w http.ResponseWriter, callID, model string, wantsStream bool, resp *chatmodel.Response, warn func(reason string)) {
	if !wantsStream {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropic.FromNormalizedResponse(resp, warn))
		return
	}
	chunks := chunksFromResponse(resp)
	ch := make(chan chatmodel.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	s.writeAnthropicStream(w, callID, model, ch)
}

// chunksFromResponse renders a complete Response as the handful of
// chatmodel.Chunks a real stream would have produced for the same
// content: one chunk per message (content, then any tool calls), and a
// final chunk carrying the finish reason and usage. Used only for
// on_request short-circuits, which always produce a whole Response
// even when the client asked to stream.
func chunksFromResponse(resp *chatmodel.Response) []chatmodel.Chunk {
	var chunks []chatmodel.Chunk
	for _, choice := range resp.Choices {
		if choice.Message.Content != nil && *choice.Message.Content != "" {
			chunks = append(chunks, chatmodel.Chunk{
				ID: resp.ID, Model: resp.Model, ChoiceIndex: choice.Index,
				Delta: chatmodel.Delta{Role: choice.Message.Role, Content: *choice.Message.Content},
			})
		}
		for i, tc := range choice.Message.ToolCalls {
			chunks = append(chunks, chatmodel.Chunk{
				ID: resp.ID, Model: resp.Model, ChoiceIndex: choice.Index,
				Delta: chatmodel.Delta{ToolCall: &chatmodel.ToolCallDelta{
					Index: i, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
				}},
			})
		}
		chunks = append(chunks, chatmodel.Chunk{
			ID: resp.ID, Model: resp.Model, ChoiceIndex: choice.Index,
			FinishReason: choice.FinishReason, Usage: resp.Usage,
		})
	}
	return chunks
}
