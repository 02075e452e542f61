// Package recorder implements the transaction recorder: it turns
// the ingress/egress ring-buffers a Transaction accumulated while
// streaming into synthetic non-streaming responses for observability,
// and records non-streaming exchanges directly. It never fails the
// request it's recording — every error is logged and swallowed.
package recorder

import (
	"log"

	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/eventbus"
	"github.com/luthienresearch/luthien/internal/transaction"
)

// Recorder emits transaction.* events through a Publisher. A nil
// Publisher is tolerated (RecordStreamed/RecordNonStreaming become
// no-ops) so unit tests of other packages don't need a live eventbus.
type Recorder struct {
	Publisher *eventbus.Publisher
}

// New creates a Recorder over pub. pub may be nil.
func New(pub *eventbus.Publisher) *Recorder {
	return &Recorder{Publisher: pub}
}

// RecordStreamed reconstructs synthetic ingress and egress responses
// from tx's ring-buffers and emits one transaction.streaming_response_recorded
// event carrying both, their chunk counts, and whether either buffer
// truncated. Called once, at stream end.
func (r *Recorder) RecordStreamed(tx *transaction.Transaction) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("recorder: RecordStreamed panic for %s: %v", tx.ID, rec)
		}
	}()

	ingress := reconstruct(tx.Ingress.Items())
	egress := reconstruct(tx.Egress.Items())

	if r.Publisher == nil {
		return
	}
	// ingress_chunks/egress_chunks report the retained counts, which are
	// bounded by the buffer cap; the untruncated totals ride alongside
	// under their own keys.
	r.Publisher.Emit(tx.ID, "transaction.streaming_response_recorded", map[string]any{
		"ingress_response":     ingress,
		"egress_response":      egress,
		"ingress_chunks":       tx.Ingress.Len(),
		"egress_chunks":        tx.Egress.Len(),
		"ingress_chunks_total": tx.Ingress.Total(),
		"egress_chunks_total":  tx.Egress.Total(),
		"ingress_truncated":    tx.Ingress.Truncated(),
		"egress_truncated":     tx.Egress.Truncated(),
	})
}

// RecordNonStreaming emits transaction.non_streaming_response_recorded
// for a request/response exchange that never streamed.
func (r *Recorder) RecordNonStreaming(tx *transaction.Transaction, original, final *chatmodel.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("recorder: RecordNonStreaming panic for %s: %v", tx.ID, rec)
		}
	}()

	if r.Publisher == nil {
		return
	}
	r.Publisher.Emit(tx.ID, "transaction.non_streaming_response_recorded", map[string]any{
		"original_response":      original,
		"final_response":         final,
		"original_finish_reason": finishReason(original),
		"final_finish_reason":    finishReason(final),
	})
}

func finishReason(resp *chatmodel.Response) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].FinishReason
}

// reconstruct concatenates a buffered chunk sequence into a synthetic
// non-streaming Response: content and tool-call arguments are
// concatenated in arrival order (via the same block-assembly rules the
// dispatcher itself uses), and id/model/finish reason are copied from
// the last chunk.
func reconstruct(chunks []chatmodel.Chunk) *chatmodel.Response {
	if len(chunks) == 0 {
		return nil
	}

	state := block.New(nil)
	for _, c := range chunks {
		state.Process(c)
	}
	state.Flush()

	msg := chatmodel.Message{Role: chatmodel.RoleAssistant}
	var textParts string
	hasText := false
	for _, b := range state.Blocks {
		switch b.Kind {
		case block.KindContent:
			textParts += b.Text
			hasText = true
		case block.KindToolCall:
			msg.ToolCalls = append(msg.ToolCalls, chatmodel.ToolCall{
				ID:        b.ToolCallID,
				Name:      b.ToolCallName,
				Arguments: b.ToolCallArguments,
			})
		}
	}
	if hasText {
		msg.Content = &textParts
	}

	last := chunks[len(chunks)-1]
	finish := state.FinishReason
	if finish == "" {
		finish = last.FinishReason
	}

	return &chatmodel.Response{
		ID:      last.ID,
		Model:   last.Model,
		Choices: []chatmodel.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   last.Usage,
	}
}
