package examples

import (
	"context"
	"fmt"

	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/policy"
)

// JudgeResult is the outcome of sending one tool call to a judge model.
type JudgeResult struct {
	Probability float64
	Explanation string
}

// Judge evaluates one tool call and scores how likely it is to be
// harmful. Implementations typically call out to another LLM; tests
// can supply a deterministic stub.
type Judge interface {
	Judge(ctx context.Context, toolName, argumentsJSON string) (JudgeResult, error)
}

const defaultBlockedMessageTemplate = "Tool call '%s' with arguments %s rejected (probability %.2f). Explanation: %s"

// argsTruncationLength bounds how much of a tool call's arguments are
// included in observability events and blocked-message text.
const argsTruncationLength = 1000

// ToolCallJudgeConfig configures NewToolCallJudge.
type ToolCallJudgeConfig struct {
	Judge                Judge
	ProbabilityThreshold float64 // block when probability >= this; default 0.6
	BlockedMessageFormat string  // fmt verbs: name, arguments, probability, explanation
}

// NewToolCallJudge builds a policy that sends every tool call to a
// judge LLM and blocks it when the judge's probability meets or
// exceeds the configured threshold, replacing it with an explanatory
// text block. Judge failures fail secure: a judge
// error is treated as probability 1.0 and the call is blocked.
//
// Unlike a hook that only sees events one at a time, SimplePolicy fully
// buffers a tool-call block before this hook ever runs, so — unlike a
// judge wired directly into per-delta stream events — there is no
// start/delta event already on the wire to retroactively take back:
// the judged verdict is known before anything is emitted.
func NewToolCallJudge(cfg ToolCallJudgeConfig) *policy.SimplePolicy {
	if cfg.ProbabilityThreshold == 0 {
		cfg.ProbabilityThreshold = 0.6
	}
	if cfg.BlockedMessageFormat == "" {
		cfg.BlockedMessageFormat = defaultBlockedMessageTemplate
	}

	return policy.NewSimplePolicy("tool_call_judge", policy.SimpleHooks{
		OnResponse: func(ctx context.Context, pctx *policy.Context, resp *chatmodel.Response) (*chatmodel.Response, error) {
			for i, c := range resp.Choices {
				blocked, text := judgeToolCallsNonStreaming(ctx, pctx, cfg, c.Message.ToolCalls)
				if blocked {
					resp.Choices[i].Message.ToolCalls = nil
					resp.Choices[i].Message.Content = &text
					if resp.Choices[i].FinishReason == chatmodel.FinishToolCalls {
						resp.Choices[i].FinishReason = chatmodel.FinishStop
					}
				}
			}
			return resp, nil
		},
		OnToolCallBlock: func(ctx context.Context, pctx *policy.Context, b *block.Block) []chatmodel.Chunk {
			result, blocked := evaluate(ctx, pctx, cfg, b.ToolCallName, b.ToolCallArguments)
			markToolCallSeen(pctx, blocked)
			if blocked {
				msg := fmt.Sprintf(cfg.BlockedMessageFormat, b.ToolCallName, truncate(b.ToolCallArguments), result.Probability, result.Explanation)
				return []chatmodel.Chunk{{Delta: chatmodel.Delta{Content: msg}}}
			}
			return passThroughToolCall(b)
		},
		OnContentBlock: func(ctx context.Context, pctx *policy.Context, b *block.Block) []chatmodel.Chunk {
			return []chatmodel.Chunk{{Delta: chatmodel.Delta{Content: b.Text}}}
		},
		OnFinish: func(ctx context.Context, pctx *policy.Context, reason string) string {
			if reason == chatmodel.FinishToolCalls && !anyToolCallSurvived(pctx) {
				return chatmodel.FinishStop
			}
			return reason
		},
	})
}

func markToolCallSeen(pctx *policy.Context, blocked bool) {
	seen, _ := pctx.Scratchpad["tool_call_judge.any_survived"].(bool)
	pctx.Scratchpad["tool_call_judge.any_survived"] = seen || !blocked
}

func anyToolCallSurvived(pctx *policy.Context) bool {
	v, _ := pctx.Scratchpad["tool_call_judge.any_survived"].(bool)
	return v
}

func truncate(s string) string {
	if len(s) > argsTruncationLength {
		return s[:argsTruncationLength]
	}
	return s
}

func evaluate(ctx context.Context, pctx *policy.Context, cfg ToolCallJudgeConfig, name, arguments string) (JudgeResult, bool) {
	pctx.RecordEvent("policy.tool_judge.evaluation_started", map[string]any{
		"tool_name":      name,
		"tool_arguments": truncate(arguments),
	})

	result, err := cfg.Judge.Judge(ctx, name, arguments)
	if err != nil {
		pctx.RecordEvent("policy.tool_judge.evaluation_failed", map[string]any{
			"tool_name": name,
			"error":     err.Error(),
			"action":    "blocked",
		})
		return JudgeResult{Probability: 1.0, Explanation: fmt.Sprintf("judge evaluation failed: %v", err)}, true
	}

	pctx.RecordEvent("policy.tool_judge.evaluation_complete", map[string]any{
		"tool_name":   name,
		"probability": result.Probability,
		"threshold":   cfg.ProbabilityThreshold,
	})

	blocked := result.Probability >= cfg.ProbabilityThreshold
	if blocked {
		pctx.RecordEvent("policy.tool_judge.tool_call_blocked", map[string]any{"tool_name": name, "probability": result.Probability})
	} else {
		pctx.RecordEvent("policy.tool_judge.tool_call_allowed", map[string]any{"tool_name": name, "probability": result.Probability})
	}
	return result, blocked
}

func judgeToolCallsNonStreaming(ctx context.Context, pctx *policy.Context, cfg ToolCallJudgeConfig, calls []chatmodel.ToolCall) (blocked bool, replacementText string) {
	for _, call := range calls {
		result, isBlocked := evaluate(ctx, pctx, cfg, call.Name, call.Arguments)
		if isBlocked {
			args := call.Arguments
			if args == "" {
				args = "{}"
			}
			return true, fmt.Sprintf(cfg.BlockedMessageFormat, call.Name, truncate(args), result.Probability, result.Explanation)
		}
	}
	return false, ""
}
