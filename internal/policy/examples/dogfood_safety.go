package examples

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/policy"
)

// DefaultDangerousPatterns blocks the shell commands that would take
// down a control plane dogfooding its own proxy: tearing down the
// docker compose stack, killing the proxy process, or deleting its
// config/source tree.
var DefaultDangerousPatterns = []string{
	`docker\s+compose\s+(down|stop|rm|kill)`,
	`docker-compose\s+(down|stop|rm|kill)`,
	`docker\s+(stop|kill|rm)\s`,
	`pkill\s+.*(uvicorn|python|luthien|gateway)`,
	`killall\s+.*(uvicorn|python|luthien)`,
	`rm\s+(-[a-zA-Z]*f[a-zA-Z]*\s+)?(\.env|docker-compose|src/luthien)`,
	`docker\s+compose\s+exec.*psql.*DROP\s`,
	`docker\s+compose\s+exec.*psql.*TRUNCATE\s`,
}

// DefaultShellToolNames are the tool names treated as shell executors
// whose arguments get pattern-matched.
var DefaultShellToolNames = []string{"Bash", "bash", "shell", "terminal", "execute", "run_command"}

const defaultDogfoodBlockedMessage = "BLOCKED by dogfood_safety: %q would disrupt the Luthien control plane itself. Run infrastructure commands from a separate terminal."

// DogfoodSafetyConfig configures NewDogfoodSafety.
type DogfoodSafetyConfig struct {
	BlockedPatterns []string // regex, case-insensitive; defaults to DefaultDangerousPatterns
	ToolNames       []string // defaults to DefaultShellToolNames
	BlockedMessage  string   // fmt verb: the offending command
}

// NewDogfoodSafety builds a policy that pattern-matches shell tool call
// arguments against a blocklist and blocks self-destructive commands —
// pure regex, zero latency, no judge LLM round trip, unlike
// ToolCallJudge. It is meant to run composed ahead of whatever policy
// is actually configured, so an agent using Luthien to develop Luthien
// can't accidentally kill the proxy out from under itself.
func NewDogfoodSafety(cfg DogfoodSafetyConfig) *policy.SimplePolicy {
	patterns := cfg.BlockedPatterns
	if len(patterns) == 0 {
		patterns = DefaultDangerousPatterns
	}
	toolNames := cfg.ToolNames
	if len(toolNames) == 0 {
		toolNames = DefaultShellToolNames
	}
	msg := cfg.BlockedMessage
	if msg == "" {
		msg = defaultDogfoodBlockedMessage
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile("(?i)"+p))
	}
	shellTools := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		shellTools[strings.ToLower(n)] = true
	}

	matches := func(name, arguments string) (string, bool) {
		if !shellTools[strings.ToLower(name)] {
			return "", false
		}
		for _, re := range compiled {
			if loc := re.FindString(arguments); loc != "" {
				return loc, true
			}
		}
		return "", false
	}

	return policy.NewSimplePolicy("dogfood_safety", policy.SimpleHooks{
		OnResponse: func(ctx context.Context, pctx *policy.Context, resp *chatmodel.Response) (*chatmodel.Response, error) {
			for i, c := range resp.Choices {
				for _, call := range c.Message.ToolCalls {
					if hit, ok := matches(call.Name, call.Arguments); ok {
						blocked := fmt.Sprintf(msg, hit)
						resp.Choices[i].Message.ToolCalls = nil
						resp.Choices[i].Message.Content = &blocked
						if resp.Choices[i].FinishReason == chatmodel.FinishToolCalls {
							resp.Choices[i].FinishReason = chatmodel.FinishStop
						}
						pctx.RecordEvent("policy.dogfood_safety.blocked", map[string]any{"tool_name": call.Name, "matched": hit})
						break
					}
				}
			}
			return resp, nil
		},
		OnToolCallBlock: func(ctx context.Context, pctx *policy.Context, b *block.Block) []chatmodel.Chunk {
			if hit, ok := matches(b.ToolCallName, b.ToolCallArguments); ok {
				pctx.Scratchpad["dogfood_safety.blocked"] = true
				pctx.RecordEvent("policy.dogfood_safety.blocked", map[string]any{"tool_name": b.ToolCallName, "matched": hit})
				return []chatmodel.Chunk{{Delta: chatmodel.Delta{Content: fmt.Sprintf(msg, hit)}}}
			}
			return passThroughToolCall(b)
		},
		OnContentBlock: func(ctx context.Context, pctx *policy.Context, b *block.Block) []chatmodel.Chunk {
			return []chatmodel.Chunk{{Delta: chatmodel.Delta{Content: b.Text}}}
		},
		OnFinish: func(ctx context.Context, pctx *policy.Context, reason string) string {
			if reason == chatmodel.FinishToolCalls {
				if blocked, _ := pctx.Scratchpad["dogfood_safety.blocked"].(bool); blocked {
					return chatmodel.FinishStop
				}
			}
			return reason
		},
	})
}
