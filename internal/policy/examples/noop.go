// Package examples provides illustrative reference policies exercising
// the policy.Policy hook contract: NoOp, AllCaps, StringReplacement,
// ToolCallJudge, and DogfoodSafety.
package examples

import (
	"github.com/luthienresearch/luthien/internal/policy"
)

// NoOp passes every request and response through unchanged: the wire
// events delivered to the client equal the sequence produced by the
// upstream after dialect translation alone.
type NoOp struct {
	policy.BaseNoOpPolicy
}

func (NoOp) Name() string { return "noop" }

var _ policy.Policy = NoOp{}
