// Package policyhotswap implements policy hot-swap: a single atomic
// handle to the active policy, guarded by a lock that admits at most
// one change in flight. Luthien runs as one process, so the change lock
// is an in-process mutex rather than a networked lock.
package policyhotswap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/luthienresearch/luthien/internal/policy"
)

// holder boxes a policy.Policy so it can live behind an
// atomic.Pointer — atomic.Pointer needs a concrete pointee type, and an
// interface value itself isn't one.
type holder struct {
	policy policy.Policy
}

// Handle is the single atomic reference to the active policy every
// request reads through. Reads (Active) never block on a swap in
// progress; swaps serialize against each other via lock.
type Handle struct {
	current atomic.Pointer[holder]
	lock    sync.Mutex
}

// New builds a Handle with initial as the active policy. initial may be
// nil only if the caller installs a policy via Swap before routing any
// traffic.
func New(initial policy.Policy) *Handle {
	h := &Handle{}
	h.current.Store(&holder{policy: initial})
	return h
}

// Active returns the currently active policy. Safe for concurrent use
// with Swap.
func (h *Handle) Active() policy.Policy {
	return h.current.Load().policy
}

// Swap acquires the hot-swap lock, calls load to validate and build the
// replacement policy, and — regardless of whether load succeeds —
// runs the outgoing policy's OnSessionEnd exactly once. The atomic
// reference only moves to the new policy on success; a failed load
// leaves the old policy active.
func (h *Handle) Swap(ctx context.Context, load func() (policy.Policy, error)) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	outgoing := h.Active()
	next, err := load()

	defer func() {
		if outgoing != nil {
			outgoing.OnSessionEnd(ctx)
		}
	}()

	if err != nil {
		return fmt.Errorf("policyhotswap: load replacement policy: %w", err)
	}

	h.current.Store(&holder{policy: next})
	return nil
}
