// Package dispatcher drives a policy through a fixed per-chunk hook
// order, managing the egress queue the policy writes into, a
// keepalive-resetting timeout monitor, and bounded-wait backpressure
// on the output queue.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/luthienresearch/luthien/internal/apierror"
	"github.com/luthienresearch/luthien/internal/block"
	"github.com/luthienresearch/luthien/internal/chatmodel"
	"github.com/luthienresearch/luthien/internal/policy"
)

// Config tunes the dispatcher's timeout and backpressure behavior.
type Config struct {
	// Timeout is the policy-hook deadline, reset by every hook
	// invocation and by explicit Context.Keepalive() calls. Zero means
	// no timeout.
	Timeout time.Duration

	// QueueSendTimeout bounds how long a write onto the output queue
	// may block before it's treated as a stalled consumer. Defaults
	// to 30s.
	QueueSendTimeout time.Duration
}

func (c Config) queueSendTimeout() time.Duration {
	if c.QueueSendTimeout == 0 {
		return 30 * time.Second
	}
	return c.QueueSendTimeout
}

// Run drives pol through every chunk from upstream in the fixed
// hook order, pushing whatever the policy releases onto out, and
// closes out when done (success, error, or cancellation all close it
// exactly once). It blocks until the stream finishes or ctx is
// cancelled.
func Run(ctx context.Context, pol policy.Policy, pctx *policy.Context, upstream <-chan chatmodel.Chunk, out chan<- chatmodel.Chunk) error {
	cfg := Config{}
	return RunWithConfig(ctx, cfg, pol, pctx, upstream, out)
}

// RunWithConfig is Run with explicit timeout/backpressure tuning.
func RunWithConfig(ctx context.Context, cfg Config, pol policy.Policy, pctx *policy.Context, upstream <-chan chatmodel.Chunk, out chan<- chatmodel.Chunk) error {
	state := block.New(nil)
	egress := make(chan chatmodel.Chunk, 16)
	policy.AttachStream(pctx, state, egress)

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keepaliveCh := make(chan struct{}, 1)
	wireKeepalive(pctx, keepaliveCh)

	done := make(chan error, 1)
	go func() {
		done <- runLoop(dctx, cfg, pol, pctx, state, upstream, egress, out)
	}()

	if cfg.Timeout <= 0 {
		err := <-done
		runCleanup(ctx, pol, pctx, out)
		return err
	}

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case err := <-done:
			runCleanup(ctx, pol, pctx, out)
			return err
		case <-keepaliveCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(cfg.Timeout)
		case <-timer.C:
			cancel()
			<-done // the loop goroutine observes dctx.Done() and returns
			runCleanup(ctx, pol, pctx, out)
			return apierror.PolicyTimeout(fmt.Sprintf("policy hook deadline of %s exceeded", cfg.Timeout))
		}
	}
}

// wireKeepalive makes every Context.Keepalive() call (including the
// implicit ones every hook invocation performs) reset the timeout
// monitor's deadline.
func wireKeepalive(pctx *policy.Context, ch chan struct{}) {
	policy.SetKeepaliveSink(pctx, func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
}

func runLoop(ctx context.Context, cfg Config, pol policy.Policy, pctx *policy.Context, state *block.StreamState, upstream <-chan chatmodel.Chunk, egress chan chatmodel.Chunk, out chan<- chatmodel.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-upstream:
			if !ok {
				if err := hook(pctx, func() error { return pol.OnStreamComplete(ctx, pctx) }); err != nil {
					return err
				}
				if err := drainEgress(ctx, cfg, egress, out); err != nil {
					return err
				}
				return nil
			}
			if err := processChunk(ctx, cfg, pol, pctx, state, chunk, egress, out); err != nil {
				return err
			}
		}
	}
}

func processChunk(ctx context.Context, cfg Config, pol policy.Policy, pctx *policy.Context, state *block.StreamState, chunk chatmodel.Chunk, egress chan chatmodel.Chunk, out chan<- chatmodel.Chunk) error {
	pctx.Stream.CurrentChunk = chunk
	state.Process(chunk)

	if err := hook(pctx, func() error { return pol.OnChunkReceived(ctx, pctx) }); err != nil {
		return err
	}

	if open := state.Open; open != nil {
		err := hook(pctx, func() error {
			switch open.Kind {
			case block.KindToolCall:
				return pol.OnToolCallDelta(ctx, pctx, open)
			default:
				return pol.OnContentDelta(ctx, pctx, open)
			}
		})
		if err != nil {
			return err
		}
	}

	if completed := state.JustCompleted; completed != nil {
		err := hook(pctx, func() error {
			switch completed.Kind {
			case block.KindToolCall:
				return pol.OnToolCallComplete(ctx, pctx, completed)
			default:
				return pol.OnContentComplete(ctx, pctx, completed)
			}
		})
		if err != nil {
			return err
		}
	}

	if chunk.FinishReason != "" {
		if err := hook(pctx, func() error { return pol.OnFinishReason(ctx, pctx, chunk.FinishReason) }); err != nil {
			return err
		}
	}

	return drainEgress(ctx, cfg, egress, out)
}

// drainEgress moves every chunk currently buffered in egress onto out,
// without blocking once egress is empty.
func drainEgress(ctx context.Context, cfg Config, egress chan chatmodel.Chunk, out chan<- chatmodel.Chunk) error {
	for {
		select {
		case c := <-egress:
			if err := send(ctx, cfg, out, c); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// send writes c onto out with a bounded wait; exceeding the bound is
// reported as an error rather than deadlocking forever on a stalled
// consumer.
func send(ctx context.Context, cfg Config, out chan<- chatmodel.Chunk, c chatmodel.Chunk) error {
	timer := time.NewTimer(cfg.queueSendTimeout())
	defer timer.Stop()
	select {
	case out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return apierror.Wrap(apierror.TypeAPI, "egress queue send exceeded bounded wait", nil)
	}
}

func runCleanup(ctx context.Context, pol policy.Policy, pctx *policy.Context, out chan<- chatmodel.Chunk) {
	_ = pol.OnStreamingPolicyComplete(ctx, pctx)
	close(out)
}

// hook keepalives before invoking a policy hook; every hook invocation
// implicitly keepalives.
func hook(pctx *policy.Context, fn func() error) error {
	pctx.Keepalive()
	return fn()
}
