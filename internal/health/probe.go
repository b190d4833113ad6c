package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/xerrors"
)

// Probe is evaluated per request. A nil error means healthy.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one non-nil probe passes. With no probes it passes.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		return last
	}
}

// ShutdownGate fails its probe once Close is called.
type ShutdownGate struct {
	closed atomic.Bool
	reason atomic.Value
}

func (g *ShutdownGate) Close(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(reason)
	g.closed.Store(true)
}

func (g *ShutdownGate) Open() {
	g.closed.Store(false)
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.closed.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		return xerrors.New(r)
	}
}
