package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/michaelbrown/restorebox/internal/query"
)

// Gate blocks until a started sandbox can be handed out.
type Gate interface {
	Wait(ctx context.Context, endpoint string) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, endpoint string) error

func (f GateFunc) Wait(ctx context.Context, endpoint string) error {
	return f(ctx, endpoint)
}

// DelayGate waits a fixed time and assumes the init script is done by then.
type DelayGate struct {
	Delay time.Duration
}

func (g DelayGate) Wait(ctx context.Context, _ string) error {
	if g.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(g.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return newError(KindReadiness, "settle delay", ctx.Err())
	}
}

// ProbeGate polls the database until it accepts queries over TCP. The
// postgres entrypoint only listens on a socket while init scripts run, so a
// successful probe also means the dump has been loaded.
type ProbeGate struct {
	Interval time.Duration
	Timeout  time.Duration
	Probe    func(ctx context.Context, endpoint string) error
}

func (g ProbeGate) Wait(ctx context.Context, endpoint string) error {
	probe := g.Probe
	if probe == nil {
		probe = query.Ping
	}
	interval := g.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	var last error
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, interval+time.Second)
		defer cancel()
		last = probe(attemptCtx, endpoint)
		return last
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if last == nil {
			last = err
		}
		return newError(KindReadiness, "wait for database", errors.Join(ctx.Err(), last))
	}
	return nil
}

// Chain runs gates in order and stops at the first failure.
type Chain []Gate

func (c Chain) Wait(ctx context.Context, endpoint string) error {
	for _, g := range c {
		if err := g.Wait(ctx, endpoint); err != nil {
			return err
		}
	}
	return nil
}
