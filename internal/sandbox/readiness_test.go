package sandbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDelayGate(t *testing.T) {
	start := time.Now()
	if err := (DelayGate{Delay: 20 * time.Millisecond}).Wait(context.Background(), ""); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, want >= 20ms", elapsed)
	}
}

func TestDelayGateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := (DelayGate{Delay: time.Hour}).Wait(ctx, "")
	if !errors.Is(err, ErrReadiness) {
		t.Errorf("err = %v, want ErrReadiness", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want it to wrap context.Canceled", err)
	}
}

func TestProbeGateSucceedsAfterRetries(t *testing.T) {
	var attempts atomic.Int32
	g := ProbeGate{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		Probe: func(_ context.Context, endpoint string) error {
			if endpoint != "postgres://x" {
				t.Errorf("probe endpoint = %q", endpoint)
			}
			if attempts.Add(1) < 3 {
				return errors.New("the database system is starting up")
			}
			return nil
		},
	}

	if err := g.Wait(context.Background(), "postgres://x"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestProbeGateTimesOut(t *testing.T) {
	g := ProbeGate{
		Interval: 5 * time.Millisecond,
		Timeout:  30 * time.Millisecond,
		Probe: func(context.Context, string) error {
			return errors.New("connection refused")
		},
	}

	err := g.Wait(context.Background(), "postgres://x")
	if !errors.Is(err, ErrReadiness) {
		t.Fatalf("err = %v, want ErrReadiness", err)
	}
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	var second bool
	c := Chain{
		GateFunc(func(context.Context, string) error { return errors.New("boom") }),
		GateFunc(func(context.Context, string) error { second = true; return nil }),
	}
	if err := c.Wait(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
	if second {
		t.Error("second gate should not run")
	}
}
