package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/michaelbrown/restorebox/internal/storage"
)

func TestRunManager_Begin(t *testing.T) {
	rm := NewRunManager(1)

	ar, err := rm.Begin("run-1", func() {})
	if err != nil {
		t.Fatal(err)
	}
	if ar == nil || ar.ID != "run-1" {
		t.Fatalf("ActiveRun = %+v", ar)
	}

	if _, err := rm.Begin("run-2", func() {}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Begin error = %v, want ErrBusy", err)
	}

	rm.Finish("run-1")
	if _, err := rm.Begin("run-2", func() {}); err != nil {
		t.Fatalf("Begin after Finish: %v", err)
	}
}

func TestRunManager_FinishClosesDone(t *testing.T) {
	rm := NewRunManager(1)
	ar, _ := rm.Begin("run-1", nil)

	if _, ok := rm.Get("run-1"); !ok {
		t.Error("expected run to be active")
	}

	rm.Finish("run-1")
	select {
	case <-ar.Done():
	default:
		t.Error("Done should be closed after Finish")
	}
	if _, ok := rm.Get("run-1"); ok {
		t.Error("expected run to be removed")
	}

	// Finishing twice is harmless.
	rm.Finish("run-1")
}

func TestRunManager_CloseAll(t *testing.T) {
	rm := NewRunManager(3)

	var ctxs []context.Context
	for _, id := range []string{"run-a", "run-b", "run-c"} {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, ctx)
		if _, err := rm.Begin(id, cancel); err != nil {
			t.Fatal(err)
		}
	}
	if rm.Active() != 3 {
		t.Fatalf("active = %d, want 3", rm.Active())
	}

	rm.CloseAll()

	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("run %d not cancelled", i)
		}
	}
}

func TestActiveRun_Subscribe(t *testing.T) {
	rm := NewRunManager(1)
	ar, _ := rm.Begin("run-1", nil)

	ch, unsubscribe := ar.Subscribe()
	defer unsubscribe()

	ar.Publish(storage.Event{RunID: "run-1", Seq: 1, Stage: "staged"})

	select {
	case e := <-ch:
		if e.Stage != "staged" {
			t.Errorf("stage = %q", e.Stage)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	rm.Finish("run-1")
	if _, ok := <-ch; ok {
		t.Error("channel should be closed when the run finishes")
	}

	late, _ := ar.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing to a finished run should yield a closed channel")
	}
}

func TestActiveRun_Unsubscribe(t *testing.T) {
	rm := NewRunManager(1)
	ar, _ := rm.Begin("run-1", nil)

	ch, unsubscribe := ar.Subscribe()
	unsubscribe()
	unsubscribe()

	ar.Publish(storage.Event{Seq: 1})
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	rm.Finish("run-1")
}
