package server

import (
	"context"
	"errors"
	"sync"

	"github.com/michaelbrown/restorebox/internal/storage"
)

// ErrBusy is returned by Begin when the manager is at capacity. Sandboxes
// share the image tag and host port, so only one can run at a time.
var ErrBusy = errors.New("a run is already active")

// ActiveRun tracks a run whose sandbox is live.
type ActiveRun struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	subs map[chan storage.Event]struct{}
}

// Done is closed when the run has finished and its sandbox is released.
func (ar *ActiveRun) Done() <-chan struct{} {
	return ar.done
}

// Subscribe returns a channel of live events. The channel is closed when
// the run finishes or unsubscribe is called.
func (ar *ActiveRun) Subscribe() (<-chan storage.Event, func()) {
	ch := make(chan storage.Event, 32)

	ar.mu.Lock()
	select {
	case <-ar.done:
		ar.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	ar.subs[ch] = struct{}{}
	ar.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ar.mu.Lock()
			defer ar.mu.Unlock()
			if _, ok := ar.subs[ch]; ok {
				delete(ar.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish fans e out to subscribers. A subscriber that is not keeping up
// misses the event rather than stalling the run; it can replay from the
// store.
func (ar *ActiveRun) Publish(e storage.Event) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for ch := range ar.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (ar *ActiveRun) finish() {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	select {
	case <-ar.done:
		return
	default:
	}
	close(ar.done)
	for ch := range ar.subs {
		close(ch)
		delete(ar.subs, ch)
	}
}

// RunManager tracks which runs have a live sandbox.
type RunManager struct {
	mu    sync.RWMutex
	limit int
	runs  map[string]*ActiveRun
}

// NewRunManager creates a RunManager admitting at most limit active runs.
func NewRunManager(limit int) *RunManager {
	if limit < 1 {
		limit = 1
	}
	return &RunManager{
		limit: limit,
		runs:  make(map[string]*ActiveRun),
	}
}

// Begin registers id as active, or returns ErrBusy.
func (rm *RunManager) Begin(id string, cancel context.CancelFunc) (*ActiveRun, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.runs) >= rm.limit {
		return nil, ErrBusy
	}
	ar := &ActiveRun{
		ID:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[chan storage.Event]struct{}),
	}
	rm.runs[id] = ar
	return ar, nil
}

// Get returns an active run if it exists.
func (rm *RunManager) Get(id string) (*ActiveRun, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ar, ok := rm.runs[id]
	return ar, ok
}

// Finish marks id as done and frees its slot.
func (rm *RunManager) Finish(id string) {
	rm.mu.Lock()
	ar, ok := rm.runs[id]
	delete(rm.runs, id)
	rm.mu.Unlock()

	if ok {
		ar.finish()
	}
}

// Cancel stops an active run. It stays registered until it finishes.
func (rm *RunManager) Cancel(id string) bool {
	ar, ok := rm.Get(id)
	if ok && ar.cancel != nil {
		ar.cancel()
	}
	return ok
}

// Active reports how many runs are live.
func (rm *RunManager) Active() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.runs)
}

// CloseAll cancels all active runs.
func (rm *RunManager) CloseAll() {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, ar := range rm.runs {
		if ar.cancel != nil {
			ar.cancel()
		}
	}
}
