// Package sandbox provisions a disposable PostgreSQL container from a
// base64-encoded gzip SQL dump and guarantees its teardown.
//
// Typical use:
//
//	sb, err := sandbox.New(ctx, dump)
//	if err != nil {
//		return err
//	}
//	defer sb.Release(context.Background())
//	if err := sb.Start(ctx); err != nil {
//		return err
//	}
//	url, _ := sb.Endpoint()
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// State is a sandbox lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStaged   State = "staged"
	StateBuilt    State = "built"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateReleased State = "released"
)

// Event reports a state transition.
type Event struct {
	State   State
	Message string
	At      time.Time
}

// Sandbox is one disposable database instance.
type Sandbox struct {
	opts    Options
	ws      *workspace
	payload string
	builder *builder
	logger  *log.Logger

	mu        sync.Mutex
	state     State
	runtimeID string
	released  bool
	runDone   chan struct{} // closed once Start has bound or given up on an ID
}

// New stages the build context for payload and builds the image. On failure
// everything New created is removed before it returns.
func New(ctx context.Context, payload string, opts ...Option) (*Sandbox, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Engine == nil {
		o.Engine = NewEngine("")
	}
	if o.Runner == nil {
		o.Runner = o.Engine.Runner
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}

	ws, err := newWorkspace(o.BaseDir)
	if err != nil {
		return nil, err
	}

	s := &Sandbox{
		opts:    o,
		ws:      ws,
		payload: payload,
		logger:  o.Logger.With("workspace", ws.Path()),
		builder: &builder{ws: ws, engine: o.Engine, runner: o.Runner},
	}
	s.transition(StateCreated, "workspace allocated")

	if err := s.setup(ctx); err != nil {
		s.fail(err)
		if rerr := s.Release(context.Background()); rerr != nil {
			s.logger.Warn("cleanup after failed setup", "err", rerr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Sandbox) setup(ctx context.Context) error {
	if err := s.builder.writeDescriptor(); err != nil {
		return err
	}
	if err := s.builder.writeInitScript(); err != nil {
		return err
	}
	if err := s.builder.writeDataFile(ctx, s.payload); err != nil {
		return err
	}
	s.transition(StateStaged, "build context written")

	buildCtx, cancel := withOptionalTimeout(ctx, s.opts.BuildTimeout)
	defer cancel()
	if err := s.builder.build(buildCtx); err != nil {
		return err
	}
	s.transition(StateBuilt, "image "+ImageTag+" built")
	return nil
}

// Start runs the container and waits for the readiness gate. Only one
// Start can be in flight, and only from the built state.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateBuilt || s.released {
		state := s.state
		s.mu.Unlock()
		return newError(KindState, "start", fmt.Errorf("sandbox is %s", state))
	}
	s.state = StateStarting
	runDone := make(chan struct{})
	s.runDone = runDone
	s.mu.Unlock()

	idFile := filepath.Join(s.ws.Path(), ContainerIDFile)
	runCtx, cancel := withOptionalTimeout(ctx, s.opts.RunTimeout)
	id, err := s.opts.Engine.Run(runCtx, ImageTag, HostPort, ContainerPort, idFile)
	cancel()

	// A run cut short may still have created the container; bind whatever
	// the engine recorded so Release can kill it.
	if err != nil {
		id = ReadIDFile(idFile)
	}
	s.mu.Lock()
	s.runtimeID = id
	close(runDone)
	s.mu.Unlock()

	if err != nil {
		s.fail(err)
		return err
	}
	s.transition(StateStarted, "container "+shortID(id))

	if s.opts.Gate != nil {
		if err := s.opts.Gate.Wait(ctx, endpoint()); err != nil {
			var serr *Error
			if !errors.As(err, &serr) {
				err = newError(KindReadiness, "wait for database", err)
			}
			s.fail(err)
			return err
		}
	}

	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return newError(KindState, "start", errors.New("sandbox released during start"))
	}
	s.transition(StateReady, "accepting connections")
	return nil
}

// Endpoint returns the database URL. It fails unless Start has completed.
func (s *Sandbox) Endpoint() (string, error) {
	if s.State() != StateReady {
		return "", newError(KindState, "endpoint", fmt.Errorf("sandbox is %s", s.State()))
	}
	return endpoint(), nil
}

// ContainerID returns the engine's container ID, or "" before Start.
func (s *Sandbox) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimeID
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkspacePath returns the staging directory. It no longer exists after Release.
func (s *Sandbox) WorkspacePath() string {
	return s.ws.Path()
}

// Release kills the container, if one was started, and removes the workspace.
// A failed kill never prevents the removal. Calls after the first are no-ops.
func (s *Sandbox) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	runDone := s.runDone
	s.mu.Unlock()

	// Wait for an in-flight run so its container is not missed.
	if runDone != nil {
		select {
		case <-runDone:
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	id := s.runtimeID
	s.mu.Unlock()

	var killErr error
	if id != "" {
		killCtx, cancel := withOptionalTimeout(ctx, s.opts.KillTimeout)
		killErr = s.opts.Engine.Kill(killCtx, id)
		cancel()
		if killErr != nil {
			s.logger.Warn("kill container", "id", shortID(id), "err", killErr)
		}
	}

	removeErr := s.ws.Remove()
	s.transition(StateReleased, "workspace removed")
	return errors.Join(killErr, removeErr)
}

func (s *Sandbox) fail(err error) {
	s.transition(StateFailed, err.Error())
}

func (s *Sandbox) transition(to State, msg string) {
	s.mu.Lock()
	if s.state == StateReleased {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Debug("sandbox "+string(to), "detail", msg)
	if s.opts.Observer != nil {
		s.opts.Observer(Event{State: to, Message: msg, At: time.Now().UTC()})
	}
}

func endpoint() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s",
		DatabaseUser, DatabasePassword, HostPort, DatabaseName)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
