// Package solver drives one run: it provisions a sandbox for a dump, hands
// the live endpoint to a callback and records every stage in the run store.
package solver

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/michaelbrown/restorebox/internal/query"
	"github.com/michaelbrown/restorebox/internal/sandbox"
	"github.com/michaelbrown/restorebox/internal/storage"
)

// QueryFunc extracts the answer from a ready database.
type QueryFunc func(ctx context.Context, endpoint string) ([]string, error)

// Solver provisions sandboxes on behalf of runs. Store may be nil, in
// which case nothing is persisted.
type Solver struct {
	Store   storage.Store
	Options []sandbox.Option
	Query   QueryFunc
	Logger  *log.Logger
	OnEvent func(storage.Event)
}

// QueryAliveSSNs is the default QueryFunc.
func QueryAliveSSNs(ctx context.Context, endpoint string) ([]string, error) {
	db, err := query.Open(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return query.AliveSSNs(ctx, db)
}

// Run restores dump and returns the alive SSNs. The run's final status,
// stage and result are stored whether or not it succeeds.
func (s *Solver) Run(ctx context.Context, run *storage.Run, dump string) ([]string, error) {
	q := s.Query
	if q == nil {
		q = QueryAliveSSNs
	}

	var ssns []string
	err := s.Provision(ctx, run, dump, func(ctx context.Context, endpoint string) error {
		var err error
		ssns, err = q(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("querying alive ssns: %w", err)
		}
		run.Result = ssns
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ssns, nil
}

// Provision brings up a sandbox for dump, calls use with its endpoint and
// releases it. Release uses a fresh context so a cancelled caller still
// cleans up.
func (s *Solver) Provision(ctx context.Context, run *storage.Run, dump string, use func(ctx context.Context, endpoint string) error) (err error) {
	logger := s.logger().With("run", shortRunID(run.ID))

	run.Status = storage.StatusRunning
	run.Error = ""
	s.save(ctx, run)

	defer func() {
		if err != nil {
			run.Status = storage.StatusFailed
			run.Error = err.Error()
			logger.Error("run failed", "stage", run.Stage, "err", err)
		} else {
			run.Status = storage.StatusCompleted
			logger.Info("run completed", "rows", len(run.Result))
		}
		s.save(context.Background(), run)
	}()

	opts := append([]sandbox.Option{}, s.Options...)
	opts = append(opts,
		sandbox.WithLogger(logger),
		sandbox.WithObserver(func(ev sandbox.Event) { s.record(run, ev) }),
	)

	sb, err := sandbox.New(ctx, dump, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := sb.Release(context.Background()); rerr != nil {
			logger.Warn("release sandbox", "err", rerr)
			err = errors.Join(err, rerr)
		}
	}()

	startErr := sb.Start(ctx)
	run.ContainerID = sb.ContainerID()
	if startErr != nil {
		return startErr
	}

	endpoint, err := sb.Endpoint()
	if err != nil {
		return err
	}
	return use(ctx, endpoint)
}

// record persists a sandbox transition. Stage keeps the last progress state
// so a failed run shows where it stopped.
func (s *Solver) record(run *storage.Run, ev sandbox.Event) {
	if ev.State != sandbox.StateFailed && ev.State != sandbox.StateReleased {
		run.Stage = string(ev.State)
	}

	e := storage.Event{RunID: run.ID, Stage: string(ev.State), Message: ev.Message, At: ev.At}
	if s.Store != nil {
		if err := s.Store.AppendEvent(context.Background(), &e); err != nil {
			s.logger().Warn("append event", "run", shortRunID(run.ID), "err", err)
		}
	}
	if s.OnEvent != nil {
		s.OnEvent(e)
	}
}

func (s *Solver) save(ctx context.Context, run *storage.Run) {
	if s.Store == nil {
		return
	}
	if err := s.Store.UpdateRun(ctx, run); err != nil {
		s.logger().Warn("update run", "run", shortRunID(run.ID), "err", err)
	}
}

func (s *Solver) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
