package storage

import (
	"context"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// RunSource records what started a run.
type RunSource string

const (
	SourceChallenge RunSource = "challenge"
	SourceFile      RunSource = "file"
	SourceAPI       RunSource = "api"
	SourceMCP       RunSource = "mcp"
)

// Run is one attempt to restore a dump and answer the challenge.
type Run struct {
	ID          string    `json:"id" yaml:"id"`
	Source      RunSource `json:"source" yaml:"source"`
	Status      RunStatus `json:"status" yaml:"status"`
	Stage       string    `json:"stage" yaml:"stage"`
	ContainerID string    `json:"container_id,omitempty" yaml:"container_id,omitempty"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	Result      []string  `json:"result" yaml:"result"`
	Submission  string    `json:"submission,omitempty" yaml:"submission,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// Event is a sandbox stage transition recorded against a run.
type Event struct {
	RunID   string    `json:"run_id" yaml:"run_id"`
	Seq     int       `json:"seq" yaml:"seq"`
	Stage   string    `json:"stage" yaml:"stage"`
	Message string    `json:"message" yaml:"message"`
	At      time.Time `json:"at" yaml:"at"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status RunStatus
	Limit  int
	Offset int
}

// Store is the persistence interface for runs and their events.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by created_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun updates the mutable fields and updated_at.
	UpdateRun(ctx context.Context, r *Run) error

	// DeleteRun removes a run and its events.
	DeleteRun(ctx context.Context, id string) error

	// AppendEvent adds an event to a run and assigns its Seq.
	AppendEvent(ctx context.Context, e *Event) error

	// LoadEvents returns a run's events in order.
	LoadEvents(ctx context.Context, runID string) ([]Event, error)

	// Close releases resources.
	Close() error
}
