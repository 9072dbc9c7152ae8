// Package state persists run and step progress so a run can be resumed
// or inspected after the process that started it has exited. Backends
// are interchangeable behind the StateStore interface; an in-memory
// implementation is the default and a SQLite-backed one is available
// for single-node durability.
package state

import (
	"context"
	"time"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// StepStatus is the lifecycle status of a single workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSkipped   StepStatus = "skipped"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Run is the persisted record for one workflow execution.
type Run struct {
	ID          string
	WorkflowName string
	ConfigPath  string
	Status      RunStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Step is the persisted record for one step within a run.
type Step struct {
	RunID       string
	Name        string
	AgentName   string
	Status      StepStatus
	Output      string
	Error       string
	Attempt     int
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// RunPatch is a set of optional run fields to merge onto an existing
// record. Nil fields are left untouched (last-writer-wins per field,
// not per record).
type RunPatch struct {
	Status      *RunStatus
	Error       *string
	CompletedAt *time.Time
}

// StepPatch is a set of optional step fields to merge onto an existing
// record.
type StepPatch struct {
	Status      *StepStatus
	Output      *string
	Error       *string
	Attempt     *int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StateStore is the storage interface the engine and coordinator use to
// persist and recover run/step state. Implementations must be safe for
// concurrent use.
type StateStore interface {
	// InsertRun creates a new run record.
	InsertRun(ctx context.Context, run *Run) error

	// UpdateRun applies a patch to an existing run. Updating an unknown
	// run id is a no-op, not an error: callers that race a cancellation
	// against completion should not have to coordinate around it.
	UpdateRun(ctx context.Context, id string, patch RunPatch) error

	// GetRun retrieves a run by id. Returns a NotFoundError if absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs in descending creation order, optionally
	// filtered by status.
	ListRuns(ctx context.Context, status RunStatus) ([]*Run, error)

	// InsertStep creates a new step record.
	InsertStep(ctx context.Context, step *Step) error

	// UpdateStep applies a patch to an existing (runID, name) step.
	// Updating an unknown step is a no-op.
	UpdateStep(ctx context.Context, runID, name string, patch StepPatch) error

	// GetStepsByRunID returns all steps for a run, in insertion order.
	GetStepsByRunID(ctx context.Context, runID string) ([]*Step, error)

	// Close releases any resources held by the store.
	Close() error
}
