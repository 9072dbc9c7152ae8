// Package coordinator provides the thin lifecycle facade over the state
// store: run and step status transitions, timestamps, and a typed event
// for each one. A transition attempted from the wrong status is a
// StateError rather than a silent no-op, since (unlike a state patch
// update) a lifecycle transition always implies a specific prior state.
package coordinator

import (
	"context"
	"fmt"
	"time"

	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
	"github.com/relayhq/orchestrator/pkg/state"
)

// EventType names a run or step lifecycle event.
type EventType string

const (
	EventRunCreated   EventType = "run:created"
	EventRunStarted   EventType = "run:started"
	EventRunCompleted EventType = "run:completed"
	EventRunFailed    EventType = "run:failed"
	EventRunCancelled EventType = "run:cancelled"

	EventStepStarted   EventType = "step:started"
	EventStepCompleted EventType = "step:completed"
	EventStepFailed    EventType = "step:failed"
	EventStepRetrying  EventType = "step:retrying"
	EventStepSkipped   EventType = "step:skipped"
)

// Event is emitted for every lifecycle transition the coordinator makes.
type Event struct {
	Type      EventType
	RunID     string
	StepName  string
	Timestamp time.Time
	Data      map[string]interface{}
}

// Sink receives coordinator events. Implementations must not block for
// long; the coordinator calls it synchronously from the transition
// method.
type Sink func(Event)

func noopSink(Event) {}

// Coordinator wraps a state.StateStore with transition validation and
// event emission.
type Coordinator struct {
	store state.StateStore
	sink  Sink
}

// New creates a Coordinator. A nil sink discards events.
func New(store state.StateStore, sink Sink) *Coordinator {
	if sink == nil {
		sink = noopSink
	}
	return &Coordinator{store: store, sink: sink}
}

func (c *Coordinator) emit(evt Event) {
	evt.Timestamp = time.Now()
	c.sink(evt)
}

// ---- run lifecycle ----

// CreateRun inserts a new pending run record and emits run:created.
func (c *Coordinator) CreateRun(ctx context.Context, runID, workflowName, configPath string) (*state.Run, error) {
	now := time.Now()
	run := &state.Run{
		ID:           runID,
		WorkflowName: workflowName,
		ConfigPath:   configPath,
		Status:       state.RunPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	c.emit(Event{Type: EventRunCreated, RunID: runID})
	return run, nil
}

// StartRun transitions a pending run to running.
func (c *Coordinator) StartRun(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != state.RunPending {
		return &relayerrors.StateError{Entity: "run", ID: runID, From: string(run.Status), Event: "start"}
	}
	status := state.RunRunning
	if err := c.store.UpdateRun(ctx, runID, state.RunPatch{Status: &status}); err != nil {
		return err
	}
	c.emit(Event{Type: EventRunStarted, RunID: runID})
	return nil
}

// CompleteRun transitions a running run to completed.
func (c *Coordinator) CompleteRun(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != state.RunRunning {
		return &relayerrors.StateError{Entity: "run", ID: runID, From: string(run.Status), Event: "complete"}
	}
	status := state.RunCompleted
	now := time.Now()
	if err := c.store.UpdateRun(ctx, runID, state.RunPatch{Status: &status, CompletedAt: &now}); err != nil {
		return err
	}
	c.emit(Event{Type: EventRunCompleted, RunID: runID})
	return nil
}

// FailRun transitions a running run to failed, recording reason.
func (c *Coordinator) FailRun(ctx context.Context, runID, reason string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != state.RunRunning {
		return &relayerrors.StateError{Entity: "run", ID: runID, From: string(run.Status), Event: "fail"}
	}
	status := state.RunFailed
	now := time.Now()
	if err := c.store.UpdateRun(ctx, runID, state.RunPatch{Status: &status, Error: &reason, CompletedAt: &now}); err != nil {
		return err
	}
	c.emit(Event{Type: EventRunFailed, RunID: runID, Data: map[string]interface{}{"reason": reason}})
	return nil
}

// CancelRun transitions a running or paused run to aborted.
func (c *Coordinator) CancelRun(ctx context.Context, runID, reason string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != state.RunRunning && run.Status != state.RunPaused {
		return &relayerrors.StateError{Entity: "run", ID: runID, From: string(run.Status), Event: "cancel"}
	}
	status := state.RunAborted
	now := time.Now()
	if err := c.store.UpdateRun(ctx, runID, state.RunPatch{Status: &status, Error: &reason, CompletedAt: &now}); err != nil {
		return err
	}
	c.emit(Event{Type: EventRunCancelled, RunID: runID, Data: map[string]interface{}{"reason": reason}})
	return nil
}

// PauseRun transitions a running run to paused. It emits no event of
// its own kind in the run:* taxonomy; the engine's own pause/resume
// loop is what observably suspends execution.
func (c *Coordinator) PauseRun(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != state.RunRunning {
		return &relayerrors.StateError{Entity: "run", ID: runID, From: string(run.Status), Event: "pause"}
	}
	status := state.RunPaused
	return c.store.UpdateRun(ctx, runID, state.RunPatch{Status: &status})
}

// UnpauseRun transitions a paused run back to running.
func (c *Coordinator) UnpauseRun(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != state.RunPaused {
		return &relayerrors.StateError{Entity: "run", ID: runID, From: string(run.Status), Event: "unpause"}
	}
	status := state.RunRunning
	return c.store.UpdateRun(ctx, runID, state.RunPatch{Status: &status})
}

// Resume prepares a run for re-entry into the execution loop: only
// running or failed runs may resume, and only steps left failed by the
// prior attempt are reset to pending (completed and skipped steps are
// left untouched so work already done is not redone).
func (c *Coordinator) Resume(ctx context.Context, runID string) (*state.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != state.RunRunning && run.Status != state.RunFailed {
		return nil, &relayerrors.StateError{Entity: "run", ID: runID, From: string(run.Status), Event: "resume"}
	}

	steps, err := c.store.GetStepsByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	pending := state.StepPending
	for _, s := range steps {
		if s.Status == state.StepFailed {
			if err := c.store.UpdateStep(ctx, runID, s.Name, state.StepPatch{Status: &pending}); err != nil {
				return nil, err
			}
		}
	}

	if run.Status != state.RunRunning {
		running := state.RunRunning
		if err := c.store.UpdateRun(ctx, runID, state.RunPatch{Status: &running, Error: strPtr("")}); err != nil {
			return nil, err
		}
	}
	return c.store.GetRun(ctx, runID)
}

// ---- step lifecycle ----

// CreateStep inserts a new pending step record for runID.
func (c *Coordinator) CreateStep(ctx context.Context, runID, name, agentName string) error {
	now := time.Now()
	return c.store.InsertStep(ctx, &state.Step{
		RunID: runID, Name: name, AgentName: agentName,
		Status: state.StepPending, UpdatedAt: now,
	})
}

func (c *Coordinator) getStep(ctx context.Context, runID, name string) (*state.Step, error) {
	steps, err := c.store.GetStepsByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, &relayerrors.NotFoundError{Resource: "step", ID: fmt.Sprintf("%s/%s", runID, name)}
}

// StartStep transitions a pending step to running.
func (c *Coordinator) StartStep(ctx context.Context, runID, name string) error {
	step, err := c.getStep(ctx, runID, name)
	if err != nil {
		return err
	}
	if step.Status != state.StepPending {
		return &relayerrors.StateError{Entity: "step", ID: name, From: string(step.Status), Event: "start"}
	}
	status := state.StepRunning
	now := time.Now()
	if err := c.store.UpdateStep(ctx, runID, name, state.StepPatch{Status: &status, StartedAt: &now}); err != nil {
		return err
	}
	c.emit(Event{Type: EventStepStarted, RunID: runID, StepName: name})
	return nil
}

// CompleteStep transitions a running step to completed, recording output.
func (c *Coordinator) CompleteStep(ctx context.Context, runID, name, output string) error {
	step, err := c.getStep(ctx, runID, name)
	if err != nil {
		return err
	}
	if step.Status != state.StepRunning {
		return &relayerrors.StateError{Entity: "step", ID: name, From: string(step.Status), Event: "complete"}
	}
	status := state.StepCompleted
	now := time.Now()
	if err := c.store.UpdateStep(ctx, runID, name, state.StepPatch{Status: &status, Output: &output, CompletedAt: &now}); err != nil {
		return err
	}
	c.emit(Event{Type: EventStepCompleted, RunID: runID, StepName: name})
	return nil
}

// FailStep transitions a running step to failed, recording reason.
func (c *Coordinator) FailStep(ctx context.Context, runID, name, reason string) error {
	step, err := c.getStep(ctx, runID, name)
	if err != nil {
		return err
	}
	if step.Status != state.StepRunning {
		return &relayerrors.StateError{Entity: "step", ID: name, From: string(step.Status), Event: "fail"}
	}
	status := state.StepFailed
	now := time.Now()
	if err := c.store.UpdateStep(ctx, runID, name, state.StepPatch{Status: &status, Error: &reason, CompletedAt: &now}); err != nil {
		return err
	}
	c.emit(Event{Type: EventStepFailed, RunID: runID, StepName: name, Data: map[string]interface{}{"reason": reason}})
	return nil
}

// RetryStep records a retry attempt on a still-running step. Status is
// left as running: the step never left the running state from the
// state store's point of view, it is simply re-dispatched.
func (c *Coordinator) RetryStep(ctx context.Context, runID, name string, attempt int) error {
	step, err := c.getStep(ctx, runID, name)
	if err != nil {
		return err
	}
	if step.Status != state.StepRunning {
		return &relayerrors.StateError{Entity: "step", ID: name, From: string(step.Status), Event: "retry"}
	}
	if err := c.store.UpdateStep(ctx, runID, name, state.StepPatch{Attempt: &attempt}); err != nil {
		return err
	}
	c.emit(Event{Type: EventStepRetrying, RunID: runID, StepName: name, Data: map[string]interface{}{"attempt": attempt}})
	return nil
}

// SkipStep transitions a pending step to skipped, naming the upstream
// failure that caused the skip.
func (c *Coordinator) SkipStep(ctx context.Context, runID, name, upstreamFailed string) error {
	step, err := c.getStep(ctx, runID, name)
	if err != nil {
		return err
	}
	if step.Status != state.StepPending {
		return &relayerrors.StateError{Entity: "step", ID: name, From: string(step.Status), Event: "skip"}
	}
	status := state.StepSkipped
	if err := c.store.UpdateStep(ctx, runID, name, state.StepPatch{Status: &status}); err != nil {
		return err
	}
	c.emit(Event{Type: EventStepSkipped, RunID: runID, StepName: name, Data: map[string]interface{}{"upstreamFailed": upstreamFailed}})
	return nil
}

func strPtr(s string) *string { return &s }
