package state

import (
	"context"
	"sort"
	"sync"
	"time"

	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
)

// MemStore is a mutex-guarded in-memory StateStore. It is the default
// backend: fine for a single-process run, lost on restart.
type MemStore struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	steps map[string][]*Step // runID -> steps, insertion order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:  make(map[string]*Run),
		steps: make(map[string][]*Step),
	}
}

func (m *MemStore) InsertRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemStore) UpdateRun(_ context.Context, id string, patch RunPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil
	}
	applyRunPatch(run, patch)
	return nil
}

func applyRunPatch(run *Run, patch RunPatch) {
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.Error != nil {
		run.Error = *patch.Error
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = patch.CompletedAt
	}
	run.UpdatedAt = time.Now()
}

func (m *MemStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, &relayerrors.NotFoundError{Resource: "run", ID: id}
	}
	cp := *run
	return &cp, nil
}

func (m *MemStore) ListRuns(_ context.Context, status RunStatus) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if status != "" && run.Status != status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) InsertStep(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.RunID] = append(m.steps[step.RunID], &cp)
	return nil
}

func (m *MemStore) UpdateStep(_ context.Context, runID, name string, patch StepPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, step := range m.steps[runID] {
		if step.Name == name {
			applyStepPatch(step, patch)
			return nil
		}
	}
	return nil
}

func applyStepPatch(step *Step, patch StepPatch) {
	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Output != nil {
		step.Output = *patch.Output
	}
	if patch.Error != nil {
		step.Error = *patch.Error
	}
	if patch.Attempt != nil {
		step.Attempt = *patch.Attempt
	}
	if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		step.CompletedAt = patch.CompletedAt
	}
	step.UpdatedAt = time.Now()
}

func (m *MemStore) GetStepsByRunID(_ context.Context, runID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.steps[runID]
	out := make([]*Step, len(src))
	for i, step := range src {
		cp := *step
		out[i] = &cp
	}
	return out, nil
}

func (m *MemStore) Close() error { return nil }
