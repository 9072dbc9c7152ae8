package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/orchestrator/pkg/config"
	"github.com/relayhq/orchestrator/pkg/coordinator"
	"github.com/relayhq/orchestrator/pkg/engine"
	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
	"github.com/relayhq/orchestrator/pkg/invoker"
	"github.com/relayhq/orchestrator/pkg/state"
	"github.com/relayhq/orchestrator/pkg/template"
)

type fakeInvoker struct {
	mu       sync.Mutex
	calls    map[string]int
	behavior func(stepName string, attempt int) (string, error)
}

func newFakeInvoker(behavior func(stepName string, attempt int) (string, error)) *fakeInvoker {
	return &fakeInvoker{calls: make(map[string]int), behavior: behavior}
}

func (f *fakeInvoker) Invoke(ctx context.Context, req invoker.StepRequest) (string, error) {
	f.mu.Lock()
	f.calls[req.StepName]++
	attempt := f.calls[req.StepName]
	f.mu.Unlock()
	return f.behavior(req.StepName, attempt)
}

func baseConfig(agents ...string) *config.RelayConfig {
	defs := make([]config.AgentDefinition, len(agents))
	interactive := false
	for i, a := range agents {
		defs[i] = config.AgentDefinition{Name: a, Cli: config.CliClaude, Interactive: &interactive}
	}
	return &config.RelayConfig{Version: "1", Name: "test", Agents: defs}
}

func newEngine(t *testing.T, cfg *config.RelayConfig, inv engine.Invoker) (*engine.Engine, *coordinator.Coordinator, state.StateStore) {
	t.Helper()
	store := state.NewMemStore()
	coord := coordinator.New(store, nil)
	e := engine.New(engine.Deps{
		Config:         cfg,
		Coordinator:    coord,
		Invoker:        inv,
		Interpolator:   template.New(nil),
		Logger:         nil,
		WorkerLogsDir:  t.TempDir(),
		StepOutputsDir: t.TempDir(),
	})
	return e, coord, store
}

func TestRun_LinearPipelineCompletes(t *testing.T) {
	cfg := baseConfig("planner", "builder")
	inv := newFakeInvoker(func(stepName string, attempt int) (string, error) {
		return "output-of-" + stepName, nil
	})
	e, coord, store := newEngine(t, cfg, inv)

	wf := &config.WorkflowDefinition{
		Name: "deploy",
		Steps: []config.WorkflowStep{
			{Name: "plan", Agent: "planner", Task: "make a plan"},
			{Name: "build", Agent: "builder", Task: "build {{steps.plan.output}}", DependsOn: []string{"plan"}},
		},
	}

	ctx := context.Background()
	_, err := coord.CreateRun(ctx, "run-1", wf.Name, "relay.yaml")
	require.NoError(t, err)
	require.NoError(t, coord.StartRun(ctx, "run-1"))

	err = e.Run(ctx, wf, "run-1", nil)
	require.NoError(t, err)

	steps, err := store.GetStepsByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		assert.Equal(t, state.StepCompleted, s.Status, s.Name)
	}
}

func TestRun_FailFastSkipsDownstream(t *testing.T) {
	cfg := baseConfig("planner", "builder")
	inv := newFakeInvoker(func(stepName string, attempt int) (string, error) {
		if stepName == "plan" {
			return "", fmt.Errorf("planner exploded")
		}
		return "ok", nil
	})
	e, coord, store := newEngine(t, cfg, inv)

	wf := &config.WorkflowDefinition{
		Name: "deploy",
		Steps: []config.WorkflowStep{
			{Name: "plan", Agent: "planner", Task: "make a plan"},
			{Name: "build", Agent: "builder", Task: "build", DependsOn: []string{"plan"}},
		},
	}

	ctx := context.Background()
	_, err := coord.CreateRun(ctx, "run-1", wf.Name, "relay.yaml")
	require.NoError(t, err)
	require.NoError(t, coord.StartRun(ctx, "run-1"))

	err = e.Run(ctx, wf, "run-1", nil)
	require.Error(t, err)

	steps, err := store.GetStepsByRunID(ctx, "run-1")
	require.NoError(t, err)
	byName := map[string]*state.Step{}
	for _, s := range steps {
		byName[s.Name] = s
	}
	assert.Equal(t, state.StepFailed, byName["plan"].Status)
	assert.Equal(t, state.StepSkipped, byName["build"].Status)
}

func TestRun_ContinueStrategyRunsIndependentBranch(t *testing.T) {
	cfg := baseConfig("planner", "builder", "tester")
	maxRetries := 0
	cfg.ErrorHandling = &config.ErrorHandlingConfig{Strategy: "skip", MaxRetries: &maxRetries}
	inv := newFakeInvoker(func(stepName string, attempt int) (string, error) {
		if stepName == "plan" {
			return "", fmt.Errorf("planner exploded")
		}
		return "ok", nil
	})
	e, coord, store := newEngine(t, cfg, inv)

	wf := &config.WorkflowDefinition{
		Name: "deploy",
		Steps: []config.WorkflowStep{
			{Name: "plan", Agent: "planner", Task: "make a plan"},
			{Name: "build", Agent: "builder", Task: "build", DependsOn: []string{"plan"}},
			{Name: "test", Agent: "tester", Task: "run tests"},
		},
	}

	ctx := context.Background()
	_, err := coord.CreateRun(ctx, "run-1", wf.Name, "relay.yaml")
	require.NoError(t, err)
	require.NoError(t, coord.StartRun(ctx, "run-1"))

	err = e.Run(ctx, wf, "run-1", nil)
	require.Error(t, err) // overall run still reports failure

	steps, err := store.GetStepsByRunID(ctx, "run-1")
	require.NoError(t, err)
	byName := map[string]*state.Step{}
	for _, s := range steps {
		byName[s.Name] = s
	}
	assert.Equal(t, state.StepFailed, byName["plan"].Status)
	assert.Equal(t, state.StepSkipped, byName["build"].Status)
	assert.Equal(t, state.StepCompleted, byName["test"].Status)
}

func TestRun_RetriesBeforeSucceeding(t *testing.T) {
	cfg := baseConfig("planner")
	retries := 2
	cfg.Agents[0].Constraints = &config.AgentConstraints{Retries: &retries}
	inv := newFakeInvoker(func(stepName string, attempt int) (string, error) {
		if attempt < 3 {
			return "", fmt.Errorf("attempt %d failed", attempt)
		}
		return "eventually ok", nil
	})
	e, coord, store := newEngine(t, cfg, inv)

	wf := &config.WorkflowDefinition{
		Name:  "deploy",
		Steps: []config.WorkflowStep{{Name: "plan", Agent: "planner", Task: "make a plan"}},
	}

	ctx := context.Background()
	_, err := coord.CreateRun(ctx, "run-1", wf.Name, "relay.yaml")
	require.NoError(t, err)
	require.NoError(t, coord.StartRun(ctx, "run-1"))

	err = e.Run(ctx, wf, "run-1", nil)
	require.NoError(t, err)

	steps, err := store.GetStepsByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, state.StepCompleted, steps[0].Status)
	assert.Equal(t, "eventually ok", steps[0].Output)
}

func TestRun_AbortBeforeStartReturnsAbortedError(t *testing.T) {
	cfg := baseConfig("planner")
	inv := newFakeInvoker(func(stepName string, attempt int) (string, error) {
		return "ok", nil
	})
	e, coord, _ := newEngine(t, cfg, inv)

	wf := &config.WorkflowDefinition{
		Name:  "deploy",
		Steps: []config.WorkflowStep{{Name: "plan", Agent: "planner", Task: "make a plan"}},
	}

	ctx := context.Background()
	_, err := coord.CreateRun(ctx, "run-1", wf.Name, "relay.yaml")
	require.NoError(t, err)
	require.NoError(t, coord.StartRun(ctx, "run-1"))

	e.Abort("operator cancelled")
	err = e.Run(ctx, wf, "run-1", nil)
	require.Error(t, err)
	var aborted *relayerrors.AbortedError
	require.ErrorAs(t, err, &aborted)
}

func TestRun_VerificationFailureExhaustsRetriesAndFails(t *testing.T) {
	cfg := baseConfig("planner")
	inv := newFakeInvoker(func(stepName string, attempt int) (string, error) {
		return "output without the magic word", nil
	})
	e, coord, store := newEngine(t, cfg, inv)

	wf := &config.WorkflowDefinition{
		Name: "deploy",
		Steps: []config.WorkflowStep{{
			Name: "plan", Agent: "planner", Task: "make a plan",
			Verification: &config.VerificationCheck{Type: config.VerifyOutputContains, Value: "approved"},
		}},
	}

	ctx := context.Background()
	_, err := coord.CreateRun(ctx, "run-1", wf.Name, "relay.yaml")
	require.NoError(t, err)
	require.NoError(t, coord.StartRun(ctx, "run-1"))

	err = e.Run(ctx, wf, "run-1", nil)
	require.Error(t, err)
	var verifyErr *relayerrors.VerificationError
	require.ErrorAs(t, err, &verifyErr)

	steps, err := store.GetStepsByRunID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, state.StepFailed, steps[0].Status)
}

func TestRun_PauseBlocksUntilUnpaused(t *testing.T) {
	cfg := baseConfig("planner")
	started := make(chan struct{})
	inv := newFakeInvoker(func(stepName string, attempt int) (string, error) {
		close(started)
		return "ok", nil
	})
	e, coord, _ := newEngine(t, cfg, inv)

	wf := &config.WorkflowDefinition{
		Name:  "deploy",
		Steps: []config.WorkflowStep{{Name: "plan", Agent: "planner", Task: "make a plan"}},
	}

	ctx := context.Background()
	_, err := coord.CreateRun(ctx, "run-1", wf.Name, "relay.yaml")
	require.NoError(t, err)
	require.NoError(t, coord.StartRun(ctx, "run-1"))

	e.Pause()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, wf, "run-1", nil) }()

	select {
	case <-started:
		t.Fatal("step ran while engine was paused")
	case <-time.After(50 * time.Millisecond):
	}

	e.Unpause()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete after unpause")
	}
}
