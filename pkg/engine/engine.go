// Package engine drives a single workflow's DAG to completion: it
// computes the ready set of steps whose dependencies are satisfied,
// fans them out in parallel, retries individual step failures, and
// propagates a failure to every step that transitively depends on it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sourcegraph/conc"

	"github.com/relayhq/orchestrator/pkg/config"
	"github.com/relayhq/orchestrator/pkg/coordinator"
	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
	"github.com/relayhq/orchestrator/pkg/invoker"
	"github.com/relayhq/orchestrator/pkg/template"
	"github.com/relayhq/orchestrator/pkg/trajectory"
	"github.com/relayhq/orchestrator/pkg/verify"
)

// Notifier posts fire-and-forget run progress. Only the method shape
// matters: *notifier.Notifier satisfies this without importing it here.
type Notifier interface {
	Post(ctx context.Context, runID, text string) error
}

// Invoker is the subset of *invoker.Invoker the engine calls. Declared
// locally so engine tests can supply a fake.
type Invoker interface {
	Invoke(ctx context.Context, req invoker.StepRequest) (string, error)
}

// Engine executes one workflow's step graph for one run.
type Engine struct {
	cfg      *config.RelayConfig
	coord    *coordinator.Coordinator
	recorder *trajectory.Recorder
	invoker  Invoker
	interp   *template.Interpolator
	verifier *verify.ExprEvaluator
	notifier Notifier
	logger   *slog.Logger

	workerLogsDir  string
	stepOutputsDir string

	mu      sync.Mutex
	pauseCh chan struct{}
	aborted atomic.Bool
	reason  atomic.Value
}

// Deps bundles the collaborators an Engine needs. Recorder, Notifier,
// and Verifier may be nil (trajectories/notifications are optional;
// a nil verifier is replaced by a default verify.ExprEvaluator).
type Deps struct {
	Config         *config.RelayConfig
	Coordinator    *coordinator.Coordinator
	Recorder       *trajectory.Recorder
	Invoker        Invoker
	Interpolator   *template.Interpolator
	Verifier       *verify.ExprEvaluator
	Notifier       Notifier
	Logger         *slog.Logger
	WorkerLogsDir  string
	StepOutputsDir string
}

// New creates an Engine from its collaborators.
func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verifier := d.Verifier
	if verifier == nil {
		verifier = verify.NewExprEvaluator()
	}
	return &Engine{
		cfg: d.Config, coord: d.Coordinator, recorder: d.Recorder, invoker: d.Invoker,
		interp: d.Interpolator, verifier: verifier, notifier: d.Notifier, logger: logger,
		workerLogsDir: d.WorkerLogsDir, stepOutputsDir: d.StepOutputsDir,
	}
}

// Pause suspends the run before its next ready-set dispatch. Steps
// already in flight are not interrupted.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauseCh == nil {
		e.pauseCh = make(chan struct{})
	}
}

// Unpause resumes a paused run.
func (e *Engine) Unpause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauseCh != nil {
		close(e.pauseCh)
		e.pauseCh = nil
	}
}

// Abort signals the run to stop at its next check point and unblocks
// a paused run so it can observe the abort.
func (e *Engine) Abort(reason string) {
	e.reason.Store(reason)
	e.aborted.Store(true)
	e.Unpause()
}

func (e *Engine) isAborted() bool { return e.aborted.Load() }

func (e *Engine) abortErr(runID string) error {
	reason, _ := e.reason.Load().(string)
	return &relayerrors.AbortedError{RunID: runID, Reason: reason}
}

func (e *Engine) waitWhilePaused(ctx context.Context) error {
	for {
		e.mu.Lock()
		ch := e.pauseCh
		e.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type stepOutcome struct {
	name         string
	output       string
	err          error
	firstAttempt bool
	verified     bool
}

// Run executes wf to completion (or to the first fail-fast error, or
// to abort). vars seeds the load-time interpolation pass over every
// step's task. Returns the first step error under fail-fast, or nil if
// every reachable step ran to completion or was deliberately skipped.
func (e *Engine) Run(ctx context.Context, wf *config.WorkflowDefinition, runID string, vars map[string]interface{}) error {
	strategy := e.cfg.ResolvedStrategy(wf)

	dependents := make(map[string][]string)
	for i := range wf.Steps {
		s := &wf.Steps[i]
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	stepTasks := make(map[string]string, len(wf.Steps))
	for _, s := range wf.Steps {
		resolved, err := e.interp.InterpolateLoadTime(s.Task, vars, fmt.Sprintf("step %s task", s.Name))
		if err != nil {
			return err
		}
		stepTasks[s.Name] = resolved
		if err := e.coord.CreateStep(ctx, runID, s.Name, s.Agent); err != nil {
			return err
		}
	}

	nonInteractiveHandles := make(map[string]string)
	for _, s := range wf.Steps {
		agentDef := e.cfg.AgentByName(s.Agent)
		if agentDef == nil || agentDef.IsInteractive() {
			continue
		}
		if _, seen := nonInteractiveHandles[agentDef.Name]; !seen {
			nonInteractiveHandles[agentDef.Name] = fmt.Sprintf("{{steps.%s.output}}", s.Name)
		}
	}

	var mu sync.Mutex
	status := make(map[string]string, len(wf.Steps))
	outputs := make(map[string]string, len(wf.Steps))
	for _, s := range wf.Steps {
		status[s.Name] = "pending"
	}

	hadFailure := false

	for {
		if e.isAborted() {
			return e.abortErr(runID)
		}
		if err := e.waitWhilePaused(ctx); err != nil {
			return err
		}

		mu.Lock()
		ready := readySteps(wf.Steps, status)
		mu.Unlock()
		if len(ready) == 0 {
			break
		}

		reflectConverge := len(ready) > 1 && e.recorder != nil && e.cfg.Trajectories != nil &&
			e.cfg.Trajectories.ReflectOnConverge != nil && *e.cfg.Trajectories.ReflectOnConverge
		if reflectConverge {
			names := make([]string, len(ready))
			for i, s := range ready {
				names[i] = s.Name
			}
			e.recorder.BeginTrack(names)
		}

		mu.Lock()
		for _, s := range ready {
			status[s.Name] = "running"
		}
		mu.Unlock()

		results := make([]stepOutcome, len(ready))
		var wg conc.WaitGroup
		for i, s := range ready {
			i, s := i, s
			wg.Go(func() {
				results[i] = e.runStepSafely(ctx, runID, s, stepTasks, nonInteractiveHandles, &mu, outputs)
			})
		}
		wg.Wait()

		var firstErr error
		unblocked := make([]string, 0, len(ready))
		for _, r := range results {
			mu.Lock()
			if r.err != nil {
				status[r.name] = "failed"
				hadFailure = true
				if firstErr == nil {
					firstErr = r.err
				}
			} else {
				status[r.name] = "completed"
				outputs[r.name] = r.output
				unblocked = append(unblocked, dependents[r.name]...)
			}
			mu.Unlock()
		}

		if firstErr != nil {
			for _, r := range results {
				if r.err != nil {
					e.markDownstreamSkipped(ctx, runID, r.name, dependents, status, &mu)
				}
			}
			if strategy == config.StrategyFailFast {
				return firstErr
			}
		}

		if reflectConverge {
			names := make([]string, len(ready))
			for i, s := range ready {
				names[i] = s.Name
			}
			outcomes := make([]trajectory.Outcome, len(results))
			for i, r := range results {
				outcomes[i] = trajectory.Outcome{
					Completed:      r.err == nil,
					FirstAttempt:   r.err == nil && r.firstAttempt,
					VerifiedPassed: r.err == nil && r.verified,
				}
			}
			e.recorder.SynthesizeAndReflect(names, unblocked, outcomes)
		}
	}

	if hadFailure {
		return fmt.Errorf("workflow %s: one or more steps failed", wf.Name)
	}
	return nil
}

// runStepSafely wraps runStep with a panic recovery so a panicking
// step invocation surfaces as that step's failure instead of crashing
// the whole run.
func (e *Engine) runStepSafely(ctx context.Context, runID string, s config.WorkflowStep,
	stepTasks map[string]string, nonInteractiveHandles map[string]string, mu *sync.Mutex, outputs map[string]string) (outcome stepOutcome) {
	outcome.name = s.Name
	defer func() {
		if r := recover(); r != nil {
			outcome.err = fmt.Errorf("step %s panicked: %v", s.Name, r)
		}
	}()
	outcome.output, outcome.err, outcome.firstAttempt, outcome.verified = e.executeStep(ctx, runID, s, stepTasks[s.Name], nonInteractiveHandles, mu, outputs)
	return outcome
}

func readySteps(steps []config.WorkflowStep, status map[string]string) []config.WorkflowStep {
	var ready []config.WorkflowStep
	for _, s := range steps {
		if status[s.Name] != "pending" {
			continue
		}
		allDone := true
		for _, dep := range s.DependsOn {
			if status[dep] != "completed" {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, s)
		}
	}
	return ready
}

// markDownstreamSkipped BFS-walks the dependency graph from failedStep,
// marking every transitively-dependent pending step as skipped.
func (e *Engine) markDownstreamSkipped(ctx context.Context, runID, failedStep string, dependents map[string][]string, status map[string]string, mu *sync.Mutex) {
	queue := append([]string{}, dependents[failedStep]...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		mu.Lock()
		shouldSkip := status[name] == "pending"
		if shouldSkip {
			status[name] = "skipped"
		}
		mu.Unlock()

		if !shouldSkip {
			continue
		}
		if err := e.coord.SkipStep(ctx, runID, name, failedStep); err != nil {
			e.logger.Warn("failed to persist step skip", "run_id", runID, "step", name, "err", err)
		}
		if e.recorder != nil {
			e.recorder.StepSkipped(name, failedStep)
		}
		queue = append(queue, dependents[name]...)
	}
}

// executeStep performs the retry loop for a single step.
func (e *Engine) executeStep(ctx context.Context, runID string, step config.WorkflowStep, task string, nonInteractiveHandles map[string]string, mu *sync.Mutex, outputs map[string]string) (string, error, bool, bool) {
	agentDef := e.cfg.AgentByName(step.Agent)
	maxRetries := e.cfg.ResolvedMaxRetries(&step, agentDef)
	timeoutMs := e.cfg.ResolvedTimeoutMs(&step, agentDef)
	retryDelay := time.Duration(e.cfg.ResolvedRetryDelayMs()) * time.Millisecond

	if err := e.coord.StartStep(ctx, runID, step.Name); err != nil {
		return "", err, false, false
	}
	if e.recorder != nil && agentDef != nil {
		e.recorder.StepStarted(step.Name, agentDef.Name)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if e.isAborted() {
			return "", e.abortErr(runID), false, false
		}
		if attempt > 0 {
			reason := ""
			if lastErr != nil {
				reason = lastErr.Error()
			}
			if err := e.coord.RetryStep(ctx, runID, step.Name, attempt); err != nil {
				return "", err, false, false
			}
			if e.recorder != nil {
				e.recorder.StepRetrying(step.Name, attempt, reason)
			}
			if retryDelay > 0 {
				select {
				case <-time.After(retryDelay):
				case <-ctx.Done():
					return "", ctx.Err(), false, false
				}
			}
		}

		mu.Lock()
		snapshot := make(map[string]string, len(outputs))
		for k, v := range outputs {
			snapshot[k] = v
		}
		mu.Unlock()
		resolvedTask := e.interp.InterpolateStepTask(task, snapshot)

		var siblings map[string]string
		if agentDef == nil || agentDef.IsInteractive() {
			siblings = nonInteractiveHandles
		}

		output, err := e.invoker.Invoke(ctx, invoker.StepRequest{
			RunID: runID, StepName: step.Name, Task: resolvedTask, TimeoutMs: timeoutMs,
			WorkerLogsDir: e.workerLogsDir, SummaryDir: e.stepOutputsDir,
			NonInteractiveSiblings: siblings,
			AgentDef:               derefAgent(agentDef),
		})
		verified := false
		if err == nil {
			if step.Verification != nil {
				err = e.runVerification(*step.Verification, output, step.Name)
				verified = err == nil
			} else {
				verified = true
			}
		}
		if err == nil {
			e.persistOutput(step.Name, output)
			if cerr := e.coord.CompleteStep(ctx, runID, step.Name, output); cerr != nil {
				return "", cerr, false, false
			}
			if e.recorder != nil {
				e.recorder.StepCompleted(step.Name, output)
			}
			if e.notifier != nil {
				go e.notifier.Post(context.WithoutCancel(ctx), runID, fmt.Sprintf("Step %s completed", step.Name))
			}
			return output, nil, attempt == 0, verified
		}
		lastErr = err
	}

	if e.recorder != nil {
		e.recorder.StepFailed(step.Name, lastErr.Error())
	}
	if err := e.coord.FailStep(ctx, runID, step.Name, lastErr.Error()); err != nil {
		return "", err, false, false
	}
	if e.notifier != nil {
		go e.notifier.Post(context.WithoutCancel(ctx), runID, fmt.Sprintf("Step %s failed: %s", step.Name, lastErr.Error()))
	}
	return "", lastErr, false, false
}

func derefAgent(a *config.AgentDefinition) config.AgentDefinition {
	if a == nil {
		return config.AgentDefinition{}
	}
	return *a
}

func (e *Engine) persistOutput(stepName, output string) {
	if e.stepOutputsDir == "" {
		return
	}
	path := filepath.Join(e.stepOutputsDir, stepName+".md")
	if err := os.WriteFile(path, []byte(output), 0600); err != nil {
		e.logger.Warn("failed to persist step output", "step", stepName, "err", err)
	}
}

// runVerification dispatches a step's post-condition check.
func (e *Engine) runVerification(check config.VerificationCheck, output, stepName string) error {
	switch check.Type {
	case config.VerifyOutputContains:
		if !strings.Contains(output, check.Value) {
			return &relayerrors.VerificationError{StepName: stepName, CheckType: string(check.Type), Reason: "output does not contain expected substring"}
		}
		return nil
	case config.VerifyFileExists:
		return e.verifyFileExists(check.Value, stepName)
	case config.VerifyExitCode:
		return nil
	case config.VerifyCustom:
		ok, err := e.verifier.Evaluate(check.Value, map[string]interface{}{
			"output": output, "stepName": stepName, "exitCode": 0,
		})
		if err != nil {
			return &relayerrors.VerificationError{StepName: stepName, CheckType: string(check.Type), Reason: err.Error()}
		}
		if !ok {
			return &relayerrors.VerificationError{StepName: stepName, CheckType: string(check.Type), Reason: "expression evaluated false"}
		}
		return nil
	default:
		return nil
	}
}

func (e *Engine) verifyFileExists(pattern, stepName string) error {
	if strings.ContainsAny(pattern, "*?[") {
		matches, err := doublestar.Glob(os.DirFS("."), pattern)
		if err != nil || len(matches) == 0 {
			return &relayerrors.VerificationError{StepName: stepName, CheckType: "file_exists", Reason: fmt.Sprintf("no file matched %q", pattern)}
		}
		return nil
	}
	if _, err := os.Stat(pattern); err != nil {
		return &relayerrors.VerificationError{StepName: stepName, CheckType: "file_exists", Reason: fmt.Sprintf("%q does not exist", pattern)}
	}
	return nil
}
