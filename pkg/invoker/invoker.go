// Package invoker runs a single workflow step's agent, in one of two
// modes selected by the agent definition's interactive flag: an
// interactive PTY session with a self-termination protocol, or a
// one-shot non-interactive subprocess. Both modes register the spawned
// worker in the worker registry for the duration of the call and log
// raw output to the worker-logs directory.
package invoker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"

	"github.com/relayhq/orchestrator/pkg/broker"
	"github.com/relayhq/orchestrator/pkg/config"
	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
	"github.com/relayhq/orchestrator/pkg/registry"
)

const (
	exitToken      = "/exit"
	maxStderrChars = 500
	killGrace      = 5 * time.Second
)

// StepRequest describes one step invocation.
type StepRequest struct {
	RunID             string
	StepName          string
	AgentDef          config.AgentDefinition
	Task              string
	TimeoutMs         int
	WorkerLogsDir     string
	SummaryDir        string
	NonInteractiveSiblings map[string]string // agent name -> steps.X.output handle, for the awareness note
}

// Invoker runs agent steps against a broker (for PTY mode) and the
// plain OS process table (for subprocess mode).
type Invoker struct {
	Broker   broker.Broker
	Messaging broker.Messaging
	Registry *registry.Registry
	Logger   *slog.Logger
}

// New creates an Invoker. broker and messaging may be nil if the
// config never selects an interactive agent.
func New(b broker.Broker, m broker.Messaging, reg *registry.Registry, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{Broker: b, Messaging: m, Registry: reg, Logger: logger}
}

// Invoke dispatches to interactive or non-interactive mode per
// req.AgentDef.IsInteractive, and returns the captured step output.
func (inv *Invoker) Invoke(ctx context.Context, req StepRequest) (string, error) {
	if req.AgentDef.IsInteractive() {
		return inv.invokeInteractive(ctx, req)
	}
	return inv.invokeSubprocess(ctx, req)
}

func (inv *Invoker) logPath(workerLogsDir, name string) string {
	return filepath.Join(workerLogsDir, name+".log")
}

func (inv *Invoker) register(name string, w registry.Worker) {
	if inv.Registry == nil {
		return
	}
	inv.Registry.Register(w)
}

func (inv *Invoker) unregister(name string) {
	if inv.Registry == nil {
		return
	}
	inv.Registry.Unregister(name)
}

// ---- interactive PTY mode ----

func (inv *Invoker) invokeInteractive(ctx context.Context, req StepRequest) (string, error) {
	name := fmt.Sprintf("%s-%s", req.StepName, uuid.NewString()[:8])
	task := req.Task + "\n\nWhen you are completely done, print the literal token " + exitToken + " on a line by itself."
	if note := nonInteractiveAwarenessNote(req.NonInteractiveSiblings); note != "" {
		task += "\n\n" + note
	}

	logPath := inv.logPath(req.WorkerLogsDir, name)
	logFile, ferr := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if ferr == nil {
		defer logFile.Close()
	}

	var mu sync.Mutex
	var buf bytes.Buffer

	onOutput := func(agentName string, chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		buf.Write([]byte(ansi.Strip(string(chunk))))
		if logFile != nil {
			logFile.Write(chunk)
		}
	}

	var model string
	var idleThresholdSecs *int
	if c := req.AgentDef.Constraints; c != nil {
		model, idleThresholdSecs = c.Model, c.IdleThresholdSecs
	}

	agent, err := inv.Broker.SpawnPty(ctx, broker.SpawnPtyRequest{
		Name:              name,
		Cli:               string(req.AgentDef.Cli),
		Args:              ptyArgs(model),
		Channels:          req.AgentDef.Channels,
		Task:              task,
		IdleThresholdSecs: derefOr(idleThresholdSecs, 120),
	}, onOutput)
	if err != nil {
		return "", &relayerrors.AgentExitError{AgentName: name, ExitCode: -1, Cause: err}
	}

	// The broker may have renamed the agent; re-key all per-agent state.
	actual := agent.Name()

	inv.register(actual, registry.Worker{
		Name: actual, Cli: string(req.AgentDef.Cli), TaskPreview: req.Task,
		SpawnedAt: time.Now(), Interactive: true, LogFile: logPath,
	})
	defer inv.unregister(actual)

	if inv.Messaging != nil {
		for _, ch := range req.AgentDef.Channels {
			_ = inv.Messaging.InviteToChannel(ctx, ch, actual)
		}
		if stop, herr := inv.Messaging.StartHeartbeat(ctx, actual); herr == nil && stop != nil {
			defer stop()
		}
	}

	outcome, err := agent.WaitForExit(ctx, req.TimeoutMs)
	if err != nil {
		agent.Release()
		return "", &relayerrors.AgentExitError{AgentName: actual, ExitCode: -1, Cause: err}
	}

	if outcome == broker.WaitTimeout {
		if fileExistsCheck(req.SummaryDir, req.StepName) {
			agent.Release()
			mu.Lock()
			out := buf.String()
			mu.Unlock()
			return finalizeOutput(out, req.SummaryDir, req.StepName), nil
		}
		agent.Release()
		return "", &relayerrors.TimeoutError{Operation: fmt.Sprintf("agent %s", actual), Duration: time.Duration(req.TimeoutMs) * time.Millisecond}
	}

	agent.Release()
	mu.Lock()
	out := buf.String()
	mu.Unlock()
	return finalizeOutput(out, req.SummaryDir, req.StepName), nil
}

func finalizeOutput(buffered string, summaryDir, stepName string) string {
	trimmed := strings.TrimSpace(strings.ReplaceAll(buffered, exitToken, ""))
	if trimmed != "" {
		return trimmed
	}
	if summaryDir != "" {
		if data, err := os.ReadFile(filepath.Join(summaryDir, stepName+".md")); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("(no output captured for step %q)", stepName)
}

func fileExistsCheck(summaryDir, stepName string) bool {
	if summaryDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(summaryDir, stepName+".md"))
	return err == nil
}

func nonInteractiveAwarenessNote(siblings map[string]string) string {
	if len(siblings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Note: the following collaborating agents run non-interactively and will not respond in chat; reference their completed work via the given handles:\n")
	for agent, handle := range siblings {
		fmt.Fprintf(&b, "- %s: %s\n", agent, handle)
	}
	return b.String()
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// ---- non-interactive subprocess mode ----

const deliverablePrologue = "Your stdout is the only deliverable: produce the complete result in a single pass, with no interactive follow-up."

func (inv *Invoker) invokeSubprocess(ctx context.Context, req StepRequest) (string, error) {
	name := fmt.Sprintf("%s-%s", req.StepName, uuid.NewString()[:8])
	task := req.Task + "\n\n" + deliverablePrologue

	model := ""
	if req.AgentDef.Constraints != nil {
		model = req.AgentDef.Constraints.Model
	}
	argv := buildArgv(req.AgentDef.Cli, task, model)

	logPath := inv.logPath(req.WorkerLogsDir, name)
	inv.register(name, registry.Worker{
		Name: name, Cli: string(req.AgentDef.Cli), TaskPreview: req.Task,
		SpawnedAt: time.Now(), Interactive: false, LogFile: logPath,
	})
	defer inv.unregister(name)

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &relayerrors.AgentExitError{AgentName: name, ExitCode: -1, Cause: err}
	}

	waitErr := waitWithGracefulKill(cmd, execCtx)

	if logFile, ferr := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); ferr == nil {
		logFile.Write(stdout.Bytes())
		logFile.Write(stderr.Bytes())
		logFile.Close()
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return "", &relayerrors.TimeoutError{Operation: fmt.Sprintf("step %s", req.StepName), Duration: timeout}
	}

	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return "", &relayerrors.AgentExitError{
			AgentName: name, ExitCode: exitCode, Stderr: truncate(stderr.String(), maxStderrChars),
		}
	}

	return stdout.String(), nil
}

// waitWithGracefulKill waits for cmd to exit. If the context deadline
// fires first, it sends SIGTERM and escalates to SIGKILL after
// killGrace if the process has not exited by then.
func waitWithGracefulKill(cmd *exec.Cmd, ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case err := <-done:
			return err
		case <-time.After(killGrace):
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			return <-done
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
