// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package run implements "relay run": load a config, resolve its
// topology, and drive one workflow's DAG to completion.
package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relayhq/orchestrator/internal/cli"
	"github.com/relayhq/orchestrator/internal/cli/format"
	relaylog "github.com/relayhq/orchestrator/internal/log"
	"github.com/relayhq/orchestrator/internal/metrics"
	"github.com/relayhq/orchestrator/pkg/config"
	"github.com/relayhq/orchestrator/pkg/coordinator"
	"github.com/relayhq/orchestrator/pkg/credentials"
	"github.com/relayhq/orchestrator/pkg/engine"
	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
	"github.com/relayhq/orchestrator/pkg/invoker"
	"github.com/relayhq/orchestrator/pkg/notifier"
	"github.com/relayhq/orchestrator/pkg/registry"
	"github.com/relayhq/orchestrator/pkg/state"
	"github.com/relayhq/orchestrator/pkg/template"
	"github.com/relayhq/orchestrator/pkg/topology"
	"github.com/relayhq/orchestrator/pkg/trajectory"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var workflowName string

	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Run a workflow to completion",
		Long: `Run loads a relay config, resolves the swarm communication topology
for its agent fleet, and executes one workflow's step graph: steps with
satisfied dependencies run in parallel, a failed step retries per its
resolved policy, and a fail-fast failure skips every step that
transitively depends on it.`,
		Example: `  relay run relay.yaml
  relay run relay.yaml --workflow deploy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], workflowName)
		},
	}
	cmd.Flags().StringVarP(&workflowName, "workflow", "w", "", "Workflow to run (default: the config's only workflow)")
	return cmd
}

func run(cmd *cobra.Command, path, workflowName string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitInvalidWorkflow, Message: "failed to load config", Cause: err}
	}

	wf, err := resolveWorkflow(cfg, workflowName)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitInvalidWorkflow, Message: err.Error()}
	}

	dataDir, err := config.DataDir()
	if err != nil {
		return &cli.ExitError{Code: cli.ExitConfigError, Message: "failed to resolve data directory", Cause: err}
	}

	logger := relaylog.New(relaylog.DefaultConfig())

	prov := credentials.New(dataDir, apiKeyFormatValidator{}, nil)
	if _, err := prov.Resolve(context.Background(), wf.Name); err != nil {
		var credErr *relayerrors.CredentialError
		if !errors.As(err, &credErr) {
			credErr = &relayerrors.CredentialError{Source: "unknown", Reason: err.Error(), Cause: err}
		}
		return &cli.ExitError{Code: cli.ExitConfigError, Message: "failed to provision workspace credentials", Cause: credErr}
	}

	runID := uuid.NewString()

	workerLogsDir, err := config.WorkerLogsDir(dataDir)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitConfigError, Message: "failed to prepare worker-logs directory", Cause: err}
	}
	stepOutputsDir, err := config.StepOutputsDir(dataDir, runID)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitConfigError, Message: "failed to prepare step-outputs directory", Cause: err}
	}

	store, err := newStateStore(cfg, dataDir)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitConfigError, Message: "failed to open state store", Cause: err}
	}

	isTTY := format.IsTTY()
	sink := coordinator.Sink(func(e coordinator.Event) {
		if e.Type == coordinator.EventStepStarted {
			cmd.Println(format.StepLine(e.StepName, "started", isTTY, 0))
		}
	})
	coord := coordinator.New(store, metrics.Chain(sink, metrics.Sink()))

	if _, err := coord.CreateRun(context.Background(), runID, wf.Name, path); err != nil {
		return &cli.ExitError{Code: cli.ExitExecutionFailed, Message: "failed to create run record", Cause: err}
	}
	if err := coord.StartRun(context.Background(), runID); err != nil {
		return &cli.ExitError{Code: cli.ExitExecutionFailed, Message: "failed to start run", Cause: err}
	}

	var recorder *trajectory.Recorder
	if cfg.Trajectories == nil || cfg.Trajectories.Enabled == nil || *cfg.Trajectories.Enabled {
		trajDir, terr := config.TrajectoryDir(dataDir)
		if terr == nil {
			recorder = trajectory.NewRecorder(trajDir, runID, wf.Name, path, agentNames(wf), logger)
		}
	}

	teamDir, err := config.TeamDir(dataDir)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitConfigError, Message: "failed to prepare team directory", Cause: err}
	}
	reg := registry.New(filepath.Join(teamDir, "workers.json"), logger)
	defer reg.Close()

	// The PTY broker and channel-messaging client are the hosted
	// agent-relay service's implementation and are not provisioned by
	// this CLI; non-interactive agents (the common case) invoke fine
	// without one. Running an interactive agent here requires a real
	// broker.Broker to be wired in its place.
	inv := invoker.New(nil, nil, reg, logger)

	var notif *notifier.Notifier
	if cfg.ErrorHandling != nil && cfg.ErrorHandling.NotifyChannel != "" {
		notif = notifier.New(nil, cfg.ErrorHandling.NotifyChannel, logger)
	}

	pattern := topology.SelectPattern(cfg)
	topo := topology.Build(cfg, pattern)
	logger.Info("resolved swarm topology", "pattern", topo.Pattern, "agents", len(topo.Agents))

	eng := engine.New(engine.Deps{
		Config: cfg, Coordinator: coord, Recorder: recorder, Invoker: inv,
		Interpolator: template.New(nil), Notifier: notif, Logger: logger,
		WorkerLogsDir: workerLogsDir, StepOutputsDir: stepOutputsDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		eng.Abort("received interrupt")
	}()

	runErr := eng.Run(ctx, wf, runID, map[string]interface{}{"env": envMap()})

	steps, _ := store.GetStepsByRunID(context.Background(), runID)
	cmd.Println(format.Heading("\nCompletion report", isTTY))
	for _, s := range steps {
		cmd.Println(format.StepLine(s.Name, string(s.Status), isTTY, s.Attempt))
	}

	if runErr != nil {
		if isAbortedRun(runErr) {
			_ = coord.CancelRun(context.Background(), runID, "Cancelled by user")
			if recorder != nil {
				recorder.Abandon(runErr.Error())
			}
			return &cli.ExitError{Code: cli.ExitExecutionFailed, Message: "workflow run cancelled", Cause: runErr}
		}
		_ = coord.FailRun(context.Background(), runID, runErr.Error())
		if recorder != nil {
			recorder.Abandon(runErr.Error())
		}
		return &cli.ExitError{Code: cli.ExitExecutionFailed, Message: "workflow run failed", Cause: runErr}
	}

	_ = coord.CompleteRun(context.Background(), runID)
	if recorder != nil {
		recorder.Complete("run completed", 1.0, nil)
	}
	return nil
}

// isAbortedRun reports whether runErr originated from Engine.Abort
// rather than a step failure, so the run's terminal state is
// cancelled, not failed.
func isAbortedRun(runErr error) bool {
	var abortErr *relayerrors.AbortedError
	return errors.As(runErr, &abortErr)
}

// apiKeyFormatValidator is a lightweight, local stand-in for the
// authenticated workspace-API check credentials.Validator documents:
// the hosted workspace API itself is out of scope here (the same
// hosted-service boundary pkg/broker's interfaces sit behind), but
// unlike the broker, credentials.Provisioner.Resolve dereferences its
// Validator unconditionally, so a nil one would panic rather than
// degrade gracefully. This validator only rejects the empty and
// obviously-truncated case, so every resolution tier still runs for
// real and a misconfigured RELAY_API_KEY is still caught.
type apiKeyFormatValidator struct{}

func (apiKeyFormatValidator) Validate(ctx context.Context, apiKey string) error {
	if len(apiKey) < 8 {
		return fmt.Errorf("api key is too short to be valid")
	}
	return nil
}

func resolveWorkflow(cfg *config.RelayConfig, name string) (*config.WorkflowDefinition, error) {
	if name != "" {
		wf := cfg.WorkflowByName(name)
		if wf == nil {
			return nil, fmt.Errorf("workflow %q not found in config", name)
		}
		return wf, nil
	}
	switch len(cfg.Workflows) {
	case 0:
		return nil, fmt.Errorf("config defines no workflows")
	case 1:
		return &cfg.Workflows[0], nil
	default:
		return nil, fmt.Errorf("config defines %d workflows; pass --workflow to choose one", len(cfg.Workflows))
	}
}

func newStateStore(cfg *config.RelayConfig, dataDir string) (state.StateStore, error) {
	if cfg.State != nil && cfg.State.Backend == "sqlite" {
		return state.NewSQLStore(filepath.Join(dataDir, "state.db"))
	}
	return state.NewMemStore(), nil
}

func agentNames(wf *config.WorkflowDefinition) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range wf.Steps {
		if !seen[s.Agent] {
			seen[s.Agent] = true
			names = append(names, s.Agent)
		}
	}
	return names
}

func envMap() map[string]interface{} {
	out := make(map[string]interface{})
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
