package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
)

// Load reads and validates a relay configuration file from disk.
func Load(path string) (*RelayConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &relayerrors.ConfigError{Path: path, Reason: "cannot open config file", Cause: err}
	}
	defer f.Close()

	cfg, err := LoadReader(f)
	if err != nil {
		if ce, ok := err.(*relayerrors.ConfigError); ok && ce.Path == "" {
			ce.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// LoadReader parses and validates a relay configuration from an arbitrary
// reader (a file, an embedded asset, a test fixture).
func LoadReader(r io.Reader) (*RelayConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &relayerrors.ConfigError{Reason: "cannot read config", Cause: err}
	}

	// Decode into an untyped tree first so YAML syntax errors are reported
	// as "invalid YAML"; shape mismatches surface from the typed decode.
	var tree yaml.Node
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, &relayerrors.ConfigError{Reason: "invalid YAML", Cause: err}
	}

	var cfg RelayConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &relayerrors.ConfigError{Reason: "invalid YAML shape", Cause: err}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate runs every C1 assertion named in SPEC_FULL §4.1 against a
// decoded config, returning the first failure as a ConfigError.
func validate(cfg *RelayConfig) error {
	if cfg.Version == "" {
		return &relayerrors.ConfigError{Reason: "version is required"}
	}
	if cfg.Name == "" {
		return &relayerrors.ConfigError{Reason: "name is required"}
	}
	if cfg.Swarm.Pattern == "" {
		return &relayerrors.ConfigError{Reason: "swarm.pattern is required"}
	}
	if len(cfg.Agents) == 0 {
		return &relayerrors.ConfigError{Reason: "agents must be a non-empty sequence"}
	}

	seenAgents := make(map[string]bool, len(cfg.Agents))
	for i, agent := range cfg.Agents {
		if agent.Name == "" {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("agents[%d].name is required", i)}
		}
		if agent.Cli == "" {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("agents[%d].cli is required", i)}
		}
		if !knownClis[agent.Cli] {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("agents[%d].cli %q is not a known CLI", i, agent.Cli)}
		}
		if seenAgents[agent.Name] {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("duplicate agent name %q", agent.Name)}
		}
		seenAgents[agent.Name] = true
	}

	for _, wf := range cfg.Workflows {
		if err := validateWorkflow(&wf, seenAgents); err != nil {
			return err
		}
	}

	return nil
}

func validateWorkflow(wf *WorkflowDefinition, agents map[string]bool) error {
	if wf.Name == "" {
		return &relayerrors.ConfigError{Reason: "workflow name is required"}
	}
	if len(wf.Steps) == 0 {
		return &relayerrors.ConfigError{Reason: fmt.Sprintf("workflow %q must have at least one step", wf.Name)}
	}

	seenSteps := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		if step.Name == "" {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("workflow %q has a step with no name", wf.Name)}
		}
		if step.Agent == "" {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("step %q in workflow %q requires an agent", step.Name, wf.Name)}
		}
		if step.Task == "" {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("step %q in workflow %q requires a task", step.Name, wf.Name)}
		}
		if !agents[step.Agent] {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("step %q in workflow %q references unknown agent %q", step.Name, wf.Name, step.Agent)}
		}
		if seenSteps[step.Name] {
			return &relayerrors.ConfigError{Reason: fmt.Sprintf("duplicate step name %q in workflow %q", step.Name, wf.Name)}
		}
		seenSteps[step.Name] = true
	}

	for _, step := range wf.Steps {
		for _, dep := range step.DependsOn {
			if !seenSteps[dep] {
				return &relayerrors.ConfigError{Reason: fmt.Sprintf("step %q in workflow %q depends on unknown step %q", step.Name, wf.Name, dep)}
			}
		}
	}

	if cycle := detectCycle(wf); cycle != "" {
		return &relayerrors.ConfigError{Reason: fmt.Sprintf("workflow %q has a dependency cycle involving step %q", wf.Name, cycle)}
	}

	return nil
}

// detectCycle runs a DFS with in-stack marking over the dependsOn graph,
// returning the name of the first step found to be part of a cycle, or
// "" if the graph is acyclic.
func detectCycle(wf *WorkflowDefinition) string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(wf.Steps))

	var visit func(name string) string
	visit = func(name string) string {
		state[name] = inStack
		step := wf.StepByName(name)
		if step != nil {
			for _, dep := range step.DependsOn {
				switch state[dep] {
				case inStack:
					return dep
				case unvisited:
					if found := visit(dep); found != "" {
						return found
					}
				}
			}
		}
		state[name] = done
		return ""
	}

	for _, step := range wf.Steps {
		if state[step.Name] == unvisited {
			if found := visit(step.Name); found != "" {
				return found
			}
		}
	}
	return ""
}
