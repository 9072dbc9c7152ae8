// Package config loads and validates a relay YAML configuration: the
// fleet of agents, the workflow step graphs, and the swarm/error-handling
// settings that drive a run.
package config

// AgentCli enumerates the supported agent CLI backends.
type AgentCli string

const (
	CliClaude   AgentCli = "claude"
	CliCodex    AgentCli = "codex"
	CliGemini   AgentCli = "gemini"
	CliOpencode AgentCli = "opencode"
	CliDroid    AgentCli = "droid"
	CliAider    AgentCli = "aider"
	CliGoose    AgentCli = "goose"
	CliCursor   AgentCli = "cursor"
)

var knownClis = map[AgentCli]bool{
	CliClaude: true, CliCodex: true, CliGemini: true, CliOpencode: true,
	CliDroid: true, CliAider: true, CliGoose: true, CliCursor: true,
}

// ErrorStrategy is the canonical (resolved) error-handling mode for a
// workflow. "fail", "retry" and the zero value all canonicalise to
// StrategyFailFast; "skip" canonicalises to StrategyContinue.
type ErrorStrategy string

const (
	StrategyFailFast ErrorStrategy = "fail-fast"
	StrategyContinue ErrorStrategy = "continue"
)

// CanonicalStrategy maps a user-facing strategy string (from
// errorHandling.strategy or a workflow's onError) to its canonical form.
func CanonicalStrategy(s string) ErrorStrategy {
	switch s {
	case "skip":
		return StrategyContinue
	case "fail", "retry", "":
		return StrategyFailFast
	default:
		return StrategyFailFast
	}
}

// VerificationType enumerates the supported verification check variants.
type VerificationType string

const (
	VerifyOutputContains VerificationType = "output_contains"
	VerifyExitCode       VerificationType = "exit_code"
	VerifyFileExists     VerificationType = "file_exists"
	VerifyCustom         VerificationType = "custom"
)

// VerificationCheck is a tagged post-condition attached to a workflow step.
type VerificationCheck struct {
	Type  VerificationType `yaml:"type"`
	Value string           `yaml:"value"`
}

// AgentConstraints holds optional per-agent tuning knobs.
type AgentConstraints struct {
	Model             string `yaml:"model,omitempty"`
	Retries           *int   `yaml:"retries,omitempty"`
	TimeoutMs         *int   `yaml:"timeoutMs,omitempty"`
	IdleThresholdSecs *int   `yaml:"idleThresholdSecs,omitempty"`
}

// AgentDefinition describes one member of the agent fleet.
type AgentDefinition struct {
	Name        string            `yaml:"name"`
	Cli         AgentCli          `yaml:"cli"`
	Role        string            `yaml:"role,omitempty"`
	Task        string            `yaml:"task,omitempty"`
	Channels    []string          `yaml:"channels,omitempty"`
	Constraints *AgentConstraints `yaml:"constraints,omitempty"`
	Interactive *bool             `yaml:"interactive,omitempty"`
}

// IsInteractive reports whether this agent runs in interactive PTY mode.
// Defaults to true when unset.
func (a *AgentDefinition) IsInteractive() bool {
	if a.Interactive == nil {
		return true
	}
	return *a.Interactive
}

// WorkflowStep is a single node of a workflow's dependency graph.
type WorkflowStep struct {
	Name         string             `yaml:"name"`
	Agent        string             `yaml:"agent"`
	Task         string             `yaml:"task"`
	DependsOn    []string           `yaml:"dependsOn,omitempty"`
	Verification *VerificationCheck `yaml:"verification,omitempty"`
	TimeoutMs    *int               `yaml:"timeoutMs,omitempty"`
	Retries      *int               `yaml:"retries,omitempty"`
}

// WorkflowDefinition is an ordered sequence of steps plus its own
// error-handling override.
type WorkflowDefinition struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Steps       []WorkflowStep `yaml:"steps"`
	OnError     string         `yaml:"onError,omitempty"`
}

// SwarmConfig names the communication pattern and its tuning knobs.
type SwarmConfig struct {
	Pattern        string `yaml:"pattern"`
	Channel        string `yaml:"channel,omitempty"`
	MaxConcurrency *int   `yaml:"maxConcurrency,omitempty"`
	TimeoutMs      *int   `yaml:"timeoutMs,omitempty"`
}

// CoordinationConfig tunes multi-agent coordination primitives consumed
// by the Pattern Selector (consensus detection) and the broker.
type CoordinationConfig struct {
	Barriers          []string `yaml:"barriers,omitempty"`
	VotingThreshold   *float64 `yaml:"votingThreshold,omitempty"`
	ConsensusStrategy string   `yaml:"consensusStrategy,omitempty"`
}

// StateConfig configures the State Store backend.
type StateConfig struct {
	Backend   string `yaml:"backend,omitempty"`
	TTLMs     *int   `yaml:"ttlMs,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// ErrorHandlingConfig is the run-wide default error-handling policy; a
// workflow's own OnError takes precedence when set.
type ErrorHandlingConfig struct {
	Strategy      string `yaml:"strategy,omitempty"`
	MaxRetries    *int   `yaml:"maxRetries,omitempty"`
	RetryDelayMs  *int   `yaml:"retryDelayMs,omitempty"`
	NotifyChannel string `yaml:"notifyChannel,omitempty"`
}

// TrajectoriesConfig toggles the Trajectory Recorder's behaviour.
type TrajectoriesConfig struct {
	Enabled           *bool `yaml:"enabled,omitempty"`
	ReflectOnBarriers *bool `yaml:"reflectOnBarriers,omitempty"`
	ReflectOnConverge *bool `yaml:"reflectOnConverge,omitempty"`
	AutoDecisions     *bool `yaml:"autoDecisions,omitempty"`
}

// RelayConfig is the fully parsed, validated configuration. It is
// immutable once returned by Load.
type RelayConfig struct {
	Version       string               `yaml:"version"`
	Name          string               `yaml:"name"`
	Description   string               `yaml:"description,omitempty"`
	Swarm         SwarmConfig          `yaml:"swarm"`
	Agents        []AgentDefinition    `yaml:"agents"`
	Workflows     []WorkflowDefinition `yaml:"workflows,omitempty"`
	Coordination  *CoordinationConfig  `yaml:"coordination,omitempty"`
	State         *StateConfig         `yaml:"state,omitempty"`
	ErrorHandling *ErrorHandlingConfig `yaml:"errorHandling,omitempty"`
	Trajectories  *TrajectoriesConfig  `yaml:"trajectories,omitempty"`
}

// AgentByName returns the agent definition with the given name, or nil.
func (c *RelayConfig) AgentByName(name string) *AgentDefinition {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i]
		}
	}
	return nil
}

// WorkflowByName returns the workflow with the given name, or nil.
func (c *RelayConfig) WorkflowByName(name string) *WorkflowDefinition {
	for i := range c.Workflows {
		if c.Workflows[i].Name == name {
			return &c.Workflows[i]
		}
	}
	return nil
}

// StepByName returns the step with the given name within this workflow,
// or nil.
func (w *WorkflowDefinition) StepByName(name string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// ResolvedStrategy returns this workflow's canonical error strategy,
// falling back to the run-wide errorHandling.strategy and finally to
// fail-fast.
func (c *RelayConfig) ResolvedStrategy(w *WorkflowDefinition) ErrorStrategy {
	if w.OnError != "" {
		return CanonicalStrategy(w.OnError)
	}
	if c.ErrorHandling != nil && c.ErrorHandling.Strategy != "" {
		return CanonicalStrategy(c.ErrorHandling.Strategy)
	}
	return StrategyFailFast
}

// ResolvedMaxRetries computes maxRetries for a step per the precedence
// step.retries ?? agentDef.constraints.retries ?? errorHandling.maxRetries ?? 0.
func (c *RelayConfig) ResolvedMaxRetries(step *WorkflowStep, agent *AgentDefinition) int {
	if step.Retries != nil {
		return *step.Retries
	}
	if agent != nil && agent.Constraints != nil && agent.Constraints.Retries != nil {
		return *agent.Constraints.Retries
	}
	if c.ErrorHandling != nil && c.ErrorHandling.MaxRetries != nil {
		return *c.ErrorHandling.MaxRetries
	}
	return 0
}

// ResolvedTimeoutMs computes a step's timeout per the precedence
// step.timeoutMs ?? agentDef.constraints.timeoutMs ?? swarm.timeoutMs ?? a hard default.
func (c *RelayConfig) ResolvedTimeoutMs(step *WorkflowStep, agent *AgentDefinition) int {
	const defaultTimeoutMs = 300_000
	if step.TimeoutMs != nil {
		return *step.TimeoutMs
	}
	if agent != nil && agent.Constraints != nil && agent.Constraints.TimeoutMs != nil {
		return *agent.Constraints.TimeoutMs
	}
	if c.Swarm.TimeoutMs != nil {
		return *c.Swarm.TimeoutMs
	}
	return defaultTimeoutMs
}

// ResolvedRetryDelayMs returns the run-wide retry delay, defaulting to 0.
func (c *RelayConfig) ResolvedRetryDelayMs() int {
	if c.ErrorHandling != nil && c.ErrorHandling.RetryDelayMs != nil {
		return *c.ErrorHandling.RetryDelayMs
	}
	return 0
}
