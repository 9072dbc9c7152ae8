// Package topology picks a swarm communication pattern and computes the
// concrete agent-to-agents edge map (topology) for it.
package topology

import (
	"strconv"
	"strings"

	"github.com/relayhq/orchestrator/pkg/config"
)

// Pattern is one of the swarm communication pattern labels.
type Pattern string

const (
	PatternFanOut         Pattern = "fan-out"
	PatternPipeline       Pattern = "pipeline"
	PatternHubSpoke       Pattern = "hub-spoke"
	PatternConsensus      Pattern = "consensus"
	PatternMesh           Pattern = "mesh"
	PatternHandoff        Pattern = "handoff"
	PatternCascade        Pattern = "cascade"
	PatternDAG            Pattern = "dag"
	PatternDebate         Pattern = "debate"
	PatternHierarchical   Pattern = "hierarchical"
	PatternMapReduce      Pattern = "map-reduce"
	PatternScatterGather  Pattern = "scatter-gather"
	PatternSupervisor     Pattern = "supervisor"
	PatternReflection     Pattern = "reflection"
	PatternRedTeam        Pattern = "red-team"
	PatternVerifier       Pattern = "verifier"
	PatternAuction        Pattern = "auction"
	PatternEscalation     Pattern = "escalation"
	PatternSaga           Pattern = "saga"
	PatternCircuitBreaker Pattern = "circuit-breaker"
	PatternBlackboard     Pattern = "blackboard"
	PatternSwarm          Pattern = "swarm"
)

// SelectPattern returns the config's declared swarm.pattern if set,
// otherwise the first match of the priority-ordered heuristic list
// in SPEC_FULL §4.3.
func SelectPattern(cfg *config.RelayConfig) Pattern {
	if cfg.Swarm.Pattern != "" {
		return Pattern(cfg.Swarm.Pattern)
	}
	return heuristicPattern(cfg)
}

func heuristicPattern(cfg *config.RelayConfig) Pattern {
	roles := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		roles = append(roles, strings.ToLower(a.Role))
	}
	hasRole := func(want string) bool {
		for _, r := range roles {
			if r == want {
				return true
			}
		}
		return false
	}
	hasRolePrefix := func(prefix string) bool {
		for _, r := range roles {
			if strings.HasPrefix(r, prefix) {
				return true
			}
		}
		return false
	}

	if anyStepHasDependsOn(cfg) {
		return PatternDAG
	}
	if cfg.Coordination != nil && cfg.Coordination.ConsensusStrategy != "" {
		return PatternConsensus
	}
	if hasRole("mapper") && hasRole("reducer") {
		return PatternMapReduce
	}
	if (hasRole("attacker") || hasRole("red-team")) && hasRole("defender") {
		return PatternRedTeam
	}
	if hasRole("critic") {
		return PatternReflection
	}
	if hasRolePrefix("tier-") {
		return PatternEscalation
	}
	if hasRole("auctioneer") {
		return PatternAuction
	}
	if hasRole("saga-orchestrator") || hasRole("compensate-handler") {
		return PatternSaga
	}
	if hasRole("fallback") || hasRole("backup") || hasRole("primary") {
		return PatternCircuitBreaker
	}
	if hasRole("blackboard") || hasRole("shared-workspace") {
		return PatternBlackboard
	}
	if hasRole("hive-mind") || hasRole("swarm-agent") {
		return PatternSwarm
	}
	if hasRole("verifier") {
		return PatternVerifier
	}
	if hasRole("supervisor") {
		return PatternSupervisor
	}
	if len(cfg.Agents) > 3 && hasRole("lead") {
		return PatternHierarchical
	}
	if hasRole("hub") || hasRole("coordinator") {
		return PatternHubSpoke
	}
	if firstWorkflowIsLinearPipeline(cfg) {
		return PatternPipeline
	}
	return PatternFanOut
}

func anyStepHasDependsOn(cfg *config.RelayConfig) bool {
	for _, wf := range cfg.Workflows {
		for _, step := range wf.Steps {
			if len(step.DependsOn) > 0 {
				return true
			}
		}
	}
	return false
}

// firstWorkflowIsLinearPipeline reports whether the first workflow's
// steps reference more than two agents, all distinct.
func firstWorkflowIsLinearPipeline(cfg *config.RelayConfig) bool {
	if len(cfg.Workflows) == 0 {
		return false
	}
	wf := cfg.Workflows[0]
	seen := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		if seen[step.Agent] {
			return false
		}
		seen[step.Agent] = true
	}
	return len(seen) > 2
}

// tierNumber parses the numeric suffix of a "tier-<n>" role, returning
// a very large number (sorts last) if unparseable.
func tierNumber(role string) int {
	const sentinel = 1 << 30
	if !strings.HasPrefix(strings.ToLower(role), "tier-") {
		return sentinel
	}
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(role), "tier-"))
	if err != nil {
		return sentinel
	}
	return n
}
