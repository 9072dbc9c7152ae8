package topology

import (
	"sort"
	"strings"

	"github.com/relayhq/orchestrator/pkg/config"
)

// Topology is the agent-to-agents edge map handed to the broker. The
// engine itself treats it as opaque beyond knowing the hub and pipeline
// order, when relevant.
type Topology struct {
	Pattern       Pattern
	Agents        []string
	Edges         map[string][]string
	Hub           string
	PipelineOrder []string
}

// Build computes the topology for the given pattern over cfg's agents
// and (for dag/pipeline) its first/relevant workflow.
func Build(cfg *config.RelayConfig, pattern Pattern) *Topology {
	names := agentNames(cfg)
	t := &Topology{
		Pattern: pattern,
		Agents:  names,
		Edges:   make(map[string][]string, len(names)),
	}

	switch pattern {
	case PatternFanOut, PatternHubSpoke, PatternHierarchical, PatternScatterGather,
		PatternSupervisor, PatternAuction, PatternSaga:
		buildStar(cfg, t)
	case PatternPipeline, PatternHandoff:
		buildPipeline(cfg, t)
	case PatternCascade, PatternCircuitBreaker:
		buildChain(t)
	case PatternMesh, PatternConsensus, PatternDebate, PatternBlackboard:
		buildMesh(t)
	case PatternDAG:
		buildDAG(cfg, t)
	case PatternMapReduce:
		buildMapReduce(cfg, t)
	case PatternReflection:
		buildReflection(cfg, t)
	case PatternRedTeam:
		buildRedTeam(cfg, t)
	case PatternVerifier:
		buildVerifier(cfg, t)
	case PatternEscalation:
		buildEscalation(cfg, t)
	case PatternSwarm:
		buildSwarm(cfg, t)
	default:
		buildStar(cfg, t)
	}

	return t
}

func agentNames(cfg *config.RelayConfig) []string {
	names := make([]string, len(cfg.Agents))
	for i, a := range cfg.Agents {
		names[i] = a.Name
	}
	return names
}

func connect(t *Topology, from, to string) {
	for _, existing := range t.Edges[from] {
		if existing == to {
			return
		}
	}
	t.Edges[from] = append(t.Edges[from], to)
}

// chooseHub returns the agent with role lead|hub|coordinator if present,
// else the first agent.
func chooseHub(cfg *config.RelayConfig) string {
	for _, a := range cfg.Agents {
		role := strings.ToLower(a.Role)
		if role == "lead" || role == "hub" || role == "coordinator" {
			return a.Name
		}
	}
	if len(cfg.Agents) > 0 {
		return cfg.Agents[0].Name
	}
	return ""
}

func buildStar(cfg *config.RelayConfig, t *Topology) {
	hub := chooseHub(cfg)
	t.Hub = hub
	for _, name := range t.Agents {
		if name == hub {
			continue
		}
		connect(t, hub, name)
		connect(t, name, hub)
	}
}

// firstWorkflowAgentOrder returns the first workflow's step agents,
// deduplicated in first-seen order.
func firstWorkflowAgentOrder(cfg *config.RelayConfig) []string {
	if len(cfg.Workflows) == 0 {
		return agentNames(cfg)
	}
	wf := cfg.Workflows[0]
	seen := make(map[string]bool, len(wf.Steps))
	order := make([]string, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		if !seen[step.Agent] {
			seen[step.Agent] = true
			order = append(order, step.Agent)
		}
	}
	return order
}

func buildPipeline(cfg *config.RelayConfig, t *Topology) {
	order := firstWorkflowAgentOrder(cfg)
	t.PipelineOrder = order
	for i := 0; i+1 < len(order); i++ {
		connect(t, order[i], order[i+1])
	}
}

// buildChain links agents in authored order (agents[], not a workflow).
func buildChain(t *Topology) {
	for i := 0; i+1 < len(t.Agents); i++ {
		connect(t, t.Agents[i], t.Agents[i+1])
	}
}

func buildMesh(t *Topology) {
	for _, a := range t.Agents {
		for _, b := range t.Agents {
			if a != b {
				connect(t, a, b)
			}
		}
	}
}

// buildDAG reconstructs edges from step dependsOn across all workflows:
// dependency's agent -> dependent step's agent.
func buildDAG(cfg *config.RelayConfig, t *Topology) {
	for _, wf := range cfg.Workflows {
		for _, step := range wf.Steps {
			for _, depName := range step.DependsOn {
				dep := wf.StepByName(depName)
				if dep == nil {
					continue
				}
				connect(t, dep.Agent, step.Agent)
			}
		}
	}
}

func rolesMatching(cfg *config.RelayConfig, match func(role string) bool) []string {
	var out []string
	for _, a := range cfg.Agents {
		if match(strings.ToLower(a.Role)) {
			out = append(out, a.Name)
		}
	}
	return out
}

func buildMapReduce(cfg *config.RelayConfig, t *Topology) {
	coordinator := chooseHub(cfg)
	t.Hub = coordinator
	mappers := rolesMatching(cfg, func(r string) bool { return r == "mapper" })
	reducers := rolesMatching(cfg, func(r string) bool { return r == "reducer" })

	isMapperOrReducer := make(map[string]bool, len(mappers)+len(reducers))
	for _, m := range mappers {
		isMapperOrReducer[m] = true
	}
	for _, r := range reducers {
		isMapperOrReducer[r] = true
	}

	for _, m := range mappers {
		connect(t, coordinator, m)
		if len(reducers) > 0 {
			for _, r := range reducers {
				connect(t, m, r)
			}
		} else {
			connect(t, m, coordinator)
		}
	}
	for _, r := range reducers {
		connect(t, r, coordinator)
	}

	for _, name := range t.Agents {
		if name == coordinator || isMapperOrReducer[name] {
			continue
		}
		connect(t, coordinator, name)
		connect(t, name, coordinator)
	}
}

func buildReflection(cfg *config.RelayConfig, t *Topology) {
	critics := rolesMatching(cfg, func(r string) bool { return r == "critic" })
	if len(critics) == 0 {
		buildMesh(t)
		return
	}
	critic := critics[0]
	for _, name := range t.Agents {
		if name == critic {
			continue
		}
		connect(t, name, critic)
		connect(t, critic, name)
	}
}

func buildRedTeam(cfg *config.RelayConfig, t *Topology) {
	attackers := rolesMatching(cfg, func(r string) bool { return r == "attacker" || r == "red-team" })
	defenders := rolesMatching(cfg, func(r string) bool { return r == "defender" })

	isCombatant := make(map[string]bool, len(attackers)+len(defenders))
	for _, a := range attackers {
		isCombatant[a] = true
	}
	for _, d := range defenders {
		isCombatant[d] = true
	}
	var judges []string
	for _, name := range t.Agents {
		if !isCombatant[name] {
			judges = append(judges, name)
		}
	}

	for _, a := range attackers {
		for _, d := range defenders {
			connect(t, a, d)
			connect(t, d, a)
		}
	}
	for _, j := range judges {
		for _, a := range attackers {
			connect(t, a, j)
			connect(t, j, a)
		}
		for _, d := range defenders {
			connect(t, d, j)
			connect(t, j, d)
		}
	}
}

func buildVerifier(cfg *config.RelayConfig, t *Topology) {
	verifiers := rolesMatching(cfg, func(r string) bool { return r == "verifier" })
	isVerifier := make(map[string]bool, len(verifiers))
	for _, v := range verifiers {
		isVerifier[v] = true
	}
	for _, producer := range t.Agents {
		if isVerifier[producer] {
			continue
		}
		for _, v := range verifiers {
			connect(t, producer, v)
			connect(t, v, producer)
		}
	}
}

func buildEscalation(cfg *config.RelayConfig, t *Topology) {
	sorted := append([]config.AgentDefinition(nil), cfg.Agents...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return tierNumber(sorted[i].Role) < tierNumber(sorted[j].Role)
	})
	for i := range sorted {
		if i > 0 {
			connect(t, sorted[i].Name, sorted[i-1].Name)
		}
		if i+1 < len(sorted) {
			connect(t, sorted[i].Name, sorted[i+1].Name)
		}
	}
}

func buildSwarm(cfg *config.RelayConfig, t *Topology) {
	n := len(t.Agents)
	for i := 0; i < n; i++ {
		if n > 1 {
			connect(t, t.Agents[i], t.Agents[(i-1+n)%n])
			connect(t, t.Agents[i], t.Agents[(i+1)%n])
		}
	}
	hiveMinds := rolesMatching(cfg, func(r string) bool { return r == "hive-mind" })
	if len(hiveMinds) == 0 {
		return
	}
	hive := hiveMinds[0]
	for _, name := range t.Agents {
		if name == hive {
			continue
		}
		connect(t, name, hive)
		connect(t, hive, name)
	}
}
