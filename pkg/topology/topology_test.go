package topology_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relayhq/orchestrator/pkg/config"
	"github.com/relayhq/orchestrator/pkg/topology"
)

func agents(roles ...string) []config.AgentDefinition {
	out := make([]config.AgentDefinition, len(roles))
	for i, r := range roles {
		out[i] = config.AgentDefinition{Name: "agent" + string(rune('a'+i)), Role: r, Cli: config.CliClaude}
	}
	return out
}

func TestSelectPattern_ExplicitWins(t *testing.T) {
	cfg := &config.RelayConfig{Swarm: config.SwarmConfig{Pattern: "mesh"}}
	assert.Equal(t, topology.PatternMesh, topology.SelectPattern(cfg))
}

func TestSelectPattern_DependsOnImpliesDAG(t *testing.T) {
	cfg := &config.RelayConfig{
		Agents: agents("", ""),
		Workflows: []config.WorkflowDefinition{{
			Name: "wf",
			Steps: []config.WorkflowStep{
				{Name: "a", Agent: "agenta"},
				{Name: "b", Agent: "agentb", DependsOn: []string{"a"}},
			},
		}},
	}
	assert.Equal(t, topology.PatternDAG, topology.SelectPattern(cfg))
}

func TestSelectPattern_MapperReducer(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("mapper", "reducer")}
	assert.Equal(t, topology.PatternMapReduce, topology.SelectPattern(cfg))
}

func TestSelectPattern_RedTeam(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("attacker", "defender")}
	assert.Equal(t, topology.PatternRedTeam, topology.SelectPattern(cfg))
}

func TestSelectPattern_CriticImpliesReflection(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("producer", "critic")}
	assert.Equal(t, topology.PatternReflection, topology.SelectPattern(cfg))
}

func TestSelectPattern_HierarchicalNeedsMoreThanThreeAgentsAndLead(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("lead", "a", "b", "c")}
	assert.Equal(t, topology.PatternHierarchical, topology.SelectPattern(cfg))

	small := &config.RelayConfig{Agents: agents("lead", "a")}
	assert.NotEqual(t, topology.PatternHierarchical, topology.SelectPattern(small))
}

func TestSelectPattern_DefaultFanOut(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("", "")}
	assert.Equal(t, topology.PatternFanOut, topology.SelectPattern(cfg))
}

func TestBuildStar_HubConnectsToAllSpokes(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("hub", "", "")}
	top := topology.Build(cfg, topology.PatternFanOut)
	assert.Equal(t, "agenta", top.Hub)
	assert.ElementsMatch(t, []string{"agentb", "agentc"}, top.Edges["agenta"])
	assert.Equal(t, []string{"agenta"}, top.Edges["agentb"])
}

func TestBuildMesh_FullyConnected(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("", "", "")}
	top := topology.Build(cfg, topology.PatternMesh)
	for _, name := range top.Agents {
		assert.Len(t, top.Edges[name], 2)
	}
}

func TestBuildDAG_FromDependsOn(t *testing.T) {
	cfg := &config.RelayConfig{
		Agents: agents("", "", ""),
		Workflows: []config.WorkflowDefinition{{
			Name: "wf",
			Steps: []config.WorkflowStep{
				{Name: "plan", Agent: "agenta"},
				{Name: "build", Agent: "agentb", DependsOn: []string{"plan"}},
				{Name: "test", Agent: "agentc", DependsOn: []string{"build"}},
			},
		}},
	}
	top := topology.Build(cfg, topology.PatternDAG)
	assert.Equal(t, []string{"agentb"}, top.Edges["agenta"])
	assert.Equal(t, []string{"agentc"}, top.Edges["agentb"])
}

func TestBuildSwarm_RingPlusHiveMind(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("", "", "hive-mind")}
	top := topology.Build(cfg, topology.PatternSwarm)
	assert.Contains(t, top.Edges["agenta"], "agentb")
	assert.Contains(t, top.Edges["agenta"], "agentc")
	assert.Contains(t, top.Edges["agentc"], "agenta")
}

func TestBuildMapReduce_CoordinatorMappersReducers(t *testing.T) {
	cfg := &config.RelayConfig{Agents: agents("coordinator", "mapper", "mapper", "reducer")}
	top := topology.Build(cfg, topology.PatternMapReduce)
	assert.Equal(t, "agenta", top.Hub)
	assert.Contains(t, top.Edges["agenta"], "agentb")
	assert.Contains(t, top.Edges["agentb"], "agentd")
	assert.Contains(t, top.Edges["agentd"], "agenta")
}

func TestBuildPipeline_FollowsFirstWorkflowStepOrder(t *testing.T) {
	cfg := &config.RelayConfig{
		Agents: agents("", "", ""),
		Workflows: []config.WorkflowDefinition{{
			Name: "wf",
			Steps: []config.WorkflowStep{
				{Name: "s1", Agent: "agentc"},
				{Name: "s2", Agent: "agenta"},
				{Name: "s3", Agent: "agentb"},
			},
		}},
	}
	top := topology.Build(cfg, topology.PatternPipeline)
	assert.Equal(t, []string{"agentc", "agenta", "agentb"}, top.PipelineOrder)
	assert.Equal(t, []string{"agenta"}, top.Edges["agentc"])
	assert.Equal(t, []string{"agentb"}, top.Edges["agenta"])
}
