package discovery

import (
	"context"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

type probeFunc struct {
	name  string
	probe func(ctx context.Context) ([]types.AgentInfo, error)
}

func (p probeFunc) Name() string { return p.name }

func (p probeFunc) Probe(ctx context.Context) ([]types.AgentInfo, error) {
	return p.probe(ctx)
}

// StrategyFunc adapts a function to a Strategy
func StrategyFunc(name string, fn func(ctx context.Context) ([]types.AgentInfo, error)) Strategy {
	return probeFunc{name: name, probe: fn}
}

// AvailableAgents queries the dedicated available-agents endpoint
func AvailableAgents(src AgentSource) Strategy {
	return StrategyFunc(SourceAgentsAPI, src.AvailableAgents)
}

// StatusFiltered queries all agents; the orchestrator keeps the available ones
func StatusFiltered(src AgentSource) Strategy {
	return StrategyFunc(SourceStatusAPI, src.AgentStatuses)
}

// DemoAgents queries the demo pool for environments without live agents
func DemoAgents(src AgentSource) Strategy {
	return StrategyFunc(SourceDemoAPI, src.DemoAgents)
}

// Placeholder always yields one synthetic agent so callers have something to act on
func Placeholder() Strategy {
	return StrategyFunc(SourceMockData, func(context.Context) ([]types.AgentInfo, error) {
		return []types.AgentInfo{{
			ID:         "mock_agent_1",
			Username:   "mock01",
			FullName:   "Mock Agent (Offline)",
			Status:     types.AgentAvailable,
			Department: "Demo Department",
			Priority:   1,
		}}, nil
	})
}
