package callqueue

import (
	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

// RoutingStrategy selects the best agent to handle a call
type RoutingStrategy interface {
	SelectAgent(available []types.AgentInfo, exclude map[string]bool) *types.AgentInfo
}

// LongestIdleFirst selects the agent who has been available the longest
type LongestIdleFirst struct{}

// SelectAgent picks the available agent with the oldest StatusSince time,
// skipping excluded agents
func (l *LongestIdleFirst) SelectAgent(available []types.AgentInfo, exclude map[string]bool) *types.AgentInfo {
	var oldest *types.AgentInfo
	for i := range available {
		a := &available[i]
		if exclude[a.ID] {
			continue
		}
		if oldest == nil || a.StatusSince.Before(oldest.StatusSince) {
			oldest = a
		}
	}
	return oldest
}
