package api

import (
	"fmt"
	"net/http"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AgentDirectory is the presence view the agent endpoints read
type AgentDirectory interface {
	All() []types.AgentInfo
	Available() []types.AgentInfo
}

// AgentLogout takes an agent out of routing
type AgentLogout interface {
	LogoutAgent(agentID string) bool
}

// DemoRoster is served by the demo endpoint when no roster is configured
var DemoRoster = []types.AgentInfo{
	{ID: "demo_agent_1", Username: "demo01", FullName: "Demo Agent 1", Status: types.AgentAvailable, Department: "Retail Banking", Priority: 1},
	{ID: "demo_agent_2", Username: "demo02", FullName: "Demo Agent 2", Status: types.AgentAvailable, Department: "Cards", Priority: 2},
	{ID: "demo_agent_3", Username: "demo03", FullName: "Demo Agent 3", Status: types.AgentBreak, Department: "Loans", Priority: 3},
}

// AgentsHandler provides the agent availability endpoints
type AgentsHandler struct {
	directory AgentDirectory
	logout    AgentLogout
	demo      []types.AgentInfo
	logger    zerolog.Logger
}

// NewAgentsHandler creates a new AgentsHandler. demo may be nil.
func NewAgentsHandler(directory AgentDirectory, logout AgentLogout, demo []types.AgentInfo, logger zerolog.Logger) *AgentsHandler {
	if demo == nil {
		demo = DemoRoster
	}
	return &AgentsHandler{
		directory: directory,
		logout:    logout,
		demo:      demo,
		logger:    logger.With().Str("component", "agents_api").Logger(),
	}
}

// Available handles GET /api/agents/available
func (h *AgentsHandler) Available(w http.ResponseWriter, r *http.Request) {
	agents := h.directory.Available()
	if agents == nil {
		agents = []types.AgentInfo{}
	}
	respond(w, types.AgentList{Agents: agents}, fmt.Sprintf("%d agent(s) available", len(agents)))
}

// Status handles GET /api/agents/status
func (h *AgentsHandler) Status(w http.ResponseWriter, r *http.Request) {
	agents := h.directory.All()
	if agents == nil {
		agents = []types.AgentInfo{}
	}
	respond(w, types.AgentList{Agents: agents}, fmt.Sprintf("%d agent(s) known", len(agents)))
}

// Demo handles GET /api/call/demo/agents
func (h *AgentsHandler) Demo(w http.ResponseWriter, r *http.Request) {
	available := make([]types.AgentInfo, 0, len(h.demo))
	for _, a := range h.demo {
		if a.Status == types.AgentAvailable {
			available = append(available, a)
		}
	}
	respond(w, types.AgentList{Agents: h.demo, Available: available}, "demo agents")
}

// Logout handles POST /api/agents/{agentId}/logout
func (h *AgentsHandler) Logout(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if agentID == "" {
		fail(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if !h.logout.LogoutAgent(agentID) {
		fail(w, http.StatusNotFound, "agent not connected")
		return
	}

	h.logger.Info().
		Str("agent_id", agentID).
		Msg("agent logged out via API")

	respond(w, map[string]string{"agentId": agentID}, "agent logged out")
}
