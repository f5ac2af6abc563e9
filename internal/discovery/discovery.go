// Package discovery answers whether any human agent is reachable before a
// customer places a direct agent call. Sources are probed in order of
// reliability until one yields an available agent.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

// Source tags
const (
	SourceAgentsAPI = "agents_api"
	SourceStatusAPI = "agents_status_api"
	SourceDemoAPI   = "demo_api"
	SourceMockData  = "mock_data"
	SourceNone      = "none"
)

// DefaultProbeTimeout bounds a single strategy
const DefaultProbeTimeout = 5 * time.Second

// Strategy is one availability source
type Strategy interface {
	Name() string
	Probe(ctx context.Context) ([]types.AgentInfo, error)
}

// AgentSource is the CRM API the built-in strategies read
type AgentSource interface {
	AvailableAgents(ctx context.Context) ([]types.AgentInfo, error)
	AgentStatuses(ctx context.Context) ([]types.AgentInfo, error)
	DemoAgents(ctx context.Context) ([]types.AgentInfo, error)
}

// Result is the outcome of one availability check. It is never cached.
type Result struct {
	Success            bool              `json:"success"`
	HasAvailableAgents bool              `json:"hasAvailableAgents"`
	AvailableCount     int               `json:"availableCount"`
	Agents             []types.AgentInfo `json:"agents"`
	Message            string            `json:"message"`
	Source             string            `json:"source"`
}

// Orchestrator runs the strategy chain
type Orchestrator struct {
	strategies []Strategy
	timeout    time.Duration
	logger     zerolog.Logger
}

// New creates an Orchestrator over strategies in the given order
func New(logger zerolog.Logger, strategies ...Strategy) *Orchestrator {
	return &Orchestrator{
		strategies: strategies,
		timeout:    DefaultProbeTimeout,
		logger:     logger.With().Str("component", "discovery").Logger(),
	}
}

// Default builds the standard chain: available agents, all agents filtered
// by status, demo agents, then a synthetic placeholder
func Default(src AgentSource, logger zerolog.Logger) *Orchestrator {
	return New(logger,
		AvailableAgents(src),
		StatusFiltered(src),
		DemoAgents(src),
		Placeholder(),
	)
}

// WithProbeTimeout overrides the per-strategy timeout
func (o *Orchestrator) WithProbeTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.timeout = d
	}
	return o
}

// Check probes the chain. It never returns an error: exhaustion yields an
// unsuccessful result with source "none".
func (o *Orchestrator) Check(ctx context.Context) Result {
	var errs []error

	for _, s := range o.strategies {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		pctx, cancel := context.WithTimeout(ctx, o.timeout)
		agents, err := o.probe(pctx, s)
		cancel()

		if err != nil {
			o.logger.Debug().Err(err).Str("source", s.Name()).Msg("availability source failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}

		available := onlyAvailable(agents)
		if len(available) == 0 {
			o.logger.Debug().Str("source", s.Name()).Msg("availability source has no agents")
			continue
		}

		o.logger.Info().Str("source", s.Name()).Int("available", len(available)).Msg("agents available")
		return Result{
			Success:            true,
			HasAvailableAgents: true,
			AvailableCount:     len(available),
			Agents:             available,
			Message:            message(s.Name(), len(available)),
			Source:             s.Name(),
		}
	}

	msg := "No agents currently available"
	if len(errs) > 0 && len(errs) == len(o.strategies) {
		msg = "Cannot check agent availability: " + errors.Join(errs...).Error()
	}
	o.logger.Warn().Int("strategies", len(o.strategies)).Int("failures", len(errs)).Msg("no available agents found")

	return Result{
		Agents:  []types.AgentInfo{},
		Message: msg,
		Source:  SourceNone,
	}
}

// probe runs one strategy and converts a panic into an error
func (o *Orchestrator) probe(ctx context.Context, s Strategy) (agents []types.AgentInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	return s.Probe(ctx)
}

func onlyAvailable(agents []types.AgentInfo) []types.AgentInfo {
	out := make([]types.AgentInfo, 0, len(agents))
	for _, a := range agents {
		if a.Status == types.AgentAvailable {
			out = append(out, a)
		}
	}
	return out
}

func message(source string, n int) string {
	switch source {
	case SourceDemoAPI:
		return fmt.Sprintf("Found %d available agent(s) (demo mode)", n)
	case SourceMockData:
		return fmt.Sprintf("%d mock agent available (offline mode)", n)
	default:
		return fmt.Sprintf("Found %d available agent(s)", n)
	}
}
