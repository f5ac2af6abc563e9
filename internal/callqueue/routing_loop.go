package callqueue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher notifies the parties of routing decisions
type Dispatcher interface {
	Ring(call Call)
	RingTimeout(call Call, agentID string)
}

// RoutingLoop periodically offers waiting calls to available agents and
// takes back calls that rang out
type RoutingLoop struct {
	mgr         *Manager
	dispatcher  Dispatcher
	interval    time.Duration
	ringTimeout time.Duration
	logger      zerolog.Logger
}

// NewRoutingLoop creates a new RoutingLoop
func NewRoutingLoop(mgr *Manager, dispatcher Dispatcher, interval, ringTimeout time.Duration, logger zerolog.Logger) *RoutingLoop {
	if interval <= 0 {
		interval = time.Second
	}
	return &RoutingLoop{
		mgr:         mgr,
		dispatcher:  dispatcher,
		interval:    interval,
		ringTimeout: ringTimeout,
		logger:      logger.With().Str("component", "routing").Logger(),
	}
}

// Start runs the routing loop until the context is cancelled
func (rl *RoutingLoop) Start(ctx context.Context) {
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()

	rl.logger.Info().Dur("interval", rl.interval).Msg("routing loop started")

	for {
		select {
		case <-ctx.Done():
			rl.logger.Info().Msg("routing loop stopped")
			return
		case <-ticker.C:
			rl.tick()
		}
	}
}

// tick performs a single routing pass
func (rl *RoutingLoop) tick() {
	if rl.ringTimeout > 0 {
		for _, e := range rl.mgr.ExpireRinging(rl.ringTimeout) {
			rl.dispatcher.RingTimeout(e.Call, e.AgentID)
		}
	}

	for _, match := range rl.mgr.TickRouting() {
		rl.logger.Debug().
			Str("call_id", match.Call.CallID).
			Str("agent_id", match.AgentID).
			Msg("queued call routed")
		rl.dispatcher.Ring(match.Call)
	}
}
