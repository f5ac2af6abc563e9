// Package presence tracks which agents are connected to the call-control
// server and whether they can take a call.
package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

// mirrorTimeout bounds one write to the shared directory
const mirrorTimeout = 2 * time.Second

// Directory is a shared view of agent presence across server instances
type Directory interface {
	Upsert(ctx context.Context, agent types.AgentInfo) error
	Remove(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]types.AgentInfo, error)
}

// Tracker maintains the current state of all agents on this instance.
// Routing decisions are made from the tracker alone; the optional Directory
// receives a write-through copy of every change.
type Tracker struct {
	agents map[string]*types.AgentInfo // agentID -> current state
	mu     sync.RWMutex
	mirror Directory
	now    func() time.Time
	logger zerolog.Logger

	// Mirror writes run off the caller's goroutine; seq drops writes
	// overtaken by a newer change of the same agent
	seq      atomic.Uint64
	mirrorMu sync.Mutex
	written  map[string]uint64
}

// NewTracker creates a tracker. mirror may be nil.
func NewTracker(mirror Directory, logger zerolog.Logger) *Tracker {
	return &Tracker{
		agents:  make(map[string]*types.AgentInfo),
		mirror:  mirror,
		now:     time.Now,
		written: make(map[string]uint64),
		logger:  logger.With().Str("component", "presence").Logger(),
	}
}

// Connect registers an agent as available
func (t *Tracker) Connect(info types.AgentInfo) {
	now := t.now()
	info.Status = types.AgentAvailable
	info.StatusSince = now
	info.LastSeen = now
	info.CurrentCall = ""

	t.mu.Lock()
	t.agents[info.ID] = &info
	seq := t.seq.Add(1)
	t.mu.Unlock()

	t.publish(info, seq)
}

// SetStatus changes an agent's status. StatusSince only moves when the status changes.
func (t *Tracker) SetStatus(agentID string, status types.AgentStatus, callID string) bool {
	t.mu.Lock()
	agent, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	now := t.now()
	if agent.Status != status {
		agent.StatusSince = now
	}
	agent.Status = status
	agent.CurrentCall = callID
	agent.LastSeen = now
	snapshot := *agent
	seq := t.seq.Add(1)
	t.mu.Unlock()

	t.publish(snapshot, seq)
	return true
}

// Touch refreshes an agent's last-seen time
func (t *Tracker) Touch(agentID string) {
	t.mu.Lock()
	agent, ok := t.agents[agentID]
	if ok {
		agent.LastSeen = t.now()
	}
	var snapshot types.AgentInfo
	if ok {
		snapshot = *agent
	}
	seq := t.seq.Add(1)
	t.mu.Unlock()

	if ok {
		t.publish(snapshot, seq)
	}
}

// Disconnect marks an agent offline
func (t *Tracker) Disconnect(agentID string) {
	t.mu.Lock()
	agent, ok := t.agents[agentID]
	if ok {
		now := t.now()
		agent.Status = types.AgentOffline
		agent.StatusSince = now
		agent.LastSeen = now
		agent.CurrentCall = ""
	}
	seq := t.seq.Add(1)
	t.mu.Unlock()

	if ok {
		t.sync(agentID, seq, func(ctx context.Context) error {
			return t.mirror.Remove(ctx, agentID)
		})
	}
}

// Get returns one agent
func (t *Tracker) Get(agentID string) (types.AgentInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	agent, ok := t.agents[agentID]
	if !ok {
		return types.AgentInfo{}, false
	}
	return *agent, true
}

// All returns every tracked agent ordered by id
func (t *Tracker) All() []types.AgentInfo {
	t.mu.RLock()
	out := make([]types.AgentInfo, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, *a)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns agents that can take a call, longest idle first
func (t *Tracker) Available() []types.AgentInfo {
	t.mu.RLock()
	out := make([]types.AgentInfo, 0)
	for _, a := range t.agents {
		if a.Status == types.AgentAvailable {
			out = append(out, *a)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StatusSince.Equal(out[j].StatusSince) {
			return out[i].ID < out[j].ID
		}
		return out[i].StatusSince.Before(out[j].StatusSince)
	})
	return out
}

// Counts returns the number of agents per status
func (t *Tracker) Counts() map[types.AgentStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[types.AgentStatus]int)
	for _, a := range t.agents {
		counts[a.Status]++
	}
	return counts
}

// RemoveOffline removes agents that have been offline for longer than maxAge
func (t *Tracker) RemoveOffline(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := t.now().Add(-maxAge)
	removed := 0
	for id, agent := range t.agents {
		if agent.Status == types.AgentOffline && agent.StatusSince.Before(threshold) {
			delete(t.agents, id)
			removed++
		}
	}
	return removed
}

// Directory returns the shared directory, nil when presence is local only
func (t *Tracker) Directory() Directory {
	return t.mirror
}

func (t *Tracker) publish(agent types.AgentInfo, seq uint64) {
	t.sync(agent.ID, seq, func(ctx context.Context) error {
		return t.mirror.Upsert(ctx, agent)
	})
}

func (t *Tracker) sync(agentID string, seq uint64, write func(ctx context.Context) error) {
	if t.mirror == nil {
		return
	}
	go func() {
		t.mirrorMu.Lock()
		defer t.mirrorMu.Unlock()
		if t.written[agentID] > seq {
			return
		}
		t.written[agentID] = seq

		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			t.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to mirror agent presence")
		}
	}()
}
