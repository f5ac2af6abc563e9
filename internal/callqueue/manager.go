package callqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/presence"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull         = errors.New("callqueue: queue full")
	ErrUnknownCall       = errors.New("callqueue: unknown call")
	ErrInvalidTransition = errors.New("callqueue: invalid transition")
	ErrNotAssigned       = errors.New("callqueue: call not assigned to agent")
	ErrAgentUnavailable  = errors.New("callqueue: agent unavailable")
)

// CallStore is the subset of storage.Store needed by Manager
type CallStore interface {
	SaveCallRecord(ctx context.Context, record types.CallRecord) error
}

// Options configures a Manager
type Options struct {
	MaxQueueSize int
	AvgHandle    time.Duration
	SLTarget     int
	SLSeconds    int
}

// Manager owns every live call and the waiting queue
type Manager struct {
	opts    Options
	calls   map[string]*Call
	queue   *Queue
	tracker *presence.Tracker
	routing RoutingStrategy
	sl      *SLTracker
	store   CallStore
	now     func() time.Time
	mu      sync.Mutex
	logger  zerolog.Logger

	completed int
	abandoned int
}

// NewManager creates a new call manager
func NewManager(opts Options, tracker *presence.Tracker, logger zerolog.Logger) *Manager {
	if opts.AvgHandle <= 0 {
		opts.AvgHandle = 3 * time.Minute
	}
	if opts.SLTarget <= 0 {
		opts.SLTarget = 80
	}
	if opts.SLSeconds <= 0 {
		opts.SLSeconds = 20
	}
	return &Manager{
		opts:    opts,
		calls:   make(map[string]*Call),
		queue:   NewQueue(opts.MaxQueueSize),
		tracker: tracker,
		routing: &LongestIdleFirst{},
		sl:      NewSLTracker(opts.SLTarget, opts.SLSeconds),
		now:     time.Now,
		logger:  logger.With().Str("component", "callqueue").Logger(),
	}
}

// SetStore sets the persistence store for call records
func (m *Manager) SetStore(store CallStore) {
	m.store = store
}

// Create registers a new call from a dial request
func (m *Manager) Create(callerID string, dial types.Dial, callerName string) Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dial.ToNumber == "" {
		dial.ToNumber = types.DefaultHotline
	}
	if dial.Priority == "" {
		dial.Priority = types.PriorityNormal
	}
	if callerName == "" && dial.CustomerInfo != nil {
		callerName = dial.CustomerInfo.Name
	}

	call := &Call{
		CallID:       "call_" + uuid.New().String(),
		CallerID:     callerID,
		FromNumber:   dial.FromNumber,
		ToNumber:     dial.ToNumber,
		CallerName:   callerName,
		CustomerInfo: dial.CustomerInfo,
		Priority:     dial.Priority,
		Status:       CallStatusNew,
		CreatedAt:    m.now(),
		declined:     make(map[string]bool),
	}
	m.calls[call.CallID] = call

	m.logger.Debug().
		Str("call_id", call.CallID).
		Str("caller_id", callerID).
		Str("priority", string(call.Priority)).
		Msg("call created")

	return call.copy()
}

// Offer rings the longest idle agent that has not declined the call
func (m *Manager) Offer(callID string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok || (call.Status != CallStatusNew && call.Status != CallStatusWaiting) {
		return Call{}, false
	}
	if !m.assignLocked(call, m.tracker.Available()) {
		return Call{}, false
	}
	return call.copy(), true
}

func (m *Manager) assignLocked(call *Call, available []types.AgentInfo) bool {
	agent := m.routing.SelectAgent(available, call.declined)
	if agent == nil {
		return false
	}

	if call.Status == CallStatusWaiting {
		m.queue.Remove(call.CallID)
	}
	now := m.now()
	call.Status = CallStatusRinging
	call.AgentID = agent.ID
	call.RingStart = &now
	m.tracker.SetStatus(agent.ID, types.AgentBusy, call.CallID)

	m.logger.Debug().
		Str("call_id", call.CallID).
		Str("agent_id", agent.ID).
		Msg("call offered to agent")
	return true
}

// Enqueue puts a call in the waiting queue. It returns the queue position
// and the estimated wait in seconds.
func (m *Manager) Enqueue(callID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok {
		return 0, 0, ErrUnknownCall
	}
	if call.Status != CallStatusNew {
		return 0, 0, fmt.Errorf("%w: enqueue from %s", ErrInvalidTransition, call.Status)
	}

	call.EnqueueTime = m.now()
	position, err := m.queue.Enqueue(call)
	if err != nil {
		return 0, 0, err
	}

	m.logger.Debug().
		Str("call_id", callID).
		Int("position", position).
		Int("queue_depth", m.queue.Len()).
		Msg("call enqueued")

	return position, m.estimatedWaitLocked(position), nil
}

// Answer connects a ringing call. An empty agentID answers for whichever
// agent the call is ringing at.
func (m *Manager) Answer(callID, agentID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrUnknownCall
	}
	if call.Status != CallStatusRinging {
		return Call{}, fmt.Errorf("%w: answer from %s", ErrInvalidTransition, call.Status)
	}
	if agentID != "" && agentID != call.AgentID {
		return Call{}, ErrNotAssigned
	}

	now := m.now()
	call.Status = CallStatusActive
	call.ConnectedAt = &now
	call.WaitTime = now.Sub(call.CreatedAt).Seconds()
	m.sl.RecordAnswer(call.WaitTime)
	m.tracker.SetStatus(call.AgentID, types.AgentOnCall, call.CallID)

	m.logger.Info().
		Str("call_id", callID).
		Str("agent_id", call.AgentID).
		Float64("wait_time", call.WaitTime).
		Msg("call answered")

	return call.copy(), nil
}

// Decline releases a ringing call from its agent. The call goes back to
// new so it can be offered again or queued.
func (m *Manager) Decline(callID, agentID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrUnknownCall
	}
	if call.Status != CallStatusRinging {
		return Call{}, fmt.Errorf("%w: decline from %s", ErrInvalidTransition, call.Status)
	}
	if agentID != "" && agentID != call.AgentID {
		return Call{}, ErrNotAssigned
	}

	m.releaseRingingLocked(call)
	return call.copy(), nil
}

func (m *Manager) releaseRingingLocked(call *Call) {
	m.tracker.SetStatus(call.AgentID, types.AgentAvailable, "")
	call.declined[call.AgentID] = true
	call.AgentID = ""
	call.RingStart = nil
	call.Status = CallStatusNew
}

// Hold puts an active call on hold
func (m *Manager) Hold(callID string) (Call, error) {
	return m.toggleHold(callID, CallStatusActive, CallStatusOnHold)
}

// Resume takes a call off hold
func (m *Manager) Resume(callID string) (Call, error) {
	return m.toggleHold(callID, CallStatusOnHold, CallStatusActive)
}

func (m *Manager) toggleHold(callID string, from, to CallStatus) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrUnknownCall
	}
	if call.Status != from {
		return Call{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, to, call.Status)
	}
	call.Status = to
	if to == CallStatusOnHold {
		call.HoldCount++
	}
	return call.copy(), nil
}

// Transfer moves an answered call to another available agent. It returns
// the updated call and the agent it was taken from.
func (m *Manager) Transfer(callID, targetAgentID string) (Call, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok {
		return Call{}, "", ErrUnknownCall
	}
	if call.Status != CallStatusActive && call.Status != CallStatusOnHold {
		return Call{}, "", fmt.Errorf("%w: transfer from %s", ErrInvalidTransition, call.Status)
	}
	target, ok := m.tracker.Get(targetAgentID)
	if !ok || target.Status != types.AgentAvailable || targetAgentID == call.AgentID {
		return Call{}, "", fmt.Errorf("%w: %s", ErrAgentUnavailable, targetAgentID)
	}

	from := call.AgentID
	m.tracker.SetStatus(from, types.AgentAvailable, "")
	m.tracker.SetStatus(targetAgentID, types.AgentOnCall, callID)
	call.AgentID = targetAgentID
	call.Status = CallStatusActive
	call.Transfers++

	m.logger.Info().
		Str("call_id", callID).
		Str("from_agent_id", from).
		Str("agent_id", targetAgentID).
		Msg("call transferred")

	return call.copy(), from, nil
}

// End finishes a call in any state and persists its record
func (m *Manager) End(callID, reason string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrUnknownCall
	}

	if call.Status == CallStatusWaiting {
		m.queue.Remove(callID)
	}
	if call.AgentID != "" {
		m.tracker.SetStatus(call.AgentID, types.AgentAvailable, "")
	}

	now := m.now()
	call.EndedAt = &now
	call.EndReason = reason
	if call.Answered() {
		call.Status = CallStatusCompleted
		m.completed++
	} else {
		call.Status = CallStatusAbandoned
		m.abandoned++
	}
	delete(m.calls, callID)

	m.logger.Info().
		Str("call_id", callID).
		Str("agent_id", call.AgentID).
		Str("reason", reason).
		Float64("duration", call.Duration(now)).
		Msg("call ended")

	if m.store != nil {
		record := toRecord(call)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.store.SaveCallRecord(ctx, record); err != nil {
				m.logger.Error().Err(err).Str("call_id", callID).Msg("failed to save call record")
			}
		}()
	}

	return call.copy(), nil
}

// Get returns a copy of a live call
func (m *Manager) Get(callID string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok {
		return Call{}, false
	}
	return call.copy(), true
}

// CallsOf returns the ids of live calls where identity is caller or agent
func (m *Manager) CallsOf(identity string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, call := range m.calls {
		if call.Involves(identity) {
			ids = append(ids, id)
		}
	}
	return ids
}

// RoutingMatch represents a queued call offered to an agent
type RoutingMatch struct {
	Call    Call
	AgentID string
}

// TickRouting offers waiting calls to available agents in queue order
func (m *Manager) TickRouting() []RoutingMatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queue.Len() == 0 {
		return nil
	}

	var matches []RoutingMatch
	waiting := append([]*Call(nil), m.queue.Waiting()...)
	for _, call := range waiting {
		available := m.tracker.Available()
		if len(available) == 0 {
			break
		}
		if !m.assignLocked(call, available) {
			continue
		}
		matches = append(matches, RoutingMatch{Call: call.copy(), AgentID: call.AgentID})
	}
	return matches
}

// Expired is a call whose agent let it ring out
type Expired struct {
	Call    Call
	AgentID string
}

// ExpireRinging returns ringing calls older than timeout to the queue
func (m *Manager) ExpireRinging(timeout time.Duration) []Expired {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []Expired
	for _, call := range m.calls {
		if call.Status != CallStatusRinging || call.RingStart == nil || now.Sub(*call.RingStart) < timeout {
			continue
		}
		agentID := call.AgentID
		m.releaseRingingLocked(call)

		if call.EnqueueTime.IsZero() {
			call.EnqueueTime = call.CreatedAt
		}
		m.queue.Requeue(call)

		m.logger.Info().
			Str("call_id", call.CallID).
			Str("agent_id", agentID).
			Msg("ring timeout, call requeued")
		expired = append(expired, Expired{Call: call.copy(), AgentID: agentID})
	}
	return expired
}

// Position returns the queue position of a waiting call and its estimated wait
func (m *Manager) Position(callID string) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	position := m.queue.Position(callID)
	return position, m.estimatedWaitLocked(position)
}

func (m *Manager) estimatedWaitLocked(position int) int {
	if position <= 0 {
		return 0
	}
	counts := m.tracker.Counts()
	staffed := 0
	for status, n := range counts {
		if status != types.AgentOffline {
			staffed += n
		}
	}
	if staffed == 0 {
		staffed = 1
	}
	return int(m.opts.AvgHandle.Seconds()) * position / staffed
}

// Stats is a snapshot of queue and call counters
type Stats struct {
	Waiting         int          `json:"waiting"`
	Ringing         int          `json:"ringing"`
	Active          int          `json:"active"`
	OnHold          int          `json:"onHold"`
	Completed       int          `json:"completed"`
	Abandoned       int          `json:"abandoned"`
	LongestWaitSecs float64      `json:"longestWaitSecs"`
	AvailableAgents int          `json:"availableAgents"`
	ServiceLevel    ServiceLevel `json:"serviceLevel"`
}

// Stats returns current counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Waiting:         m.queue.Len(),
		Completed:       m.completed,
		Abandoned:       m.abandoned,
		LongestWaitSecs: m.queue.LongestWaitSecs(m.now()),
		AvailableAgents: len(m.tracker.Available()),
		ServiceLevel:    m.sl.Snapshot(),
	}
	for _, call := range m.calls {
		switch call.Status {
		case CallStatusRinging:
			s.Ringing++
		case CallStatusActive:
			s.Active++
		case CallStatusOnHold:
			s.OnHold++
		}
	}
	return s
}

// QueueStatus answers get_queue_status
func (m *Manager) QueueStatus() types.QueueStatusReply {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiting := m.queue.Len()
	return types.QueueStatusReply{
		Waiting:              waiting,
		AvailableAgents:      len(m.tracker.Available()),
		EstimatedWaitSeconds: m.estimatedWaitLocked(waiting + 1),
	}
}
