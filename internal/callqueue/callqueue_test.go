package callqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/presence"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

type recordingStore struct {
	mu      sync.Mutex
	records []types.CallRecord
}

func (s *recordingStore) SaveCallRecord(_ context.Context, r types.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeDispatcher struct {
	rang    []string
	expired []string
}

func (d *fakeDispatcher) Ring(call Call) { d.rang = append(d.rang, call.CallID) }
func (d *fakeDispatcher) RingTimeout(call Call, agentID string) { d.expired = append(d.expired, agentID) }

func newTestManager(opts Options, agents ...string) (*Manager, *presence.Tracker) {
	tracker := presence.NewTracker(nil, zerolog.Nop())
	for _, id := range agents {
		tracker.Connect(types.AgentInfo{ID: id})
		time.Sleep(time.Millisecond) // distinct StatusSince
	}
	return NewManager(opts, tracker, zerolog.Nop()), tracker
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue(0)
	base := time.Now()

	calls := []*Call{
		{CallID: "normal-1", Priority: types.PriorityNormal, EnqueueTime: base},
		{CallID: "normal-2", Priority: types.PriorityNormal, EnqueueTime: base.Add(time.Second)},
		{CallID: "urgent", Priority: types.PriorityUrgent, EnqueueTime: base.Add(2 * time.Second)},
		{CallID: "high", Priority: types.PriorityHigh, EnqueueTime: base.Add(3 * time.Second)},
	}
	for _, c := range calls {
		if _, err := q.Enqueue(c); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	want := []string{"urgent", "high", "normal-1", "normal-2"}
	for i, c := range q.Waiting() {
		if c.CallID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i+1, want[i], c.CallID)
		}
	}
	if q.Position("normal-2") != 4 {
		t.Errorf("expected normal-2 at position 4, got %d", q.Position("normal-2"))
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)
	q.Enqueue(&Call{CallID: "c1"})
	if _, err := q.Enqueue(&Call{CallID: "c2"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if q.Requeue(&Call{CallID: "c0"}) != 2 {
		t.Error("requeue must bypass the size limit")
	}
}

func TestLongestIdleFirstSelection(t *testing.T) {
	strategy := &LongestIdleFirst{}

	now := time.Now()
	agents := []types.AgentInfo{
		{ID: "agent-1", StatusSince: now.Add(-5 * time.Minute)},
		{ID: "agent-2", StatusSince: now.Add(-10 * time.Minute)}, // longest idle
		{ID: "agent-3", StatusSince: now.Add(-2 * time.Minute)},
	}

	selected := strategy.SelectAgent(agents, nil)
	if selected == nil || selected.ID != "agent-2" {
		t.Fatalf("expected agent-2 (longest idle), got %+v", selected)
	}

	selected = strategy.SelectAgent(agents, map[string]bool{"agent-2": true})
	if selected == nil || selected.ID != "agent-1" {
		t.Errorf("expected agent-1 when agent-2 is excluded, got %+v", selected)
	}

	if strategy.SelectAgent(nil, nil) != nil {
		t.Error("expected nil for empty list")
	}
}

func TestServiceLevelCalculation(t *testing.T) {
	sl := NewSLTracker(80, 20)

	if sl.CurrentSL() != 100.0 {
		t.Errorf("expected 100%% SL with no calls, got %.1f%%", sl.CurrentSL())
	}

	sl.RecordAnswer(10)
	sl.RecordAnswer(15)
	sl.RecordAnswer(19)
	sl.RecordAnswer(20) // exactly at threshold, counts as in SL
	sl.RecordAnswer(25)

	if sl.CurrentSL() != 80.0 {
		t.Errorf("expected 80%% SL, got %.1f%%", sl.CurrentSL())
	}
}

func TestOfferAnswerEnd(t *testing.T) {
	mgr, tracker := newTestManager(Options{}, "agent-1", "agent-2")
	store := &recordingStore{}
	mgr.SetStore(store)

	call := mgr.Create("cust-1", types.Dial{FromNumber: "0901"}, "")
	if call.ToNumber != types.DefaultHotline || call.Priority != types.PriorityNormal {
		t.Errorf("expected dial defaults, got to=%s priority=%s", call.ToNumber, call.Priority)
	}

	offered, ok := mgr.Offer(call.CallID)
	if !ok || offered.AgentID != "agent-1" {
		t.Fatalf("expected offer to longest idle agent-1, got %+v ok=%v", offered, ok)
	}
	if a, _ := tracker.Get("agent-1"); a.Status != types.AgentBusy {
		t.Errorf("expected ringing agent busy, got %s", a.Status)
	}

	if _, err := mgr.Answer(call.CallID, "agent-2"); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("expected ErrNotAssigned for wrong agent, got %v", err)
	}
	answered, err := mgr.Answer(call.CallID, "")
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if !answered.Answered() || answered.Status != CallStatusActive {
		t.Errorf("expected active answered call, got %+v", answered)
	}
	if a, _ := tracker.Get("agent-1"); a.Status != types.AgentOnCall || a.CurrentCall != call.CallID {
		t.Errorf("expected agent on call, got %+v", a)
	}

	ended, err := mgr.End(call.CallID, "customer_hangup")
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if ended.Status != CallStatusCompleted || ended.EndReason != "customer_hangup" {
		t.Errorf("unexpected ended call: %+v", ended)
	}
	if a, _ := tracker.Get("agent-1"); a.Status != types.AgentAvailable {
		t.Errorf("expected agent available after end, got %s", a.Status)
	}
	if _, err := mgr.End(call.CallID, "again"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("expected ErrUnknownCall on second end, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.count() != 1 {
		t.Fatalf("expected 1 saved record, got %d", store.count())
	}
	if s := mgr.Stats(); s.Completed != 1 || s.ServiceLevel.TotalAnswered != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestDeclineOffersNextAgent(t *testing.T) {
	mgr, _ := newTestManager(Options{}, "agent-1", "agent-2")

	call := mgr.Create("cust-1", types.Dial{}, "")
	mgr.Offer(call.CallID)

	if _, err := mgr.Decline(call.CallID, "agent-1"); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	next, ok := mgr.Offer(call.CallID)
	if !ok || next.AgentID != "agent-2" {
		t.Fatalf("expected re-offer to agent-2, got %+v ok=%v", next, ok)
	}

	mgr.Decline(call.CallID, "agent-2")
	if _, ok := mgr.Offer(call.CallID); ok {
		t.Error("expected no agent left after both declined")
	}
}

func TestQueuedCallRoutedWhenAgentFrees(t *testing.T) {
	mgr, tracker := newTestManager(Options{AvgHandle: time.Minute}, "agent-1")

	first := mgr.Create("cust-1", types.Dial{}, "")
	mgr.Offer(first.CallID)
	mgr.Answer(first.CallID, "agent-1")

	second := mgr.Create("cust-2", types.Dial{}, "")
	if _, ok := mgr.Offer(second.CallID); ok {
		t.Fatal("expected no free agent")
	}
	position, eta, err := mgr.Enqueue(second.CallID)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if position != 1 || eta != 60 {
		t.Errorf("expected position 1 eta 60, got %d %d", position, eta)
	}
	if len(mgr.TickRouting()) != 0 {
		t.Error("expected no match while agent is on call")
	}

	mgr.End(first.CallID, "agent_hangup")
	if a, _ := tracker.Get("agent-1"); a.Status != types.AgentAvailable {
		t.Fatalf("expected agent available, got %s", a.Status)
	}

	d := &fakeDispatcher{}
	NewRoutingLoop(mgr, d, time.Second, time.Minute, zerolog.Nop()).tick()
	if len(d.rang) != 1 || d.rang[0] != second.CallID {
		t.Errorf("expected queued call rung, got %v", d.rang)
	}
	if mgr.Stats().Waiting != 0 {
		t.Error("expected empty queue after routing")
	}
}

func TestRingTimeoutRequeues(t *testing.T) {
	mgr, tracker := newTestManager(Options{}, "agent-1")
	clock := time.Now()
	mgr.now = func() time.Time { return clock }

	call := mgr.Create("cust-1", types.Dial{}, "")
	mgr.Offer(call.CallID)

	clock = clock.Add(31 * time.Second)
	d := &fakeDispatcher{}
	NewRoutingLoop(mgr, d, time.Second, 30*time.Second, zerolog.Nop()).tick()

	if len(d.expired) != 1 || d.expired[0] != "agent-1" {
		t.Fatalf("expected ring timeout for agent-1, got %v", d.expired)
	}
	if len(d.rang) != 0 {
		t.Errorf("call must not ring the agent that let it expire, got %v", d.rang)
	}
	if a, _ := tracker.Get("agent-1"); a.Status != types.AgentAvailable {
		t.Errorf("expected agent available after timeout, got %s", a.Status)
	}
	if got, _ := mgr.Get(call.CallID); got.Status != CallStatusWaiting {
		t.Errorf("expected call waiting, got %s", got.Status)
	}
}

func TestHoldResumeTransfer(t *testing.T) {
	mgr, tracker := newTestManager(Options{}, "agent-1", "agent-2")

	call := mgr.Create("cust-1", types.Dial{}, "")
	mgr.Offer(call.CallID)

	if _, err := mgr.Hold(call.CallID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected hold of ringing call rejected, got %v", err)
	}
	mgr.Answer(call.CallID, "agent-1")

	if _, err := mgr.Hold(call.CallID); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if _, err := mgr.Hold(call.CallID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected double hold rejected, got %v", err)
	}

	moved, from, err := mgr.Transfer(call.CallID, "agent-2")
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if from != "agent-1" || moved.AgentID != "agent-2" || moved.Status != CallStatusActive || moved.Transfers != 1 {
		t.Errorf("unexpected transfer result: from=%s call=%+v", from, moved)
	}
	if a, _ := tracker.Get("agent-1"); a.Status != types.AgentAvailable {
		t.Errorf("expected previous agent available, got %s", a.Status)
	}

	if _, _, err := mgr.Transfer(call.CallID, "ghost"); !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable, got %v", err)
	}
	if ids := mgr.CallsOf("agent-2"); len(ids) != 1 {
		t.Errorf("expected call listed for agent-2, got %v", ids)
	}
}

func TestAbandonedWhileQueued(t *testing.T) {
	mgr, _ := newTestManager(Options{})

	call := mgr.Create("cust-1", types.Dial{}, "")
	mgr.Enqueue(call.CallID)

	ended, err := mgr.End(call.CallID, "customer_hangup")
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if ended.Status != CallStatusAbandoned {
		t.Errorf("expected abandoned, got %s", ended.Status)
	}
	if s := mgr.Stats(); s.Waiting != 0 || s.Abandoned != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}
