package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

type fakeDirectory struct {
	mu      sync.Mutex
	agents  map[string]types.AgentInfo
	removed []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{agents: make(map[string]types.AgentInfo)}
}

func (d *fakeDirectory) Upsert(_ context.Context, a types.AgentInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.ID] = a
	return nil
}

func (d *fakeDirectory) Remove(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, id)
	d.removed = append(d.removed, id)
	return nil
}

func (d *fakeDirectory) List(context.Context) ([]types.AgentInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.AgentInfo, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	return out, nil
}

func (d *fakeDirectory) status(id string) (types.AgentStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	return a.Status, ok
}

// clock is a manually advanced time source
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestTracker(mirror Directory) (*Tracker, *clock) {
	c := &clock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	tr := NewTracker(mirror, zerolog.Nop())
	tr.now = c.now
	return tr, c
}

func TestAvailableIsLongestIdleFirst(t *testing.T) {
	tr, c := newTestTracker(nil)

	tr.Connect(types.AgentInfo{ID: "agent-1"})
	c.t = c.t.Add(time.Minute)
	tr.Connect(types.AgentInfo{ID: "agent-2"})
	c.t = c.t.Add(time.Minute)
	tr.Connect(types.AgentInfo{ID: "agent-3"})

	// agent-1 takes a call and comes back last
	tr.SetStatus("agent-1", types.AgentOnCall, "call-1")
	c.t = c.t.Add(time.Minute)
	tr.SetStatus("agent-1", types.AgentAvailable, "")

	got := tr.Available()
	want := []string{"agent-2", "agent-3", "agent-1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d available, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestSetStatusKeepsSinceWhenUnchanged(t *testing.T) {
	tr, c := newTestTracker(nil)
	tr.Connect(types.AgentInfo{ID: "agent-1"})
	since, _ := tr.Get("agent-1")

	c.t = c.t.Add(time.Minute)
	tr.SetStatus("agent-1", types.AgentAvailable, "")

	got, _ := tr.Get("agent-1")
	if !got.StatusSince.Equal(since.StatusSince) {
		t.Errorf("status since moved without a status change")
	}
	if !got.LastSeen.After(since.LastSeen) {
		t.Errorf("last seen should advance")
	}
	if tr.SetStatus("ghost", types.AgentBusy, "") {
		t.Error("expected unknown agent to be rejected")
	}
}

func TestDisconnectAndCleanup(t *testing.T) {
	tr, c := newTestTracker(nil)
	tr.Connect(types.AgentInfo{ID: "agent-1"})
	tr.Connect(types.AgentInfo{ID: "agent-2"})

	tr.Disconnect("agent-1")
	if len(tr.Available()) != 1 {
		t.Errorf("expected 1 available after disconnect, got %d", len(tr.Available()))
	}
	if n := tr.Counts()[types.AgentOffline]; n != 1 {
		t.Errorf("expected 1 offline, got %d", n)
	}

	c.t = c.t.Add(10 * time.Minute)
	if removed := tr.RemoveOffline(5 * time.Minute); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if len(tr.All()) != 1 {
		t.Errorf("expected 1 tracked agent, got %d", len(tr.All()))
	}
}

func TestMirrorReceivesChanges(t *testing.T) {
	dir := newFakeDirectory()
	tr, _ := newTestTracker(dir)

	tr.Connect(types.AgentInfo{ID: "agent-1"})
	tr.SetStatus("agent-1", types.AgentOnCall, "call-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s, ok := dir.status("agent-1"); ok && s == types.AgentOnCall {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s, _ := dir.status("agent-1"); s != types.AgentOnCall {
		t.Fatalf("expected mirrored on_call, got %q", s)
	}

	tr.Disconnect("agent-1")
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := dir.status("agent-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected agent removed from directory")
}
