package discovery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

type fakeSource struct {
	available, statuses, demo []types.AgentInfo
	availErr, statusErr, demoErr error
	calls                        int
}

func (f *fakeSource) AvailableAgents(context.Context) ([]types.AgentInfo, error) {
	f.calls++
	return f.available, f.availErr
}

func (f *fakeSource) AgentStatuses(context.Context) ([]types.AgentInfo, error) {
	f.calls++
	return f.statuses, f.statusErr
}

func (f *fakeSource) DemoAgents(context.Context) ([]types.AgentInfo, error) {
	f.calls++
	return f.demo, f.demoErr
}

func agent(id string, status types.AgentStatus) types.AgentInfo {
	return types.AgentInfo{ID: id, Status: status}
}

func TestCheckFallbackChain(t *testing.T) {
	tests := []struct {
		name       string
		src        *fakeSource
		wantSource string
		wantCount  int
		wantCalls  int
	}{
		{
			name:       "primary source answers",
			src:        &fakeSource{available: []types.AgentInfo{agent("a1", types.AgentAvailable)}},
			wantSource: SourceAgentsAPI,
			wantCount:  1,
			wantCalls:  1,
		},
		{
			name: "status source filtered",
			src: &fakeSource{
				availErr: errors.New("404"),
				statuses: []types.AgentInfo{agent("a1", types.AgentOnCall), agent("a2", types.AgentAvailable), agent("a3", types.AgentAvailable)},
			},
			wantSource: SourceStatusAPI,
			wantCount:  2,
			wantCalls:  2,
		},
		{
			name: "demo source after two empty sources",
			src: &fakeSource{
				statuses: []types.AgentInfo{agent("a1", types.AgentOffline)},
				demo:     []types.AgentInfo{agent("demo1", types.AgentAvailable)},
			},
			wantSource: SourceDemoAPI,
			wantCount:  1,
			wantCalls:  3,
		},
		{
			name:       "placeholder when everything fails",
			src:        &fakeSource{availErr: errors.New("x"), statusErr: errors.New("y"), demoErr: errors.New("z")},
			wantSource: SourceMockData,
			wantCount:  1,
			wantCalls:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Default(tt.src, zerolog.Nop()).Check(context.Background())

			if !r.Success || !r.HasAvailableAgents {
				t.Errorf("expected success with agents, got %+v", r)
			}
			if r.Source != tt.wantSource {
				t.Errorf("expected source %s, got %s", tt.wantSource, r.Source)
			}
			if r.AvailableCount != tt.wantCount || len(r.Agents) != tt.wantCount {
				t.Errorf("expected %d agents, got %d (%d listed)", tt.wantCount, r.AvailableCount, len(r.Agents))
			}
			if tt.src.calls != tt.wantCalls {
				t.Errorf("expected %d source calls, got %d", tt.wantCalls, tt.src.calls)
			}
		})
	}
}

func TestCheckIsNotCached(t *testing.T) {
	src := &fakeSource{available: []types.AgentInfo{agent("a1", types.AgentAvailable)}}
	o := Default(src, zerolog.Nop())

	o.Check(context.Background())
	src.available = nil
	src.demo = []types.AgentInfo{agent("demo1", types.AgentAvailable)}

	r := o.Check(context.Background())
	if r.Source != SourceDemoAPI {
		t.Errorf("expected a fresh probe to reach the demo source, got %s", r.Source)
	}
}

func TestCheckExhausted(t *testing.T) {
	failing := StrategyFunc("broken", func(context.Context) ([]types.AgentInfo, error) {
		return nil, errors.New("connection refused")
	})
	panicking := StrategyFunc("panicky", func(context.Context) ([]types.AgentInfo, error) {
		panic("nil map")
	})

	r := New(zerolog.Nop(), failing, panicking).Check(context.Background())
	if r.Success || r.HasAvailableAgents || r.AvailableCount != 0 {
		t.Errorf("expected unavailable result, got %+v", r)
	}
	if r.Source != SourceNone {
		t.Errorf("expected source none, got %s", r.Source)
	}
	if !strings.Contains(r.Message, "connection refused") {
		t.Errorf("expected failure reason in message, got %q", r.Message)
	}
	if r.Agents == nil {
		t.Error("agents must be an empty list, not nil")
	}

	empty := New(zerolog.Nop()).Check(context.Background())
	if empty.Success || empty.Source != SourceNone {
		t.Errorf("expected unavailable result without strategies, got %+v", empty)
	}
}
