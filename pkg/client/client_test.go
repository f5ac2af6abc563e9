package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

func newTestServer(t *testing.T) (*Client, *[]string) {
	t.Helper()
	var seen []string

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"role":       "agent",
			"identity":   "agent_1",
			"connection": "connected",
			"callState":  "ringing",
		})
	})
	mux.HandleFunc("/dial", func(w http.ResponseWriter, r *http.Request) {
		var req DialRequest
		json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, r.Method+" /dial "+req.To+" "+string(req.Priority))
		json.NewEncoder(w).Encode(CommandResult{Message: "ok", CallState: types.CallDialing})
	})
	mux.HandleFunc("/tone", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, r.Method+" /tone "+req["tone"])
		if req["tone"] == "X" {
			http.Error(w, "callsession: invalid argument: tone \"X\"", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(CommandResult{Message: "ok", CallState: types.CallConnected})
	})
	mux.HandleFunc("/hold", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "callsession: invalid state: hold_call while idle", http.StatusConflict)
	})
	mux.HandleFunc("/history/server", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, "GET /history/server?"+r.URL.RawQuery)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"calls": []types.CallRecord{{CallID: "call_1"}},
		})
	})
	mux.HandleFunc("/agents/availability", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true, "availableCount": 1, "source": "available_agents",
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/"), &seen
}

func TestClient(t *testing.T) {
	c, seen := newTestServer(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Role != types.RoleAgent || status.CallState != types.CallRinging {
		t.Errorf("unexpected status: %+v", status)
	}

	res, err := c.Dial(ctx, DialRequest{To: "1900", Priority: types.PriorityUrgent})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if res.CallState != types.CallDialing {
		t.Errorf("expected dialing, got %s", res.CallState)
	}

	if _, err := c.SendTone(ctx, "7"); err != nil {
		t.Fatalf("tone: %v", err)
	}

	calls, err := c.ServerHistory(ctx, 3)
	if err != nil {
		t.Fatalf("server history: %v", err)
	}
	if len(calls) != 1 || calls[0].CallID != "call_1" {
		t.Errorf("unexpected history: %+v", calls)
	}

	avail, err := c.Availability(ctx)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !avail.Success || avail.AvailableCount != 1 {
		t.Errorf("unexpected availability: %+v", avail)
	}

	want := []string{"POST /dial 1900 urgent", "POST /tone 7", "GET /history/server?limit=3"}
	if len(*seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, *seen)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("request %d: expected %q, got %q", i, want[i], (*seen)[i])
		}
	}
}

func TestClientErrors(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"conflict", func() error { _, err := c.Hold(ctx); return err }, ErrConflict},
		{"bad request", func() error { _, err := c.SendTone(ctx, "X"); return err }, ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := c.Accept(ctx); err == nil {
		t.Fatal("expected an error for an unknown route")
	}
}
