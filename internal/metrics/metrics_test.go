package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSnapshotCounts(t *testing.T) {
	m := New()
	m.RecordWebSocketConnect()
	m.RecordWebSocketConnect()
	m.RecordWebSocketDisconnect()
	m.RecordCallCreated()
	m.RecordCallEnded("customer_hangup")
	m.RecordCallEnded("customer_hangup")
	m.RecordMediaRelay("offer")

	s := m.Snapshot()
	if s.ActiveConnections != 1 || s.ConnectionsTotal != 2 {
		t.Errorf("unexpected connection counters: %+v", s)
	}
	if s.CallsEndedByReason["customer_hangup"] != 2 {
		t.Errorf("expected 2 hangups, got %d", s.CallsEndedByReason["customer_hangup"])
	}

	// the snapshot is a copy
	s.MediaRelayed["offer"] = 100
	if m.Snapshot().MediaRelayed["offer"] != 1 {
		t.Error("snapshot must not alias internal maps")
	}
}

func TestHandlers(t *testing.T) {
	m := New()
	m.RecordCallEnded("agent_disconnected")
	m.RecordHTTPRequest("/health", 200)

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `callcore_calls_ended_total{reason="agent_disconnected"} 1`) {
		t.Errorf("missing ended counter in:\n%s", body)
	}
	if !strings.Contains(body, `callcore_http_requests_total{endpoint="/health",status="200"} 1`) {
		t.Errorf("missing http counter in:\n%s", body)
	}

	rec = httptest.NewRecorder()
	m.JSONHandler()(rec, httptest.NewRequest("GET", "/api/metrics", nil))
	var s Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if s.CallsEndedByReason["agent_disconnected"] != 1 {
		t.Errorf("unexpected json snapshot: %+v", s)
	}
}
