package crmapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientDecodesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents/available", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"agents":[{"id":"agent_1","username":"agent01","status":"available","priority":2}],"count":1},"message":"ok"}`))
	})
	mux.HandleFunc("/api/webrtc/config", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"iceServers":[{"urls":["stun:stun.l.google.com:19302"]}]}}`))
	})
	mux.HandleFunc("/api/tickets/T-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"id":"T-1","subject":"Card blocked","status":"open"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", time.Second)

	agents, err := c.AvailableAgents(context.Background())
	if err != nil {
		t.Fatalf("available agents failed: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "agent_1" || agents[0].Priority != 2 {
		t.Errorf("unexpected agents: %+v", agents)
	}

	cfg, err := c.ICEConfig(context.Background())
	if err != nil {
		t.Fatalf("ice config failed: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("unexpected ice config: %+v", cfg)
	}

	ticket, err := c.FetchTicket(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("fetch ticket failed: %v", err)
	}
	if ticket.Subject != "Card blocked" {
		t.Errorf("unexpected ticket: %+v", ticket)
	}
}

func TestClientFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantSent bool
	}{
		{"success false", http.StatusOK, `{"success":false,"message":"no agents"}`, true},
		{"server error", http.StatusInternalServerError, `{"success":false,"message":"db down"}`, true},
		{"not found without body", http.StatusNotFound, ``, true},
		{"malformed body", http.StatusOK, `<html>`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", time.Second).AgentStatuses(context.Background())
			if err == nil {
				t.Fatal("expected an error")
			}
			if errors.Is(err, ErrUnsuccessful) != tt.wantSent {
				t.Errorf("ErrUnsuccessful=%v, want %v (err: %v)", errors.Is(err, ErrUnsuccessful), tt.wantSent, err)
			}
		})
	}
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", 50*time.Millisecond).DemoAgents(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
