package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dennisdiepolder/monti/callcore/internal/callsession"
	"github.com/dennisdiepolder/monti/callcore/internal/discovery"
	"github.com/dennisdiepolder/monti/callcore/internal/gateway"
	"github.com/dennisdiepolder/monti/callcore/internal/media"
	"github.com/dennisdiepolder/monti/callcore/internal/signaling"
	"github.com/dennisdiepolder/monti/callcore/internal/softphone"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type fakePhone struct {
	state types.CallState
	err   error // returned by every command
	calls []string
	dial  struct {
		to       string
		priority types.Priority
		info     *types.CustomerInfo
	}
}

func (p *fakePhone) record(call string) error {
	p.calls = append(p.calls, call)
	return p.err
}

func (p *fakePhone) Status() softphone.Status {
	return softphone.Status{Role: types.RoleCustomer, Identity: "cust_1", Connection: types.ConnConnected, CallState: p.state}
}

func (p *fakePhone) Dial(from, to string, info *types.CustomerInfo, priority types.Priority) error {
	p.dial.to, p.dial.priority, p.dial.info = to, priority, info
	return p.record("dial")
}

func (p *fakePhone) Accept() error { return p.record("accept") }
func (p *fakePhone) Decline(reason string) error { return p.record("decline:" + reason) }
func (p *fakePhone) Hold() error { return p.record("hold") }
func (p *fakePhone) Resume() error { return p.record("resume") }
func (p *fakePhone) End(reason string) error { return p.record("end:" + reason) }
func (p *fakePhone) SendTone(tone string) error { return p.record("tone:" + tone) }
func (p *fakePhone) Mute() error { return p.record("mute") }
func (p *fakePhone) Unmute() error { return p.record("unmute") }

func (p *fakePhone) Transfer(target, reason string) error {
	return p.record("transfer:" + target)
}

func (p *fakePhone) History() []types.CallSession {
	return []types.CallSession{{CallID: "call_1", State: types.CallEnded, EndReason: "hangup"}}
}

func (p *fakePhone) ServerHistory(ctx context.Context, limit int) ([]types.CallRecord, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []types.CallRecord{{CallID: "call_1", AgentID: "agent_1"}}[:min(limit, 1)], nil
}

func (p *fakePhone) QueueStatus(ctx context.Context) (types.QueueStatusReply, error) {
	return types.QueueStatusReply{Waiting: 2, AvailableAgents: 1, EstimatedWaitSeconds: 360}, p.err
}

func (p *fakePhone) Availability(ctx context.Context) discovery.Result {
	return discovery.Result{Agents: []types.AgentInfo{}, Message: "No agents currently available", Source: discovery.SourceNone}
}

type fakeCallCenter struct {
	sent []string
}

func (c *fakeCallCenter) Health() gateway.Health {
	return gateway.Health{Connected: true, State: types.ConnConnected}
}

func (c *fakeCallCenter) AnswerCall(callID, agentID string) error {
	c.sent = append(c.sent, "answer:"+callID+":"+agentID)
	return nil
}

func (c *fakeCallCenter) RejectCall(callID, reason string) error {
	c.sent = append(c.sent, "reject:"+callID+":"+reason)
	return nil
}

func (c *fakeCallCenter) EndCall(callID, reason string) error {
	c.sent = append(c.sent, "end:"+callID)
	return nil
}

func (c *fakeCallCenter) TransferCall(callID, target, reason string) error {
	c.sent = append(c.sent, "transfer:"+callID+":"+target)
	return nil
}

func (c *fakeCallCenter) HoldCall(callID string) error {
	c.sent = append(c.sent, "hold:"+callID)
	return nil
}

func (c *fakeCallCenter) ResumeCall(callID string) error {
	c.sent = append(c.sent, "resume:"+callID)
	return nil
}

func setupTestAPI(phone *fakePhone, cc CallCenter) *mux.Router {
	api := NewAPI(phone, zerolog.Nop())
	if cc != nil {
		api.SetCallCenter(cc)
	}
	router := mux.NewRouter()
	api.SetupRoutes(router)
	return router
}

func do(router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	router := setupTestAPI(&fakePhone{}, nil)

	w := do(router, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %s", body["status"])
	}
}

func TestStatusHandler(t *testing.T) {
	router := setupTestAPI(&fakePhone{state: types.CallRinging}, nil)

	w := do(router, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body softphone.Status
	json.NewDecoder(w.Body).Decode(&body)
	if body.CallState != types.CallRinging || body.Identity != "cust_1" {
		t.Fatalf("unexpected status: %+v", body)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"accept", "/accept", "", "accept"},
		{"decline with reason", "/decline", `{"reason":"busy"}`, "decline:busy"},
		{"hold", "/hold", "", "hold"},
		{"resume", "/resume", "", "resume"},
		{"end without body", "/end", "", "end:"},
		{"tone", "/tone", `{"tone":"5"}`, "tone:5"},
		{"transfer", "/transfer", `{"targetAgentId":"agent_2"}`, "transfer:agent_2"},
		{"mute", "/mute", "", "mute"},
		{"unmute", "/unmute", "", "unmute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phone := &fakePhone{}
			router := setupTestAPI(phone, nil)

			w := do(router, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if len(phone.calls) != 1 || phone.calls[0] != tt.want {
				t.Fatalf("expected %q, got %v", tt.want, phone.calls)
			}
		})
	}
}

func TestDialHandler(t *testing.T) {
	phone := &fakePhone{state: types.CallDialing}
	router := setupTestAPI(phone, nil)

	w := do(router, http.MethodPost, "/dial", `{"to":"1900","priority":"high","customerInfo":{"name":"Ada","cif":"C-1"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if phone.dial.to != "1900" || phone.dial.priority != types.PriorityHigh {
		t.Fatalf("unexpected dial: %+v", phone.dial)
	}
	if phone.dial.info == nil || phone.dial.info.CIF != "C-1" {
		t.Fatalf("customer info not passed through: %+v", phone.dial.info)
	}

	var body map[string]interface{}
	json.NewDecoder(w.Body).Decode(&body)
	if body["callState"] != string(types.CallDialing) {
		t.Errorf("expected callState dialing, got %v", body["callState"])
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		path string
		body string
		want int
	}{
		{"invalid state", fmt.Errorf("%w: accept while idle", callsession.ErrInvalidState), "/accept", "", http.StatusConflict},
		{"call in progress", fmt.Errorf("%w: dial while connected", callsession.ErrCallInProgress), "/dial", "", http.StatusConflict},
		{"bad tone", fmt.Errorf("%w: tone", callsession.ErrInvalidArgument), "/tone", `{"tone":"X"}`, http.StatusBadRequest},
		{"no media", media.ErrNoSession, "/mute", "", http.StatusConflict},
		{"wrong role", softphone.ErrUnsupported, "/hold", "", http.StatusConflict},
		{"disconnected", signaling.ErrNotConnected, "/end", "", http.StatusServiceUnavailable},
		{"request timeout", signaling.ErrRequestTimeout, "/queue", "", http.StatusGatewayTimeout},
		{"missing tone", nil, "/tone", `{}`, http.StatusBadRequest},
		{"missing target", nil, "/transfer", `{"reason":"x"}`, http.StatusBadRequest},
		{"malformed body", nil, "/dial", `{"to":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupTestAPI(&fakePhone{err: tt.err}, nil)

			method := http.MethodPost
			if tt.path == "/queue" {
				method = http.MethodGet
			}
			w := do(router, method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHistoryHandlers(t *testing.T) {
	router := setupTestAPI(&fakePhone{}, nil)

	w := do(router, http.MethodGet, "/history", "")
	var local []types.CallSession
	json.NewDecoder(w.Body).Decode(&local)
	if len(local) != 1 || local[0].CallID != "call_1" {
		t.Fatalf("unexpected local history: %+v", local)
	}

	w = do(router, http.MethodGet, "/history/server?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var remote struct {
		Calls []types.CallRecord `json:"calls"`
	}
	json.NewDecoder(w.Body).Decode(&remote)
	if len(remote.Calls) != 1 {
		t.Fatalf("unexpected server history: %+v", remote)
	}

	if w := do(router, http.MethodGet, "/history/server?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", w.Code)
	}
}

func TestAvailabilityHandler(t *testing.T) {
	router := setupTestAPI(&fakePhone{}, nil)

	w := do(router, http.MethodGet, "/agents/availability", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 even without agents, got %d", w.Code)
	}
	var res discovery.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Success || res.Source != discovery.SourceNone {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGatewayEndpoints(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		router := setupTestAPI(&fakePhone{}, nil)
		if w := do(router, http.MethodGet, "/gateway/health", ""); w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", w.Code)
		}
	})

	cc := &fakeCallCenter{}
	router := setupTestAPI(&fakePhone{}, cc)

	if w := do(router, http.MethodGet, "/gateway/health", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	requests := []struct {
		path string
		body string
	}{
		{"/gateway/calls/call_9/answer", `{"agentId":"agent_1"}`},
		{"/gateway/calls/call_9/hold", ""},
		{"/gateway/calls/call_9/resume", ""},
		{"/gateway/calls/call_9/transfer", `{"targetAgentId":"agent_2"}`},
		{"/gateway/calls/call_9/reject", `{"reason":"busy"}`},
		{"/gateway/calls/call_9/end", ""},
	}
	for _, req := range requests {
		if w := do(router, http.MethodPost, req.path, req.body); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", req.path, w.Code)
		}
	}

	want := []string{
		"answer:call_9:agent_1",
		"hold:call_9",
		"resume:call_9",
		"transfer:call_9:agent_2",
		"reject:call_9:busy",
		"end:call_9",
	}
	if len(cc.sent) != len(want) {
		t.Fatalf("expected %v, got %v", want, cc.sent)
	}
	for i := range want {
		if cc.sent[i] != want[i] {
			t.Errorf("command %d: expected %q, got %q", i, want[i], cc.sent[i])
		}
	}

	if w := do(router, http.MethodPost, "/gateway/calls/call_9/transfer", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a transfer without target, got %d", w.Code)
	}
}
