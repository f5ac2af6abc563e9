package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/backoff"
	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type callCenter struct {
	srv      *httptest.Server
	joins    chan types.JoinCallCenter
	received chan types.Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newCallCenter(t *testing.T) *callCenter {
	t.Helper()

	cc := &callCenter{
		joins:    make(chan types.JoinCallCenter, 8),
		received: make(chan types.Envelope, 32),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	cc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cc.mu.Lock()
		cc.conns = append(cc.conns, conn)
		cc.mu.Unlock()

		for {
			var env types.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event == types.EventJoinCallCenter {
				var join types.JoinCallCenter
				env.Decode(&join)
				cc.joins <- join
				cc.push(conn, types.EventJoinedCallCenter, types.JoinedCallCenter{UserType: join.UserType, UserID: join.UserID})
				continue
			}
			cc.received <- env
		}
	}))
	t.Cleanup(cc.srv.Close)
	return cc
}

func (cc *callCenter) url() string {
	return "ws" + strings.TrimPrefix(cc.srv.URL, "http")
}

func (cc *callCenter) push(conn *websocket.Conn, event types.Event, payload interface{}) {
	env, _ := types.NewEnvelope(event, payload)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	conn.WriteJSON(env)
}

func (cc *callCenter) broadcast(event types.Event, payload interface{}) {
	cc.mu.Lock()
	conns := append([]*websocket.Conn(nil), cc.conns...)
	cc.mu.Unlock()
	for _, c := range conns {
		cc.push(c, event, payload)
	}
}

func (cc *callCenter) dropAll() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for _, c := range cc.conns {
		c.Close()
	}
	cc.conns = nil
}

type fakeNotifier struct {
	permitted bool
	notified  chan string
}

func (n *fakeNotifier) Permitted() bool { return n.permitted }

func (n *fakeNotifier) Notify(title, body string) error {
	n.notified <- body
	return nil
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func newTestGateway(cc *callCenter, n Notifier) *Gateway {
	return New(Options{
		URL:            cc.url(),
		UserID:         "crm_42",
		ConnectTimeout: time.Second,
		Policy:         backoff.Policy{MaxAttempts: 5, Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
	}, n, zerolog.Nop())
}

func TestJoinsCallCenterAsCRMSystem(t *testing.T) {
	cc := newCallCenter(t)
	g := newTestGateway(cc, nil)
	defer g.Close()

	joined := make(chan Joined, 1)
	events.Subscribe(g.Bus(), func(e Joined) { joined <- e })

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	join := receive(t, cc.joins)
	if join.UserType != types.RoleCRMSystem || join.UserID != "crm_42" {
		t.Errorf("unexpected join payload: %+v", join)
	}
	receive(t, joined)

	h := g.Health()
	if !h.Connected || h.JoinedAt == nil || h.ReconnectAttempt != 0 || h.LastError != "" {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestCommandsRequireCallID(t *testing.T) {
	cc := newCallCenter(t)
	g := newTestGateway(cc, nil)
	defer g.Close()

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"answer", func() error { return g.AnswerCall("", "agent_1") }},
		{"reject", func() error { return g.RejectCall("", "busy") }},
		{"end", func() error { return g.EndCall("", "") }},
		{"transfer", func() error { return g.TransferCall("", "agent_2", "") }},
		{"hold", func() error { return g.HoldCall("") }},
		{"resume", func() error { return g.ResumeCall("") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrMissingCallID) {
				t.Errorf("expected ErrMissingCallID, got %v", err)
			}
		})
	}

	// nothing reached the server; the next frame is the one sent below
	if err := g.HoldCall("call_1"); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	env := receive(t, cc.received)
	if env.Event != types.EventHoldCall || env.CallIDOf() != "call_1" {
		t.Errorf("expected hold_call for call_1, got %s %s", env.Event, env.CallIDOf())
	}
}

func TestAnswerCallDefaultsToUser(t *testing.T) {
	cc := newCallCenter(t)
	g := newTestGateway(cc, nil)
	defer g.Close()

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := g.AnswerCall("call_1", ""); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	env := receive(t, cc.received)
	var p types.AcceptCall
	env.Decode(&p)
	if env.Event != types.EventAnswerCall || p.AgentID != "crm_42" {
		t.Errorf("unexpected answer frame: %s %+v", env.Event, p)
	}
}

func TestIncomingCallNotification(t *testing.T) {
	tests := []struct {
		name      string
		permitted bool
	}{
		{"permission granted", true},
		{"permission denied", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := newCallCenter(t)
			n := &fakeNotifier{permitted: tt.permitted, notified: make(chan string, 1)}
			g := newTestGateway(cc, n)
			defer g.Close()

			incoming := make(chan IncomingCall, 1)
			events.Subscribe(g.Bus(), func(e IncomingCall) { incoming <- e })

			if err := g.Connect(context.Background()); err != nil {
				t.Fatalf("connect failed: %v", err)
			}
			cc.broadcast(types.EventIncomingCallToCRM, types.IncomingCall{CallID: "call_7", FromNumber: "0912345678", CallerName: "Nguyen Van A"})

			e := receive(t, incoming)
			if e.Call.CallID != "call_7" {
				t.Errorf("expected call_7, got %s", e.Call.CallID)
			}

			select {
			case body := <-n.notified:
				if !tt.permitted {
					t.Errorf("unexpected notification %q", body)
				} else if body != "Nguyen Van A (0912345678)" {
					t.Errorf("unexpected notification body %q", body)
				}
			case <-time.After(200 * time.Millisecond):
				if tt.permitted {
					t.Error("expected a notification")
				}
			}
		})
	}
}

func TestRejoinsAfterReconnect(t *testing.T) {
	cc := newCallCenter(t)
	g := newTestGateway(cc, nil)
	defer g.Close()

	joined := make(chan Joined, 4)
	events.Subscribe(g.Bus(), func(e Joined) { joined <- e })

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	receive(t, cc.joins)
	receive(t, joined)

	cc.dropAll()

	receive(t, cc.joins)
	receive(t, joined)
	if h := g.Health(); !h.Connected || h.ReconnectAttempt != 0 {
		t.Errorf("unexpected health after rejoin: %+v", h)
	}
}

func TestServerDisconnectIsFinal(t *testing.T) {
	cc := newCallCenter(t)
	g := newTestGateway(cc, nil)
	defer g.Close()

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	receive(t, cc.joins)

	cc.broadcast(types.EventForceDisconnect, types.ForceDisconnect{Reason: "logout"})
	time.Sleep(50 * time.Millisecond)
	cc.dropAll()

	select {
	case <-cc.joins:
		t.Fatal("gateway rejoined after a server-initiated disconnect")
	case <-time.After(200 * time.Millisecond):
	}
	if h := g.Health(); h.Connected || h.JoinedAt != nil {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestRejectedCommandPublished(t *testing.T) {
	cc := newCallCenter(t)
	g := newTestGateway(cc, nil)
	defer g.Close()

	rejected := make(chan CommandRejected, 1)
	failed := make(chan CallFailed, 1)
	events.Subscribe(g.Bus(), func(e CommandRejected) { rejected <- e })
	events.Subscribe(g.Bus(), func(e CallFailed) { failed <- e })

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	cc.broadcast(types.EventError, types.ErrorMessage{
		CallID:  "call_1",
		Code:    string(types.EventTransferCall),
		Message: "Target agent is not available",
	})

	e := receive(t, rejected)
	if e.Error.CallID != "call_1" || e.Error.Code != string(types.EventTransferCall) {
		t.Errorf("unexpected rejection: %+v", e)
	}
	select {
	case f := <-failed:
		t.Errorf("a rejected command is not a failed call: %+v", f)
	default:
	}
}
