package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/backoff"
	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeServer is a minimal call-control server for channel tests
type fakeServer struct {
	srv      *httptest.Server
	ack      bool
	joins    int32
	received chan types.Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T, ack bool) *fakeServer {
	t.Helper()

	fs := &fakeServer{ack: ack, received: make(chan types.Envelope, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()

		for {
			var env types.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch {
			case env.Event == types.EventJoinRoom:
				atomic.AddInt32(&fs.joins, 1)
				if fs.ack {
					fs.write(conn, types.EventJoined, types.Joined{Role: types.RoleCustomer, Identity: "c1"}, "")
				}
			case env.Event == types.EventGetQueueStatus:
				fs.write(conn, types.EventQueueStatus, types.QueueStatusReply{Waiting: 2, AvailableAgents: 1}, env.RequestID)
			default:
				fs.received <- env
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) write(conn *websocket.Conn, event types.Event, payload interface{}, requestID string) {
	env, _ := types.NewEnvelope(event, payload)
	env.RequestID = requestID
	fs.mu.Lock()
	defer fs.mu.Unlock()
	conn.WriteJSON(env)
}

func (fs *fakeServer) broadcast(event types.Event, payload interface{}) {
	fs.mu.Lock()
	conns := append([]*websocket.Conn(nil), fs.conns...)
	fs.mu.Unlock()
	for _, c := range conns {
		fs.write(c, event, payload, "")
	}
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
	fs.conns = nil
}

func newTestChannel(fs *fakeServer, policy backoff.Policy) *Channel {
	return New(Options{
		URL:            fs.url(),
		Role:           types.RoleCustomer,
		Identity:       "c1",
		ConnectTimeout: 500 * time.Millisecond,
		RequestTimeout: 200 * time.Millisecond,
		Policy:         policy,
	}, zerolog.Nop())
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
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

func TestConnectAndSend(t *testing.T) {
	fs := newFakeServer(t, true)
	ch := newTestChannel(fs, backoff.SignalingDefault)
	defer ch.Close()

	joined := make(chan types.Envelope, 1)
	ch.On(types.EventJoined, func(env types.Envelope) { joined <- env })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if ch.State() != types.ConnConnected {
		t.Errorf("expected connected, got %s", ch.State())
	}
	waitFor(t, joined)

	if err := ch.Send(types.EventDial, types.Dial{FromNumber: "0912345678", ToNumber: "1900"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	env := waitFor(t, fs.received)
	if env.Event != types.EventDial {
		t.Errorf("expected dial, got %s", env.Event)
	}
	var dial types.Dial
	env.Decode(&dial)
	if dial.ToNumber != "1900" {
		t.Errorf("expected toNumber 1900, got %s", dial.ToNumber)
	}
}

func TestConnectTimeoutDoesNotRetry(t *testing.T) {
	fs := newFakeServer(t, false)
	ch := New(Options{
		URL:            fs.url(),
		Role:           types.RoleCustomer,
		Identity:       "c1",
		ConnectTimeout: 100 * time.Millisecond,
	}, zerolog.Nop())
	defer ch.Close()

	errs := make(chan ConnectionError, 4)
	events.Subscribe(ch.Bus(), func(e ConnectionError) { errs <- e })

	err := ch.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if ch.State() != types.ConnDisconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
	waitFor(t, errs)

	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&fs.joins); n != 1 {
		t.Errorf("expected exactly one join attempt, got %d", n)
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	fs := newFakeServer(t, true)
	ch := newTestChannel(fs, backoff.SignalingDefault)

	if err := ch.Send(types.EventEndCall, types.EndCall{CallID: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestRequestReply(t *testing.T) {
	fs := newFakeServer(t, true)
	ch := newTestChannel(fs, backoff.SignalingDefault)
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	reply, err := ch.Request(context.Background(), types.EventGetQueueStatus, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if reply.Event != types.EventQueueStatus {
		t.Errorf("expected queue_status, got %s", reply.Event)
	}
	var status types.QueueStatusReply
	reply.Decode(&status)
	if status.Waiting != 2 {
		t.Errorf("expected 2 waiting, got %d", status.Waiting)
	}
}

func TestRequestTimeout(t *testing.T) {
	fs := newFakeServer(t, true)
	ch := newTestChannel(fs, backoff.SignalingDefault)
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	start := time.Now()
	_, err := ch.Request(context.Background(), types.EventGetCallHistory, types.CallHistoryRequest{Limit: 5})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Errorf("request returned before its timeout")
	}
}

func TestReconnectAfterUnexpectedDrop(t *testing.T) {
	fs := newFakeServer(t, true)
	ch := newTestChannel(fs, backoff.Policy{MaxAttempts: 5, Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond})
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	reconnecting := make(chan Reconnecting, 4)
	reconnected := make(chan Reconnected, 1)
	dropped := make(chan Disconnected, 1)
	events.Subscribe(ch.Bus(), func(e Reconnecting) { reconnecting <- e })
	events.Subscribe(ch.Bus(), func(e Reconnected) { reconnected <- e })
	events.Subscribe(ch.Bus(), func(e Disconnected) { dropped <- e })

	fs.dropAll()

	d := waitFor(t, dropped)
	if d.Intentional || d.ServerInitiated {
		t.Errorf("expected unexpected drop, got %+v", d)
	}
	r := waitFor(t, reconnecting)
	if r.Attempt != 1 {
		t.Errorf("expected first reconnect attempt to be 1, got %d", r.Attempt)
	}
	waitFor(t, reconnected)

	if ch.State() != types.ConnConnected {
		t.Errorf("expected connected after reconnect, got %s", ch.State())
	}
	if ch.ReconnectAttempt() != 0 {
		t.Errorf("expected attempt counter reset, got %d", ch.ReconnectAttempt())
	}
	if n := atomic.LoadInt32(&fs.joins); n != 2 {
		t.Errorf("expected rejoin after reconnect, got %d joins", n)
	}
}

func TestServerInitiatedDisconnectDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t, true)
	ch := newTestChannel(fs, backoff.Policy{MaxAttempts: 5, Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond})
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	dropped := make(chan Disconnected, 1)
	events.Subscribe(ch.Bus(), func(e Disconnected) { dropped <- e })

	fs.broadcast(types.EventForceDisconnect, types.ForceDisconnect{Reason: "logout"})
	time.Sleep(50 * time.Millisecond)
	fs.dropAll()

	d := waitFor(t, dropped)
	if !d.ServerInitiated {
		t.Errorf("expected server-initiated disconnect, got %+v", d)
	}

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&fs.joins); n != 1 {
		t.Errorf("expected no reconnect, got %d joins", n)
	}
	if ch.State() != types.ConnDisconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
}

func TestReconnectExhausted(t *testing.T) {
	fs := newFakeServer(t, true)
	ch := newTestChannel(fs, backoff.Policy{MaxAttempts: 2, Base: 5 * time.Millisecond, Cap: 10 * time.Millisecond})
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	exhausted := make(chan ReconnectExhausted, 1)
	events.Subscribe(ch.Bus(), func(e ReconnectExhausted) { exhausted <- e })

	fs.srv.Close()
	fs.dropAll()

	e := waitFor(t, exhausted)
	if e.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", e.Attempts)
	}
	if ch.State() != types.ConnDisconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
}

func TestCloseIsIntentional(t *testing.T) {
	fs := newFakeServer(t, true)
	ch := newTestChannel(fs, backoff.Policy{MaxAttempts: 5, Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	dropped := make(chan Disconnected, 1)
	events.Subscribe(ch.Bus(), func(e Disconnected) { dropped <- e })

	ch.Close()
	ch.Close()

	d := waitFor(t, dropped)
	if !d.Intentional {
		t.Errorf("expected intentional close, got %+v", d)
	}
	if err := ch.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&fs.joins); n != 1 {
		t.Errorf("expected no reconnect after Close, got %d joins", n)
	}
}
