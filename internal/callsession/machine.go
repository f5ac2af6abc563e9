// Package callsession owns the lifecycle of the single call a client may
// have at a time. Commands are guarded by the current state; inbound
// signaling events drive every transition except the local dial and hangup.
package callsession

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/signaling"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultGrace is how long an ended call stays in after-call work
	DefaultGrace = 5 * time.Second

	// DefaultHistorySize bounds the in-memory call history
	DefaultHistorySize = 50

	validTones = "0123456789*#ABCD"

	// finishedMemory bounds the ids kept to reject late events of old calls
	finishedMemory = 64
)

var (
	ErrInvalidState    = errors.New("callsession: invalid state")
	ErrCallInProgress  = errors.New("callsession: call in progress")
	ErrInvalidArgument = errors.New("callsession: invalid argument")
)

// Sender is the part of the signaling channel the machine writes to
type Sender interface {
	Send(event types.Event, payload interface{}) error
}

// MediaController starts media for a connected call and tears it down on exit
type MediaController interface {
	Start(callID string)
	Stop(callID string)
}

type noopMedia struct{}

func (noopMedia) Start(string) {}
func (noopMedia) Stop(string)  {}

// Options configures a Machine
type Options struct {
	Role        types.Role
	AgentID     string
	Grace       time.Duration
	HistorySize int
	Now         func() time.Time
}

// Machine is the call session state machine of one client
type Machine struct {
	opts   Options
	sender Sender
	media  MediaController
	bus    *events.Bus
	logger zerolog.Logger

	mu          sync.Mutex
	state       types.CallState
	session     *types.CallSession
	history     []types.CallSession
	pending     types.Event // command sent and not yet confirmed
	mediaCallID string      // call for which media was started
	orphans     int         // dials hung up before the server assigned an id
	finished    []string    // ids of recently finished calls, never adopted again
	resetTimer  *time.Timer
	resetGen    uint64
}

// New creates a Machine in the idle state. media may be nil.
func New(opts Options, sender Sender, media MediaController, logger zerolog.Logger) *Machine {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if media == nil {
		media = noopMedia{}
	}

	log := logger.With().Str("component", "callsession").Str("role", string(opts.Role)).Logger()
	return &Machine{
		opts:   opts,
		sender: sender,
		media:  media,
		bus:    events.New(log),
		logger: log,
		state:  types.CallIdle,
	}
}

// Bus returns the machine's event bus
func (m *Machine) Bus() *events.Bus {
	return m.bus
}

// SetMedia replaces the media controller. Must be called before the first call.
func (m *Machine) SetMedia(media MediaController) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if media == nil {
		media = noopMedia{}
	}
	m.media = media
}

// Bind feeds the machine from a signaling channel. The returned func unbinds it.
func (m *Machine) Bind(ch *signaling.Channel) func() {
	msgs := events.Subscribe(ch.Bus(), func(msg signaling.Message) {
		m.HandleEnvelope(msg.Envelope)
	})
	drops := events.Subscribe(ch.Bus(), func(d signaling.Disconnected) {
		m.HandleSignalingLost()
	})
	return func() {
		msgs.Off()
		drops.Off()
	}
}

// State returns the current call state
func (m *Machine) State() types.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the current session, nil when idle
func (m *Machine) Snapshot() *types.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// History returns finished calls, newest first
func (m *Machine) History() []types.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.CallSession, len(m.history))
	copy(out, m.history)
	return out
}

// Dial starts an outbound call. It fails with ErrCallInProgress unless the
// machine is idle or wrapping up a finished call.
func (m *Machine) Dial(from, to string, info *types.CustomerInfo, priority types.Priority) error {
	if to == "" {
		to = types.DefaultHotline
	}
	if priority == "" {
		priority = types.PriorityNormal
	}

	m.mu.Lock()
	if m.state.IsActive() {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: dial while %s", ErrCallInProgress, state)
	}

	err := m.sender.Send(types.EventDial, types.Dial{
		FromNumber:   from,
		ToNumber:     to,
		CustomerInfo: info,
		Priority:     priority,
	})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("callsession: dial: %w", err)
	}

	var fx []func()
	m.cancelResetLocked()
	now := m.opts.Now()
	m.session = &types.CallSession{
		Direction:         types.DirectionOutbound,
		State:             m.state,
		CounterpartNumber: to,
		CustomerInfo:      info,
		StartedAt:         &now,
	}
	m.pending = ""
	m.transitionLocked(types.CallDialing, &fx)
	m.mu.Unlock()

	m.logger.Info().Str("to", to).Str("priority", string(priority)).Msg("dialing")
	run(fx)
	return nil
}

// Accept answers the ringing call. A second Accept before the server confirms is rejected.
func (m *Machine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.CallRinging {
		return fmt.Errorf("%w: accept while %s", ErrInvalidState, m.state)
	}
	if m.pending == types.EventAcceptCall {
		return fmt.Errorf("%w: accept already sent for %s", ErrInvalidState, m.session.CallID)
	}

	err := m.sender.Send(types.EventAcceptCall, types.AcceptCall{
		CallID:  m.session.CallID,
		AgentID: m.opts.AgentID,
	})
	if err != nil {
		return fmt.Errorf("callsession: accept: %w", err)
	}
	m.pending = types.EventAcceptCall
	return nil
}

// Decline refuses the ringing call and ends it locally
func (m *Machine) Decline(reason string) error {
	if reason == "" {
		reason = "declined"
	}

	m.mu.Lock()
	if m.state != types.CallRinging {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: decline while %s", ErrInvalidState, state)
	}

	err := m.sender.Send(types.EventDeclineCall, types.DeclineCall{
		CallID:  m.session.CallID,
		AgentID: m.opts.AgentID,
		Reason:  reason,
	})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("callsession: decline: %w", err)
	}

	var fx []func()
	m.finishLocked(types.CallEnded, reason, 0, &fx)
	m.mu.Unlock()
	run(fx)
	return nil
}

// Hold puts the connected call on hold
func (m *Machine) Hold() error {
	return m.control(types.EventHoldCall, types.CallConnected)
}

// Resume takes the call off hold
func (m *Machine) Resume() error {
	return m.control(types.EventResumeCall, types.CallOnHold)
}

// control sends a hold or resume request guarded by the required state
func (m *Machine) control(event types.Event, required types.CallState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != required {
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, event, m.state)
	}
	if m.pending == event {
		return fmt.Errorf("%w: %s already sent", ErrInvalidState, event)
	}
	if err := m.sender.Send(event, types.CallRef{CallID: m.session.CallID}); err != nil {
		return fmt.Errorf("callsession: %s: %w", event, err)
	}
	m.pending = event
	return nil
}

// End hangs up the current call. The session ends locally even when the
// hangup cannot be delivered to the server.
func (m *Machine) End(reason string) error {
	if reason == "" {
		reason = "hangup"
	}

	m.mu.Lock()
	if !m.state.IsActive() {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: end while %s", ErrInvalidState, state)
	}

	callID := m.session.CallID
	if callID == "" {
		m.orphans++
	} else if err := m.sender.Send(types.EventEndCall, types.EndCall{CallID: callID, Reason: reason}); err != nil {
		m.logger.Warn().Err(err).Str("call_id", callID).Msg("failed to send end_call, ending locally")
	}

	var fx []func()
	m.finishLocked(types.CallEnded, reason, 0, &fx)
	m.mu.Unlock()
	run(fx)
	return nil
}

// SendTone sends a DTMF tone on the connected call
func (m *Machine) SendTone(tone string) error {
	if len(tone) != 1 || !strings.Contains(validTones, strings.ToUpper(tone)) {
		return fmt.Errorf("%w: tone %q", ErrInvalidArgument, tone)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.CallConnected {
		return fmt.Errorf("%w: send tone while %s", ErrInvalidState, m.state)
	}
	err := m.sender.Send(types.EventSendTone, types.SendTone{
		CallID: m.session.CallID,
		Tone:   strings.ToUpper(tone),
	})
	if err != nil {
		return fmt.Errorf("callsession: send tone: %w", err)
	}
	return nil
}

// Transfer hands the call to another agent
func (m *Machine) Transfer(targetAgentID, reason string) error {
	if targetAgentID == "" {
		return fmt.Errorf("%w: transfer target is empty", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.CallConnected && m.state != types.CallOnHold {
		return fmt.Errorf("%w: transfer while %s", ErrInvalidState, m.state)
	}
	err := m.sender.Send(types.EventTransferCall, types.TransferCall{
		CallID:        m.session.CallID,
		TargetAgentID: targetAgentID,
		Reason:        reason,
	})
	if err != nil {
		return fmt.Errorf("callsession: transfer: %w", err)
	}
	return nil
}

// HandleSignalingLost ends any active call: it cannot be assumed live after a drop
func (m *Machine) HandleSignalingLost() {
	m.mu.Lock()
	m.orphans = 0
	if !m.state.IsActive() {
		m.mu.Unlock()
		return
	}

	var fx []func()
	m.logger.Warn().Str("call_id", m.session.CallID).Msg("signaling lost during call")
	m.finishLocked(types.CallEnded, "signaling_lost", 0, &fx)
	m.mu.Unlock()
	run(fx)
}

// transitionLocked moves to state to and queues the StateChanged publication
func (m *Machine) transitionLocked(to types.CallState, fx *[]func()) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.session != nil {
		m.session.State = to
	}
	snap := m.session.Clone()

	ev := m.logger.Debug().Str("from", string(from)).Str("to", string(to))
	if snap != nil {
		ev = ev.Str("call_id", snap.CallID)
	}
	ev.Msg("call state changed")

	*fx = append(*fx, func() {
		events.Publish(m.bus, StateChanged{From: from, To: to, Session: snap})
	})
}

// finishLocked moves the session to ended or failed, records history and
// schedules the return to idle
func (m *Machine) finishLocked(to types.CallState, reason string, serverDuration float64, fx *[]func()) {
	s := m.session
	now := m.opts.Now()
	s.EndedAt = &now
	s.EndReason = reason
	s.QueuePosition = 0
	s.EstimatedWaitSeconds = 0
	if serverDuration > 0 {
		s.Duration = serverDuration
	} else if s.ConnectedAt != nil {
		s.Duration = now.Sub(*s.ConnectedAt).Seconds()
	}
	m.pending = ""
	m.rememberFinishedLocked(s.CallID)

	// media goes first so the microphone is released before anyone observes the end
	if m.mediaCallID != "" {
		media, callID := m.media, m.mediaCallID
		m.mediaCallID = ""
		*fx = append(*fx, func() { media.Stop(callID) })
	}

	m.transitionLocked(to, fx)
	m.appendHistoryLocked(s)

	snap := s.Clone()
	if to == types.CallFailed {
		*fx = append(*fx, func() { events.Publish(m.bus, CallFailed{Session: snap, Message: reason}) })
	} else {
		*fx = append(*fx, func() { events.Publish(m.bus, CallEnded{Session: snap}) })
		m.transitionLocked(types.CallAfterCallWork, fx)
	}

	m.logger.Info().
		Str("call_id", s.CallID).
		Str("state", string(to)).
		Str("reason", reason).
		Float64("duration", s.Duration).
		Msg("call finished")

	m.scheduleResetLocked()
}

func (m *Machine) rememberFinishedLocked(callID string) {
	if callID == "" {
		return
	}
	m.finished = append(m.finished, callID)
	if len(m.finished) > finishedMemory {
		m.finished = m.finished[len(m.finished)-finishedMemory:]
	}
}

func (m *Machine) finishedLocked(callID string) bool {
	for _, id := range m.finished {
		if id == callID {
			return true
		}
	}
	return false
}

func (m *Machine) appendHistoryLocked(s *types.CallSession) {
	m.history = append([]types.CallSession{*s.Clone()}, m.history...)
	if len(m.history) > m.opts.HistorySize {
		m.history = m.history[:m.opts.HistorySize]
	}
}

func (m *Machine) scheduleResetLocked() {
	m.cancelResetLocked()
	gen := m.resetGen
	m.resetTimer = time.AfterFunc(m.opts.Grace, func() { m.resetToIdle(gen) })
}

func (m *Machine) cancelResetLocked() {
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	m.resetGen++
}

// resetToIdle runs when the grace window elapses
func (m *Machine) resetToIdle(gen uint64) {
	m.mu.Lock()
	if gen != m.resetGen || !m.state.IsTerminal() {
		m.mu.Unlock()
		return
	}

	var fx []func()
	m.session = nil
	m.resetTimer = nil
	m.transitionLocked(types.CallIdle, &fx)
	m.mu.Unlock()
	run(fx)
}

func run(fx []func()) {
	for _, f := range fx {
		f()
	}
}
