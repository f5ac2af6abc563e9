// Package softphone assembles one client process of the call center: the
// customer softphone, the agent desk or the CRM gateway, picked by role.
package softphone

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dennisdiepolder/monti/callcore/internal/callsession"
	"github.com/dennisdiepolder/monti/callcore/internal/config"
	"github.com/dennisdiepolder/monti/callcore/internal/crmapi"
	"github.com/dennisdiepolder/monti/callcore/internal/discovery"
	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/gateway"
	"github.com/dennisdiepolder/monti/callcore/internal/media"
	"github.com/dennisdiepolder/monti/callcore/internal/signaling"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnsupported is returned for a command the configured role cannot issue
var ErrUnsupported = errors.New("softphone: not available for this role")

// Options overrides the devices and collaborators of a Phone
type Options struct {
	Peers      media.PeerFactory // nil uses pion with the capture device codecs
	Microphone media.Microphone  // nil uses the capture device, unless Peers is set
	Notifier   gateway.Notifier  // nil logs notifications
	Agents     discovery.AgentSource
	ICE        media.ICEProvider
}

// Status is the view of the phone served by the control API
type Status struct {
	Role             types.Role            `json:"role"`
	Identity         string                `json:"identity"`
	Connection       types.ConnectionState `json:"connection"`
	ReconnectAttempt int                   `json:"reconnectAttempt"`
	CallState        types.CallState       `json:"callState,omitempty"`
	Call             *types.CallSession    `json:"call,omitempty"`
	Media            *types.MediaSession   `json:"media,omitempty"`
	Gateway          *gateway.Health       `json:"gateway,omitempty"`
}

// Phone owns the signaling channel, call session and media engine of a
// customer or agent, or the gateway of a CRM system
type Phone struct {
	cfg       config.Softphone
	ch        *signaling.Channel
	machine   *callsession.Machine
	engine    *media.Engine
	gw        *gateway.Gateway
	discovery *discovery.Orchestrator
	logger    zerolog.Logger
	subs      []func()
}

// New wires a Phone for cfg.Role. Nothing is dialed until Connect.
func New(cfg config.Softphone, opts Options, logger zerolog.Logger) (*Phone, error) {
	switch cfg.Role {
	case types.RoleAgent, types.RoleCustomer, types.RoleCRMSystem:
	default:
		return nil, fmt.Errorf("softphone: unknown role %q", cfg.Role)
	}
	if cfg.UserID == "" {
		cfg.UserID = string(cfg.Role) + "_" + uuid.NewString()[:8]
	}

	log := logger.With().Str("identity", cfg.UserID).Logger()
	api := crmapi.NewClient(cfg.APIURL, cfg.APIToken, cfg.RequestTimeout)
	agents := opts.Agents
	if agents == nil {
		agents = api
	}

	p := &Phone{
		cfg:       cfg,
		discovery: discovery.Default(agents, log),
		logger:    log,
	}

	var header http.Header
	if cfg.APIToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.APIToken}}
	}

	if cfg.Role == types.RoleCRMSystem {
		notifier := opts.Notifier
		if notifier == nil {
			notifier = gateway.LogNotifier{Enabled: cfg.Notifications, Logger: log}
		}
		p.gw = gateway.New(gateway.Options{
			URL:            cfg.SignalingURL,
			UserID:         cfg.UserID,
			Header:         header,
			ConnectTimeout: cfg.ConnectTimeout,
			Policy:         cfg.Reconnect,
		}, notifier, log)
		p.ch = p.gw.Channel()
		p.watch()
		return p, nil
	}

	p.ch = signaling.New(signaling.Options{
		URL:            cfg.SignalingURL,
		Role:           cfg.Role,
		Identity:       cfg.UserID,
		Name:           cfg.Name,
		Header:         header,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Policy:         cfg.Reconnect,
	}, log)

	peers, mic := opts.Peers, opts.Microphone
	if peers == nil {
		device := media.NewDeviceMicrophone(log)
		peers = media.NewPionFactory(device.RegisterCodecs, log)
		if mic == nil {
			mic = device
		}
	}
	var ice media.ICEProvider = api
	if opts.ICE != nil {
		ice = opts.ICE
	}
	p.engine = media.New(media.Options{
		Role:       cfg.Role,
		ICE:        ice,
		Microphone: mic,
		Peers:      peers,
	}, p.ch, log)

	agentID := ""
	if cfg.Role == types.RoleAgent {
		agentID = cfg.UserID
	}
	p.machine = callsession.New(callsession.Options{
		Role:        cfg.Role,
		AgentID:     agentID,
		Grace:       cfg.GracePeriod,
		HistorySize: cfg.HistorySize,
	}, p.ch, p.engine, log)

	// the machine sees call events before the engine sees room events
	p.subs = append(p.subs, p.machine.Bind(p.ch), p.engine.Bind(p.ch))
	p.watch()
	return p, nil
}

func (p *Phone) watch() {
	bus := p.ch.Bus()
	reconnecting := events.Subscribe(bus, func(e signaling.Reconnecting) {
		p.logger.Warn().Int("attempt", e.Attempt).Dur("delay", e.Delay).Msg("signaling lost, reconnecting")
	})
	reconnected := events.Subscribe(bus, func(e signaling.Reconnected) {
		p.logger.Info().Int("attempt", e.Attempt).Msg("signaling reconnected")
	})
	exhausted := events.Subscribe(bus, func(e signaling.ReconnectExhausted) {
		p.logger.Error().Int("attempts", e.Attempts).Msg("gave up reconnecting")
	})
	p.subs = append(p.subs, reconnecting.Off, reconnected.Off, exhausted.Off)

	if p.engine != nil {
		mediaErrors := events.Subscribe(p.engine.Bus(), func(e media.MediaError) {
			p.logger.Warn().Err(e.Err).Str("call_id", e.CallID).Msg("media error")
		})
		p.subs = append(p.subs, mediaErrors.Off)
	}
}

// Connect opens the signaling channel. A failed initial connect is returned,
// never retried.
func (p *Phone) Connect(ctx context.Context) error {
	if p.gw != nil {
		return p.gw.Connect(ctx)
	}
	if err := p.ch.Connect(ctx); err != nil {
		return fmt.Errorf("softphone: connect: %w", err)
	}
	return nil
}

// Close hangs up an active call, releases media and closes the channel
func (p *Phone) Close() error {
	if p.machine != nil && p.machine.State().IsActive() {
		if err := p.machine.End("client_shutdown"); err != nil {
			p.logger.Warn().Err(err).Msg("failed to end call on shutdown")
		}
	}
	if p.engine != nil {
		p.engine.EndCall()
	}
	for _, off := range p.subs {
		off()
	}
	p.subs = nil

	if p.gw != nil {
		return p.gw.Close()
	}
	return p.ch.Close()
}

// Role returns the configured role
func (p *Phone) Role() types.Role {
	return p.cfg.Role
}

// Identity returns the user id the phone joined with
func (p *Phone) Identity() string {
	return p.cfg.UserID
}

// Gateway returns the CRM gateway, nil unless the role is crm_system
func (p *Phone) Gateway() *gateway.Gateway {
	return p.gw
}

// Session returns the call session machine, nil for crm_system
func (p *Phone) Session() *callsession.Machine {
	return p.machine
}

// Status reports connection, call and media state
func (p *Phone) Status() Status {
	s := Status{
		Role:             p.cfg.Role,
		Identity:         p.cfg.UserID,
		Connection:       p.ch.State(),
		ReconnectAttempt: p.ch.ReconnectAttempt(),
	}
	if p.machine != nil {
		s.CallState = p.machine.State()
		s.Call = p.machine.Snapshot()
		s.Media = p.engine.Snapshot()
	}
	if p.gw != nil {
		h := p.gw.Health()
		s.Gateway = &h
	}
	return s
}
