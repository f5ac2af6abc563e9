package softphone

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/monti/callcore/internal/discovery"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

func (p *Phone) session() error {
	if p.machine == nil {
		return fmt.Errorf("%w: %s has no call session", ErrUnsupported, p.cfg.Role)
	}
	return nil
}

// Dial calls to. An empty from is filled in by the server with the identity.
func (p *Phone) Dial(from, to string, info *types.CustomerInfo, priority types.Priority) error {
	if err := p.session(); err != nil {
		return err
	}
	return p.machine.Dial(from, to, info, priority)
}

func (p *Phone) Accept() error {
	if err := p.session(); err != nil {
		return err
	}
	return p.machine.Accept()
}

func (p *Phone) Decline(reason string) error {
	if err := p.session(); err != nil {
		return err
	}
	return p.machine.Decline(reason)
}

func (p *Phone) Hold() error {
	if err := p.session(); err != nil {
		return err
	}
	return p.machine.Hold()
}

func (p *Phone) Resume() error {
	if err := p.session(); err != nil {
		return err
	}
	return p.machine.Resume()
}

func (p *Phone) End(reason string) error {
	if err := p.session(); err != nil {
		return err
	}
	return p.machine.End(reason)
}

func (p *Phone) SendTone(tone string) error {
	if err := p.session(); err != nil {
		return err
	}
	return p.machine.SendTone(tone)
}

func (p *Phone) Transfer(targetAgentID, reason string) error {
	if err := p.session(); err != nil {
		return err
	}
	return p.machine.Transfer(targetAgentID, reason)
}

// Mute stops local audio on the current call
func (p *Phone) Mute() error {
	if err := p.session(); err != nil {
		return err
	}
	return p.engine.Mute()
}

func (p *Phone) Unmute() error {
	if err := p.session(); err != nil {
		return err
	}
	return p.engine.Unmute()
}

// History returns the calls finished in this process, newest first
func (p *Phone) History() []types.CallSession {
	if p.machine == nil {
		return []types.CallSession{}
	}
	return p.machine.History()
}

// ServerHistory asks the call-control server for recent call records
func (p *Phone) ServerHistory(ctx context.Context, limit int) ([]types.CallRecord, error) {
	env, err := p.ch.Request(ctx, types.EventGetCallHistory, types.CallHistoryRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	var reply types.CallHistoryReply
	if err := env.Decode(&reply); err != nil {
		return nil, fmt.Errorf("softphone: decode call history: %w", err)
	}
	if reply.Calls == nil {
		reply.Calls = []types.CallRecord{}
	}
	return reply.Calls, nil
}

// QueueStatus asks the server how many calls are waiting
func (p *Phone) QueueStatus(ctx context.Context) (types.QueueStatusReply, error) {
	var reply types.QueueStatusReply
	env, err := p.ch.Request(ctx, types.EventGetQueueStatus, nil)
	if err != nil {
		return reply, err
	}
	if err := env.Decode(&reply); err != nil {
		return reply, fmt.Errorf("softphone: decode queue status: %w", err)
	}
	return reply, nil
}

// Availability runs the agent discovery chain. Results are never cached.
func (p *Phone) Availability(ctx context.Context) discovery.Result {
	return p.discovery.Check(ctx)
}
