package media

import (
	"fmt"
	"math/rand/v2"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Negotiator decides which side starts the offer/answer exchange and how
// colliding offers are resolved
type Negotiator interface {
	Name() string
	// PeerJoined runs when another party enters the call room
	PeerJoined(n *Negotiation, remote types.Role) error
	// RemoteOffer handles an offer from the other party
	RemoteOffer(n *Negotiation, offer types.SessionDescription) error
	// RemoteAnswer handles the answer to a local offer
	RemoteAnswer(n *Negotiation, answer types.SessionDescription) error
}

// NegotiatorFor returns the negotiator for a role: customers offer, agents answer
func NegotiatorFor(role types.Role) Negotiator {
	if role == types.RoleCustomer {
		return Offerer{}
	}
	return Answerer{}
}

// Offerer creates the offer once the agent joins the call room
type Offerer struct{}

func (Offerer) Name() string { return "offerer" }

// PeerJoined offers to an agent. A peer with our own role means both sides
// may offer; the tie-breaker on the offers settles it.
func (Offerer) PeerJoined(n *Negotiation, remote types.Role) error {
	if remote != types.RoleAgent && remote != n.Role {
		return nil
	}
	return n.Offer()
}

func (Offerer) RemoteOffer(n *Negotiation, offer types.SessionDescription) error {
	return resolveOffer(n, offer)
}

func (Offerer) RemoteAnswer(n *Negotiation, answer types.SessionDescription) error {
	return n.ApplyAnswer(answer)
}

// Answerer waits for the remote offer
type Answerer struct{}

func (Answerer) Name() string { return "answerer" }

func (Answerer) PeerJoined(*Negotiation, types.Role) error { return nil }

func (Answerer) RemoteOffer(n *Negotiation, offer types.SessionDescription) error {
	return resolveOffer(n, offer)
}

func (Answerer) RemoteAnswer(n *Negotiation, answer types.SessionDescription) error {
	return n.ApplyAnswer(answer)
}

// resolveOffer answers a remote offer. With a local offer pending the side
// with the higher tie-breaker keeps its offer and the other rolls back.
func resolveOffer(n *Negotiation, offer types.SessionDescription) error {
	if n.HasLocalOffer() {
		if n.WinsGlare(offer) {
			n.log.Debug().Msg("offer collision, keeping local offer")
			return nil
		}
		if err := n.Rollback(); err != nil {
			return err
		}
	}
	return n.Answer(offer)
}

// Negotiation is the offer/answer exchange of one call
type Negotiation struct {
	CallID string
	Role   types.Role

	pc         PeerConnection
	send       func(event types.Event, payload interface{}) error
	remoteSet  func()
	log        zerolog.Logger
	tieBreaker uint64
}

// HasLocalOffer reports whether a local offer is waiting for its answer
func (n *Negotiation) HasLocalOffer() bool {
	return n.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

// WinsGlare reports whether the pending local offer takes precedence over remote
func (n *Negotiation) WinsGlare(remote types.SessionDescription) bool {
	if n.tieBreaker != remote.TieBreaker {
		return n.tieBreaker > remote.TieBreaker
	}
	return n.Role > remote.FromRole
}

// Offer creates and sends a local offer
func (n *Negotiation) Offer() error {
	offer, err := n.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	n.tieBreaker = rand.Uint64()

	return n.send(types.EventOffer, types.SessionDescription{
		CallID:     n.CallID,
		SDP:        offer.SDP,
		Type:       offer.Type.String(),
		FromRole:   n.Role,
		TieBreaker: n.tieBreaker,
	})
}

// Answer applies a remote offer and sends the answer
func (n *Negotiation) Answer(offer types.SessionDescription) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", ErrNegotiation, err)
	}
	n.remoteSet()

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	return n.send(types.EventAnswer, types.SessionDescription{
		CallID:   n.CallID,
		SDP:      answer.SDP,
		Type:     answer.Type.String(),
		FromRole: n.Role,
	})
}

// ApplyAnswer completes a local offer
func (n *Negotiation) ApplyAnswer(answer types.SessionDescription) error {
	if !n.HasLocalOffer() {
		return fmt.Errorf("%w: answer without a pending offer", ErrNegotiation)
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiation, err)
	}
	n.remoteSet()
	return nil
}

// Rollback discards the pending local offer
func (n *Negotiation) Rollback() error {
	if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("%w: rollback: %v", ErrNegotiation, err)
	}
	n.tieBreaker = 0
	return nil
}
