package probe

import (
	"github.com/BioHazard786/meshrelay/internal/signaling"
)

// handleFrame routes one relay message. Errors tagged with a peer only fail
// that peer; other errors end the run.
func (p *Probe) handleFrame(f *Frame) error {
	switch f.Type {

	case signaling.MessageTypeWelcome:
		return p.handleWelcome(f)

	case signaling.MessageTypeAllUsers:
		return p.handleAllUsers(f)

	case signaling.MessageTypeUserJoined:
		return p.handleUserJoined(f)

	case signaling.MessageTypeUserLeft:
		return p.handleUserLeft(f)

	case signaling.MessageTypeOffer:
		return p.handleOffer(f)

	case signaling.MessageTypeAnswer:
		return p.handleAnswer(f)

	case signaling.MessageTypeICECandidate:
		return p.handleICECandidate(f)

	case signaling.MessageTypeError:
		return p.handleError(f)

	default:
		p.log.Debug("ignoring relay message", "type", f.Type)
	}
	return nil
}

// handleWelcome records our connection ID and joins the room.
func (p *Probe) handleWelcome(f *Frame) error {
	var payload welcomePayload
	if err := p.client.Decode(f, &payload); err != nil {
		return NewError("decode welcome", err)
	}
	p.self = payload.ID

	if !p.joined {
		p.joined = true
		p.client.Send(signaling.MessageTypeJoin, joinPayload{RoomID: p.opts.Room})
	}
	return nil
}

// handleAllUsers offers a connection to every member already in the room.
func (p *Probe) handleAllUsers(f *Frame) error {
	var ids []string
	if err := p.client.Decode(f, &ids); err != nil {
		return NewError("decode all-users", err)
	}
	p.log.Info("joined room", "self", p.self, "members", len(ids))

	for _, id := range ids {
		if id == p.self {
			continue
		}
		if err := p.offer(p.peerFor(id)); err != nil {
			p.fail(id, err)
		}
	}
	return nil
}

func (p *Probe) offer(pr *peer) error {
	if err := p.connect(pr, true); err != nil {
		return err
	}

	offer, err := pr.pc.CreateOffer(nil)
	if err != nil {
		return NewPeerError("create offer", pr.id, err)
	}
	if err := pr.pc.SetLocalDescription(offer); err != nil {
		return NewPeerError("set local description", pr.id, err)
	}

	p.client.Send(signaling.MessageTypeOffer, descriptionPayload{
		Target: pr.id,
		SDP:    fromSessionDescription(pr.pc.LocalDescription()),
	})
	return nil
}

// handleUserJoined notes a newcomer. The newcomer sends the offer.
func (p *Probe) handleUserJoined(f *Frame) error {
	var id string
	if err := p.client.Decode(f, &id); err != nil {
		return NewError("decode user-joined", err)
	}
	p.log.Debug("peer joined", "peer", id)
	p.peerFor(id)
	return nil
}

func (p *Probe) handleUserLeft(f *Frame) error {
	var id string
	if err := p.client.Decode(f, &id); err != nil {
		return NewError("decode user-left", err)
	}

	pr, ok := p.peers[id]
	if !ok {
		return nil
	}
	p.log.Debug("peer left", "peer", id)
	pr.close()
	pr.state = StateLeft
	return nil
}

// handleOffer answers a remote offer.
func (p *Probe) handleOffer(f *Frame) error {
	var payload descriptionPayload
	if err := p.client.Decode(f, &payload); err != nil || payload.SDP == nil {
		return NewError("decode offer", ErrUnexpectedSignal)
	}

	pr := p.peerFor(payload.Sender)
	if err := p.connect(pr, false); err != nil {
		return err
	}

	desc, err := payload.SDP.toPion()
	if err != nil {
		return NewPeerError("parse offer", pr.id, err)
	}
	if err := pr.pc.SetRemoteDescription(desc); err != nil {
		return NewPeerError("set remote description", pr.id, err)
	}
	if err := pr.flushCandidates(); err != nil {
		return err
	}

	answer, err := pr.pc.CreateAnswer(nil)
	if err != nil {
		return NewPeerError("create answer", pr.id, err)
	}
	if err := pr.pc.SetLocalDescription(answer); err != nil {
		return NewPeerError("set local description", pr.id, err)
	}

	p.client.Send(signaling.MessageTypeAnswer, descriptionPayload{
		Target: pr.id,
		SDP:    fromSessionDescription(pr.pc.LocalDescription()),
	})
	return nil
}

func (p *Probe) handleAnswer(f *Frame) error {
	var payload descriptionPayload
	if err := p.client.Decode(f, &payload); err != nil || payload.SDP == nil {
		return NewError("decode answer", ErrUnexpectedSignal)
	}

	pr, ok := p.peers[payload.Sender]
	if !ok || pr.pc == nil {
		return NewPeerError("handle answer", payload.Sender, ErrUnknownPeer)
	}

	desc, err := payload.SDP.toPion()
	if err != nil {
		return NewPeerError("parse answer", pr.id, err)
	}
	if err := pr.pc.SetRemoteDescription(desc); err != nil {
		return NewPeerError("set remote description", pr.id, err)
	}
	return pr.flushCandidates()
}

// handleICECandidate applies or buffers a remote candidate. Candidates can
// overtake the description they belong to.
func (p *Probe) handleICECandidate(f *Frame) error {
	var payload candidatePayload
	if err := p.client.Decode(f, &payload); err != nil || payload.Candidate == nil {
		return NewError("decode ice-candidate", ErrUnexpectedSignal)
	}

	return p.peerFor(payload.Sender).addCandidate(payload.Candidate.toPion())
}

func (p *Probe) handleError(f *Frame) error {
	var payload errorPayload
	if err := p.client.Decode(f, &payload); err != nil {
		return WrapError("relay", ErrRejected, "unknown error from relay")
	}
	return WrapError("join "+p.opts.Room, ErrRejected, payload.Error)
}
