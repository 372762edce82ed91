package probe

import (
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Relay payloads. Target is set on messages we send; Sender is set by the
// relay on messages it delivers.

type joinPayload struct {
	RoomID string `json:"roomId" msgpack:"roomId"`
}

type welcomePayload struct {
	ID string `json:"id" msgpack:"id"`
}

type errorPayload struct {
	Error string `json:"error" msgpack:"error"`
}

type descriptionPayload struct {
	Target string              `json:"target,omitempty" msgpack:"target,omitempty"`
	Sender string              `json:"sender,omitempty" msgpack:"sender,omitempty"`
	SDP    *sessionDescription `json:"sdp" msgpack:"sdp"`
}

type candidatePayload struct {
	Target    string        `json:"target,omitempty" msgpack:"target,omitempty"`
	Sender    string        `json:"sender,omitempty" msgpack:"sender,omitempty"`
	Candidate *iceCandidate `json:"candidate" msgpack:"candidate"`
}

// sessionDescription is the browser RTCSessionDescriptionInit shape, tagged
// for both relay codecs.
type sessionDescription struct {
	Type string `json:"type" msgpack:"type"`
	SDP  string `json:"sdp" msgpack:"sdp"`
}

func fromSessionDescription(d *pion.SessionDescription) *sessionDescription {
	return &sessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func (d *sessionDescription) toPion() (pion.SessionDescription, error) {
	t := pion.NewSDPType(d.Type)
	if t == pion.SDPTypeUnknown {
		return pion.SessionDescription{}, WrapError("parse session description", ErrUnexpectedSignal, d.Type)
	}
	return pion.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// iceCandidate is the browser RTCIceCandidateInit shape.
type iceCandidate struct {
	Candidate        string  `json:"candidate" msgpack:"candidate"`
	SDPMid           *string `json:"sdpMid" msgpack:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex" msgpack:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment" msgpack:"usernameFragment"`
}

func fromCandidateInit(c pion.ICECandidateInit) *iceCandidate {
	return &iceCandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func (c *iceCandidate) toPion() pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Data channel messages are always MessagePack, whatever the relay codec.

const (
	kindPing = "ping"
	kindPong = "pong"
)

type channelMessage struct {
	Kind   string `msgpack:"kind"`
	Seq    uint32 `msgpack:"seq"`
	SentAt int64  `msgpack:"sent_at"`
}

func encodePing(seq uint32, now time.Time) ([]byte, error) {
	return msgpack.Marshal(&channelMessage{Kind: kindPing, Seq: seq, SentAt: now.UnixNano()})
}

func decodeChannelMessage(data []byte) (*channelMessage, error) {
	var m channelMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, NewError("decode channel message", err)
	}
	if m.Kind != kindPing && m.Kind != kindPong {
		return nil, WrapError("decode channel message", ErrUnexpectedSignal, m.Kind)
	}
	return &m, nil
}

// pong echoes a ping back to its sender.
func (m *channelMessage) pong() ([]byte, error) {
	return msgpack.Marshal(&channelMessage{Kind: kindPong, Seq: m.Seq, SentAt: m.SentAt})
}

// rtt returns the round trip of a pong received at now.
func (m *channelMessage) rtt(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, m.SentAt))
}
