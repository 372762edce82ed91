package signaling

import (
	"errors"
	"fmt"
)

// Message type constants.
const (
	// C2S (client to server)
	MessageTypeJoin         = "join"
	MessageTypeLeave        = "leave"
	MessageTypeOffer        = "offer"
	MessageTypeAnswer       = "answer"
	MessageTypeICECandidate = "ice-candidate"

	// S2C (server to client). Offer, answer and ice-candidate are relayed
	// under the same type they arrived with.
	MessageTypeWelcome    = "welcome"
	MessageTypeAllUsers   = "all-users"
	MessageTypeUserJoined = "user-joined"
	MessageTypeUserLeft   = "user-left"
	MessageTypeError      = "error"
)

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrMissingRoomID = errors.New("missing roomId")
	ErrMissingTarget = errors.New("missing target")
)

// Message is a single S2C websocket message. The payload is encoded by the
// recipient's codec.
type Message struct {
	Type    string `json:"type" msgpack:"type"`
	Payload any    `json:"payload" msgpack:"payload"`
}

// WelcomePayload tells a freshly accepted connection its own ID.
type WelcomePayload struct {
	ID string `json:"id" msgpack:"id"`
}

// SessionDescriptionPayload carries a relayed offer or answer. SDP is opaque.
type SessionDescriptionPayload struct {
	SDP    any    `json:"sdp" msgpack:"sdp"`
	Sender string `json:"sender" msgpack:"sender"`
}

// CandidatePayload carries a relayed ICE candidate. Candidate is opaque.
type CandidatePayload struct {
	Candidate any    `json:"candidate" msgpack:"candidate"`
	Sender    string `json:"sender" msgpack:"sender"`
}

// ErrorPayload represents error messages sent to a client.
type ErrorPayload struct {
	Error string `json:"error" msgpack:"error"`
}

// Event is a decoded C2S message. Pointer fields distinguish an absent field
// from an empty one.
type Event struct {
	Type      string
	RoomID    *string
	Target    *string
	SDP       any
	Candidate any
}

// Validate reports whether the event carries the fields its type requires.
func (e *Event) Validate() error {
	switch e.Type {
	case MessageTypeJoin, MessageTypeLeave:
		if e.RoomID == nil {
			return fmt.Errorf("%s: %w", e.Type, ErrMissingRoomID)
		}
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		if e.Target == nil {
			return fmt.Errorf("%s: %w", e.Type, ErrMissingTarget)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// envelope is the wire shape of a C2S message.
type envelope struct {
	Type    string        `json:"type" msgpack:"type"`
	Payload *eventPayload `json:"payload" msgpack:"payload"`
}

type eventPayload struct {
	RoomID    *string `json:"roomId" msgpack:"roomId"`
	Target    *string `json:"target" msgpack:"target"`
	SDP       any     `json:"sdp" msgpack:"sdp"`
	Candidate any     `json:"candidate" msgpack:"candidate"`
}

// DecodeEvent decodes one C2S frame with the given codec. It does not
// validate the result; see Event.Validate.
func DecodeEvent(c Codec, data []byte) (*Event, error) {
	var env envelope
	if err := c.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", c.Name(), err)
	}

	ev := &Event{Type: env.Type}
	if p := env.Payload; p != nil {
		ev.RoomID = p.RoomID
		ev.Target = p.Target
		ev.SDP = plainNumbers(p.SDP)
		ev.Candidate = plainNumbers(p.Candidate)
	}
	return ev, nil
}
