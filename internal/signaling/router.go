package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/BioHazard786/meshrelay/internal/metrics"
	"github.com/BioHazard786/meshrelay/internal/registry"
)

// Transport delivers messages to connections by ID.
//
// Send is fire-and-forget: delivery is at most once, unknown IDs are a
// silent no-op, and nothing is ever retried.
type Transport interface {
	Send(connID string, msg *Message)
}

// Router is the core signaling logic. It handles events arriving on a
// connection, consults the registry, and issues outbound messages.
//
// Membership handlers (join, leave, disconnect) are serialized so that the
// messages produced by one of them never interleave with another's.
type Router struct {
	mu        sync.Mutex
	registry  *registry.Registry
	transport Transport
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewRouter creates a Router over reg that sends through t.
func NewRouter(reg *registry.Registry, t Transport, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  reg,
		transport: t,
		log:       logger,
		metrics:   m,
	}
}

// Dispatch routes a decoded event from connID to its handler. Events missing
// a required field are logged and discarded.
func (r *Router) Dispatch(connID string, ev *Event) {
	if err := ev.Validate(); err != nil {
		r.log.Warn("discarding event", "conn", connID, "type", ev.Type, "err", err)
		r.metrics.Rejected(metrics.RejectReasonInvalid)
		return
	}

	r.log.Debug("event received", "conn", connID, "type", ev.Type)

	switch ev.Type {
	case MessageTypeJoin:
		r.OnJoin(connID, *ev.RoomID)
	case MessageTypeLeave:
		r.OnLeave(connID, *ev.RoomID)
	case MessageTypeOffer:
		r.OnOffer(connID, *ev.Target, ev.SDP)
	case MessageTypeAnswer:
		r.OnAnswer(connID, *ev.Target, ev.SDP)
	case MessageTypeICECandidate:
		r.OnICECandidate(connID, *ev.Target, ev.Candidate)
	}
}

// OnJoin adds connID to roomID, tells it about the peers already there, and
// announces it to them.
func (r *Router) OnJoin(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	others, added, err := r.registry.Join(roomID, connID)
	if err != nil {
		r.log.Warn("join refused", "conn", connID, "room", roomID, "err", err)
		r.metrics.Rejected(metrics.RejectReasonCapacity)
		r.transport.Send(connID, &Message{
			Type:    MessageTypeError,
			Payload: ErrorPayload{Error: joinErrorText(err)},
		})
		return
	}
	r.metrics.SetRooms(r.registry.Len())

	r.log.Info("joined room", "conn", connID, "room", roomID, "peers", len(others))

	r.transport.Send(connID, &Message{Type: MessageTypeAllUsers, Payload: others})

	if !added {
		return
	}
	r.broadcast(others, &Message{Type: MessageTypeUserJoined, Payload: connID})
}

// OnLeave removes connID from roomID and tells the remaining members.
func (r *Router) OnLeave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registry.Leave(roomID, connID) {
		return
	}
	r.metrics.SetRooms(r.registry.Len())

	r.log.Info("left room", "conn", connID, "room", roomID)
	r.broadcast(r.registry.Members(roomID), &Message{Type: MessageTypeUserLeft, Payload: connID})
}

// OnOffer relays an SDP offer to target.
func (r *Router) OnOffer(connID, target string, sdp any) {
	r.relay(connID, target, &Message{
		Type:    MessageTypeOffer,
		Payload: SessionDescriptionPayload{SDP: sdp, Sender: connID},
	})
}

// OnAnswer relays an SDP answer to target.
func (r *Router) OnAnswer(connID, target string, sdp any) {
	r.relay(connID, target, &Message{
		Type:    MessageTypeAnswer,
		Payload: SessionDescriptionPayload{SDP: sdp, Sender: connID},
	})
}

// OnICECandidate relays an ICE candidate to target.
func (r *Router) OnICECandidate(connID, target string, candidate any) {
	r.relay(connID, target, &Message{
		Type:    MessageTypeICECandidate,
		Payload: CandidatePayload{Candidate: candidate, Sender: connID},
	})
}

// OnDisconnect removes connID from every room and sends one user-left per
// room to the members left behind. Repeated calls are no-ops.
func (r *Router) OnDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.registry.LeaveAll(connID)
	if len(rooms) == 0 {
		return
	}
	r.metrics.SetRooms(r.registry.Len())

	for _, roomID := range rooms {
		remaining := r.registry.Members(roomID)
		if len(remaining) == 0 {
			r.log.Info("room deleted", "room", roomID)
			continue
		}
		r.log.Info("peer left room", "conn", connID, "room", roomID)
		r.broadcast(remaining, &Message{Type: MessageTypeUserLeft, Payload: connID})
	}
}

// relay needs no room context; only the target ID matters.
func (r *Router) relay(connID, target string, msg *Message) {
	r.log.Debug("relaying signal", "type", msg.Type, "conn", connID, "target", target)
	r.transport.Send(target, msg)
}

func (r *Router) broadcast(recipients []string, msg *Message) {
	for _, id := range recipients {
		r.transport.Send(id, msg)
	}
}

func joinErrorText(err error) string {
	switch {
	case errors.Is(err, registry.ErrRoomFull):
		return "Room is full"
	case errors.Is(err, registry.ErrTooManyRooms):
		return "Too many rooms"
	default:
		return err.Error()
	}
}
