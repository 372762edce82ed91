// Package probe is a relay participant that joins a room, opens a WebRTC
// data channel to every other member through the relay and measures the
// round trip over each channel.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/meshrelay/internal/signaling"
)

// DefaultTimeout bounds a probe run when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

const lingerTime = time.Second

// Options configures a probe run.
type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:8001/ws.
	URL string

	// Room is the room to join.
	Room string

	// Subprotocol selects the relay codec. Empty uses the relay default.
	Subprotocol string

	// Origin is sent as the Origin header when set.
	Origin string

	// ICEServers are STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string

	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool

	// Peers is the number of measured peers after which the run succeeds.
	// Zero observes until the timeout and never fails on peer count.
	Peers int

	Timeout time.Duration
	Logger  *slog.Logger
}

// PeerResult is the outcome for one remote connection.
type PeerResult struct {
	ID    string
	State string
	RTT   time.Duration
	Err   error
}

// Report summarises a probe run.
type Report struct {
	Self  string
	Room  string
	Peers []PeerResult
}

// Measured returns the number of peers with a round trip measurement.
func (r *Report) Measured() int {
	n := 0
	for _, p := range r.Peers {
		if p.RTT > 0 {
			n++
		}
	}
	return n
}

type eventKind int

const (
	eventState eventKind = iota
	eventRTT
	eventFailed
)

// peerEvent carries pion callbacks into the Run loop.
type peerEvent struct {
	peer  string
	kind  eventKind
	state pion.PeerConnectionState
	rtt   time.Duration
	err   error
}

// Probe runs one participant session against a relay.
type Probe struct {
	opts Options
	log  *slog.Logger
	api  *pion.API

	client *Client
	self   string
	joined bool
	peers  map[string]*peer
	events chan peerEvent
	done   chan struct{}
}

// New validates opts and prepares a probe.
func New(opts Options) (*Probe, error) {
	if opts.URL == "" {
		return nil, WrapError("configure probe", ErrInvalidOptions, "missing relay URL")
	}
	if opts.Room == "" {
		return nil, WrapError("configure probe", ErrInvalidOptions, "missing room")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Probe{
		opts:   opts,
		log:    opts.Logger.With("room", opts.Room),
		api:    newAPI(opts, opts.Logger),
		peers:  make(map[string]*peer),
		events: make(chan peerEvent, 64),
		done:   make(chan struct{}),
	}, nil
}

// Run connects, joins the room and handles signaling until enough peers are
// measured, the timeout passes or ctx is cancelled. The report is returned
// even when err is non-nil, as long as the relay was reached.
func (p *Probe) Run(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	var header http.Header
	if p.opts.Origin != "" {
		header = http.Header{"Origin": []string{p.opts.Origin}}
	}

	client, err := Dial(ctx, p.opts.URL, p.opts.Subprotocol, header)
	if err != nil {
		return nil, NewError("connect", err)
	}
	p.client = client
	defer p.close()

	p.log.Debug("connected to relay", "url", p.opts.URL, "codec", client.Codec().Name())

	// Once enough peers are measured the probe stays a little longer so
	// its peers can finish their own measurement.
	var linger <-chan time.Time

	for {
		select {
		case <-linger:
			return p.report(), nil

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && p.measured() < p.opts.Peers {
				report := p.report()
				return report, WrapError("probe", ErrTimeout, fmt.Sprintf("%d of %d peers measured", report.Measured(), p.opts.Peers))
			}
			return p.report(), nil

		case frame, ok := <-client.Incoming():
			if !ok {
				return p.report(), NewError("read", ErrRelayClosed)
			}
			if err := p.handleFrame(frame); err != nil {
				var perr *Error
				if errors.As(err, &perr) && perr.Peer != "" {
					p.fail(perr.Peer, err)
					continue
				}
				return p.report(), err
			}

		case ev := <-p.events:
			p.handleEvent(ev)
		}

		if linger == nil && p.opts.Peers > 0 && p.measured() >= p.opts.Peers {
			linger = time.After(lingerTime)
		}
	}
}

func (p *Probe) close() {
	close(p.done)
	for _, pr := range p.peers {
		pr.close()
	}
	p.client.Close()
}

// emit queues a pion callback for the Run loop. It is dropped once Run has
// returned.
func (p *Probe) emit(ev peerEvent) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *Probe) handleEvent(ev peerEvent) {
	pr, ok := p.peers[ev.peer]
	if !ok {
		return
	}

	switch ev.kind {
	case eventState:
		p.log.Debug("peer connection state", "peer", ev.peer, "state", ev.state.String())
		switch ev.state {
		case pion.PeerConnectionStateConnected:
			if pr.state != StateLeft {
				pr.state = StateConnected
			}
		case pion.PeerConnectionStateFailed:
			pr.state = StateFailed
		}

	case eventRTT:
		if pr.rtt == 0 {
			p.log.Info("peer measured", "peer", ev.peer, "rtt", ev.rtt)
		}
		pr.rtt = ev.rtt
		if pr.state != StateLeft {
			pr.state = StateConnected
		}

	case eventFailed:
		p.fail(ev.peer, ev.err)
	}
}

func (p *Probe) fail(id string, err error) {
	p.log.Warn("peer failed", "peer", id, "err", err)
	pr := p.peerFor(id)
	pr.state = StateFailed
	pr.err = err
}

func (p *Probe) measured() int {
	n := 0
	for _, pr := range p.peers {
		if pr.rtt > 0 {
			n++
		}
	}
	return n
}

func (p *Probe) report() *Report {
	r := &Report{Self: p.self, Room: p.opts.Room, Peers: make([]PeerResult, 0, len(p.peers))}
	for _, pr := range p.peers {
		r.Peers = append(r.Peers, PeerResult{ID: pr.id, State: pr.state, RTT: pr.rtt, Err: pr.err})
	}
	sort.Slice(r.Peers, func(i, j int) bool { return r.Peers[i].ID < r.Peers[j].ID })
	return r
}

// peerFor returns the entry for id, creating it without a connection.
func (p *Probe) peerFor(id string) *peer {
	pr, ok := p.peers[id]
	if !ok {
		pr = &peer{id: id, state: StateJoined}
		p.peers[id] = pr
	}
	return pr
}

// connect creates the peer connection for id. The offering side also
// creates the data channel; the answering side receives it.
func (p *Probe) connect(pr *peer, offerer bool) error {
	if pr.pc != nil {
		return nil
	}

	pc, err := p.api.NewPeerConnection(p.opts.configuration())
	if err != nil {
		return NewPeerError("create peer connection", pr.id, err)
	}
	pr.pc = pc
	pr.state = StateConnecting

	id := pr.id
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		p.client.Send(signaling.MessageTypeICECandidate, candidatePayload{
			Target:    id,
			Candidate: fromCandidateInit(c.ToJSON()),
		})
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.emit(peerEvent{peer: id, kind: eventState, state: state})
	})

	if !offerer {
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			p.attach(id, dc)
		})
		return nil
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return NewPeerError("create data channel", id, err)
	}
	p.attach(id, dc)
	return nil
}

// attach pings over dc once it opens and answers the remote ping. Both ends
// measure their own round trip.
func (p *Probe) attach(id string, dc *pion.DataChannel) {
	dc.OnOpen(func() {
		data, err := encodePing(1, time.Now())
		if err != nil {
			return
		}
		if err := dc.Send(data); err != nil {
			p.emit(peerEvent{peer: id, kind: eventFailed, err: NewPeerError("send ping", id, err)})
		}
	})

	dc.OnMessage(func(msg pion.DataChannelMessage) {
		m, err := decodeChannelMessage(msg.Data)
		if err != nil {
			p.log.Debug("ignoring channel message", "peer", id, "err", err)
			return
		}

		switch m.Kind {
		case kindPing:
			reply, err := m.pong()
			if err == nil {
				dc.Send(reply)
			}
		case kindPong:
			p.emit(peerEvent{peer: id, kind: eventRTT, rtt: max(m.rtt(time.Now()), time.Nanosecond)})
		}
	})
}
