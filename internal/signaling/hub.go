package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/meshrelay/internal/metrics"
	"github.com/BioHazard786/meshrelay/internal/registry"
)

// Defaults for HubOptions fields left zero.
const (
	DefaultSendQueueSize   = 256
	DefaultMaxMessageBytes = 64 * 1024 // enough for WebRTC SDP messages
	DefaultWriteWait       = 10 * time.Second
	DefaultPongWait        = 60 * time.Second
)

// ErrHubClosed is returned by Attach once the hub has stopped.
var ErrHubClosed = errors.New("hub closed")

// HubOptions configures a Hub.
type HubOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// SendQueueSize bounds each connection's outbound queue. A full queue
	// drops new messages for that connection.
	SendQueueSize int

	// MaxMessageBytes is the largest inbound frame accepted.
	MaxMessageBytes int64

	// WriteWait is the time allowed to write a frame to the peer.
	WriteWait time.Duration

	// PongWait is the time allowed to read the next pong from the peer.
	// Pings are sent every 9/10 of it.
	PongWait time.Duration
}

func (o HubOptions) withDefaults() HubOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	return o
}

type inbound struct {
	client *Client
	event  *Event
}

// Hub is the websocket transport of the relay.
//
// A single goroutine (Run) owns the connection table and is the only caller
// of the Router, so every event is handled to completion before the next one
// starts.
type Hub struct {
	opts    HubOptions
	log     *slog.Logger
	metrics *metrics.Metrics
	router  *Router

	// clients maps connection IDs to live clients. Only Run touches it.
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound

	done     chan struct{}
	doneOnce sync.Once
	conns    atomic.Int64
}

// NewHub creates a Hub that routes events against reg.
func NewHub(reg *registry.Registry, opts HubOptions) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		opts:       opts,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		done:       make(chan struct{}),
	}
	h.router = NewRouter(reg, h, opts.Logger, opts.Metrics)
	return h
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	return int(h.conns.Load())
}

// Attach registers conn with the hub and returns its client. The caller
// starts the client's pumps.
func (h *Hub) Attach(conn *websocket.Conn) (*Client, error) {
	client := &Client{
		ID:    uuid.NewString(),
		Hub:   h,
		Conn:  conn,
		codec: CodecFor(conn.Subprotocol()),
		Send:  make(chan *Message, h.opts.SendQueueSize),
	}

	select {
	case h.register <- client:
		return client, nil
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Run starts the hub's main processing loop. It returns when ctx is
// cancelled, after closing every connection's send queue.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.clients[client.ID] = client
			h.conns.Add(1)
			h.metrics.ConnOpened()
			h.log.Info("client registered", "conn", client.ID, "remote", client.Conn.RemoteAddr().String(), "codec", client.codec.Name())

			h.Send(client.ID, &Message{Type: MessageTypeWelcome, Payload: WelcomePayload{ID: client.ID}})

		case client := <-h.unregister:
			if _, ok := h.clients[client.ID]; !ok {
				continue
			}
			delete(h.clients, client.ID)
			h.conns.Add(-1)
			h.metrics.ConnClosed()
			h.log.Info("client unregistered", "conn", client.ID)

			h.router.OnDisconnect(client.ID)

			// Stops the client's WritePump.
			close(client.Send)

		case in := <-h.inbound:
			if _, ok := h.clients[in.client.ID]; !ok {
				continue
			}
			h.router.Dispatch(in.client.ID, in.event)
		}
	}
}

// Send queues msg for connID without blocking. Unknown IDs and full queues
// drop the message. It must only be called from the Run goroutine, which is
// where the Router runs.
func (h *Hub) Send(connID string, msg *Message) {
	client, ok := h.clients[connID]
	if !ok {
		h.log.Debug("dropping message for unknown connection", "target", connID, "type", msg.Type)
		h.metrics.Dropped(metrics.DropReasonUnknownTarget)
		return
	}

	select {
	case client.Send <- msg:
		h.metrics.Sent(msg.Type)
	default:
		h.log.Warn("send queue full, dropping message", "target", connID, "type", msg.Type)
		h.metrics.Dropped(metrics.DropReasonQueueFull)
	}
}

// deliver hands an inbound event to Run. It reports false once the hub has
// stopped.
func (h *Hub) deliver(client *Client, ev *Event) bool {
	select {
	case h.inbound <- inbound{client: client, event: ev}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })

	for id, client := range h.clients {
		delete(h.clients, id)
		h.conns.Add(-1)
		h.metrics.ConnClosed()
		close(client.Send)
	}
	h.log.Info("hub stopped")
}
