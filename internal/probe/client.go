package probe

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/meshrelay/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Frame is one message received from the relay. Its payload is still in the
// generic shape the codec produced; use Client.Decode to bind it.
type Frame struct {
	Type    string `json:"type" msgpack:"type"`
	Payload any    `json:"payload" msgpack:"payload"`
}

// Client manages the WebSocket connection to the relay.
type Client struct {
	conn     *websocket.Conn
	codec    signaling.Codec
	incoming chan *Frame
	outgoing chan *signaling.Message
	done     chan struct{}
	once     sync.Once
}

// Dial connects to the relay at url, offering subprotocol when it is set.
func Dial(ctx context.Context, url, subprotocol string, header http.Header) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		codec:    signaling.CodecFor(conn.Subprotocol()),
		incoming: make(chan *Frame, 16),
		outgoing: make(chan *signaling.Message, 16),
		done:     make(chan struct{}),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Codec returns the codec negotiated with the relay.
func (c *Client) Codec() signaling.Codec {
	return c.codec
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := c.codec.Unmarshal(data, &frame); err != nil {
			continue
		}

		select {
		case c.incoming <- &frame:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			data, err := c.codec.Marshal(message)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues a message for the relay. It is safe to call from any goroutine
// and reports false once the client is closed.
func (c *Client) Send(msgType string, payload any) bool {
	select {
	case c.outgoing <- &signaling.Message{Type: msgType, Payload: payload}:
		return true
	case <-c.done:
		return false
	}
}

// Incoming returns the channel for receiving messages. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan *Frame {
	return c.incoming
}

// Decode binds a frame's payload to v by re-encoding it with the
// connection's codec.
func (c *Client) Decode(f *Frame, v any) error {
	data, err := c.codec.Marshal(f.Payload)
	if err != nil {
		return err
	}
	return c.codec.Unmarshal(data, v)
}

// Close closes the WebSocket connection and cleans up resources.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}
