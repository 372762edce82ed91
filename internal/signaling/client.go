package signaling

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/meshrelay/internal/metrics"
)

// Client is a wrapper for a single websocket connection (a peer).
type Client struct {
	// ID is the connection ID assigned at accept time.
	ID string

	// Hub is the hub that manages this client.
	Hub *Hub

	// Conn is the websocket connection.
	Conn *websocket.Conn

	// Send is a buffered channel for all outbound messages. The hub writes
	// to it and WritePump drains it to the websocket.
	Send chan *Message

	codec Codec
}

// Codec returns the wire codec negotiated for this connection.
func (c *Client) Codec() Codec {
	return c.codec
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	// When this function exits (e.g., connection closes), unregister the client
	defer func() {
		c.Hub.leave(c)
		c.Conn.Close()
	}()

	opts := c.Hub.opts
	c.Conn.SetReadLimit(opts.MaxMessageBytes)
	c.Conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warn("read failed", "conn", c.ID, "err", err)
			}
			return
		}

		ev, err := DecodeEvent(c.codec, data)
		if err != nil {
			c.Hub.log.Warn("discarding malformed frame", "conn", c.ID, "err", err)
			c.Hub.metrics.Rejected(metrics.RejectReasonMalformed)
			continue
		}

		if !c.Hub.deliver(c, ev) {
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	opts := c.Hub.opts
	ticker := time.NewTicker((opts.PongWait * 9) / 10)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := c.codec.Marshal(message)
			if err != nil {
				c.Hub.log.Error("encode failed", "conn", c.ID, "type", message.Type, "err", err)
				c.Hub.metrics.Dropped(metrics.DropReasonEncode)
				continue
			}

			if err := c.Conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.Hub.log.Debug("write failed", "conn", c.ID, "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
