package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/meshrelay/internal/config"
	"github.com/BioHazard786/meshrelay/internal/logging"
	"github.com/BioHazard786/meshrelay/internal/metrics"
	"github.com/BioHazard786/meshrelay/internal/registry"
	"github.com/BioHazard786/meshrelay/internal/signaling"
)

type testRelay struct {
	ts  *httptest.Server
	reg *registry.Registry
	hub *signaling.Hub
}

func newTestRelay(t *testing.T, origins ...string) *testRelay {
	t.Helper()

	cfg := &config.Config{
		ListenAddr:      "127.0.0.1:0",
		AllowedOrigins:  origins,
		SendQueueSize:   16,
		MaxMessageBytes: config.DefaultMaxMessageBytes,
		WriteWait:       time.Second,
		PongWait:        10 * time.Second,
		ShutdownTimeout: time.Second,
		LogLevel:        "info",
		LogFormat:       logging.FormatText,
	}
	logger := logging.Discard()
	reg := registry.New(cfg.Limits())
	m := metrics.New(prometheus.NewRegistry())
	hub := signaling.NewHub(reg, signaling.HubOptions{
		Logger:          logger,
		Metrics:         m,
		SendQueueSize:   cfg.SendQueueSize,
		MaxMessageBytes: cfg.MaxMessageBytes,
		WriteWait:       cfg.WriteWait,
		PongWait:        cfg.PongWait,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	ts := httptest.NewServer(New(cfg, logger, hub, reg, m).Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})

	return &testRelay{ts: ts, reg: reg, hub: hub}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/ws"
}

// peer is a test websocket client that decodes frames with the negotiated
// codec.
type peer struct {
	t     *testing.T
	conn  *websocket.Conn
	codec signaling.Codec
	id    string
}

type frame struct {
	Type    string `json:"type" msgpack:"type"`
	Payload any    `json:"payload" msgpack:"payload"`
}

func dial(t *testing.T, r *testRelay, subprotocol string) *peer {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}
	conn, resp, err := dialer.Dial(r.wsURL(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	p := &peer{t: t, conn: conn, codec: signaling.CodecFor(conn.Subprotocol())}

	welcome := p.expect(signaling.MessageTypeWelcome)
	p.id = welcome.Payload.(map[string]any)["id"].(string)
	require.NotEmpty(t, p.id)
	return p
}

func (p *peer) send(msgType string, payload map[string]any) {
	p.t.Helper()
	data, err := p.codec.Marshal(map[string]any{"type": msgType, "payload": payload})
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(p.codec.FrameType(), data))
}

func (p *peer) read() frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	require.Equal(p.t, p.codec.FrameType(), kind)

	var f frame
	require.NoError(p.t, p.codec.Unmarshal(data, &f))
	return f
}

func (p *peer) expect(msgType string) frame {
	p.t.Helper()
	f := p.read()
	require.Equal(p.t, msgType, f.Type, "payload: %v", f.Payload)
	return f
}

// expectSilence asserts that nothing arrives within a short window. A read
// timeout breaks the connection, so it must be the peer's last read.
func (p *peer) expectSilence() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := p.conn.ReadMessage()
	require.Error(p.t, err, "unexpected frame %s", data)
}

func stringsOf(payload any) []string {
	items, _ := payload.([]any)
	out := make([]string, 0, len(items))
	for _, v := range items {
		out = append(out, v.(string))
	}
	return out
}

func TestRelay_TwoPeerSession(t *testing.T) {
	relay := newTestRelay(t)
	a := dial(t, relay, "")
	b := dial(t, relay, signaling.SubprotocolJSON)

	a.send(signaling.MessageTypeJoin, map[string]any{"roomId": "r1"})
	all := a.expect(signaling.MessageTypeAllUsers)
	assert.Empty(t, stringsOf(all.Payload))

	b.send(signaling.MessageTypeJoin, map[string]any{"roomId": "r1"})
	all = b.expect(signaling.MessageTypeAllUsers)
	assert.Equal(t, []string{a.id}, stringsOf(all.Payload))
	joined := a.expect(signaling.MessageTypeUserJoined)
	assert.Equal(t, b.id, joined.Payload)

	sdp := map[string]any{"type": "offer", "sdp": "v=0"}
	b.send(signaling.MessageTypeOffer, map[string]any{"target": a.id, "sdp": sdp})
	offer := a.expect(signaling.MessageTypeOffer).Payload.(map[string]any)
	assert.Equal(t, b.id, offer["sender"])
	assert.Equal(t, sdp, offer["sdp"])

	a.send(signaling.MessageTypeAnswer, map[string]any{"target": b.id, "sdp": map[string]any{"type": "answer", "sdp": "v=0"}})
	answer := b.expect(signaling.MessageTypeAnswer).Payload.(map[string]any)
	assert.Equal(t, a.id, answer["sender"])

	cand := map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host", "sdpMid": "0"}
	a.send(signaling.MessageTypeICECandidate, map[string]any{"target": b.id, "candidate": cand})
	ice := b.expect(signaling.MessageTypeICECandidate).Payload.(map[string]any)
	assert.Equal(t, a.id, ice["sender"])
	assert.Equal(t, cand, ice["candidate"])

	require.NoError(t, b.conn.Close())
	left := a.expect(signaling.MessageTypeUserLeft)
	assert.Equal(t, b.id, left.Payload)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{a.id}, relay.reg.Members("r1"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	relay := newTestRelay(t)
	a := dial(t, relay, "")
	b := dial(t, relay, "")
	c := dial(t, relay, "")

	a.send(signaling.MessageTypeJoin, map[string]any{"roomId": "r1"})
	a.expect(signaling.MessageTypeAllUsers)
	b.send(signaling.MessageTypeJoin, map[string]any{"roomId": "r1"})
	b.expect(signaling.MessageTypeAllUsers)
	a.expect(signaling.MessageTypeUserJoined)

	c.send(signaling.MessageTypeJoin, map[string]any{"roomId": "r2"})
	all := c.expect(signaling.MessageTypeAllUsers)
	assert.Empty(t, stringsOf(all.Payload))

	a.expectSilence()
	b.expectSilence()
}

func TestRelay_MsgpackPeerTalksToJSONPeer(t *testing.T) {
	relay := newTestRelay(t)
	a := dial(t, relay, signaling.SubprotocolMsgpack)
	b := dial(t, relay, signaling.SubprotocolJSON)
	require.Equal(t, signaling.SubprotocolMsgpack, a.conn.Subprotocol())

	a.send(signaling.MessageTypeJoin, map[string]any{"roomId": "mixed"})
	a.expect(signaling.MessageTypeAllUsers)
	b.send(signaling.MessageTypeJoin, map[string]any{"roomId": "mixed"})
	b.expect(signaling.MessageTypeAllUsers)
	assert.Equal(t, b.id, a.expect(signaling.MessageTypeUserJoined).Payload)

	a.send(signaling.MessageTypeOffer, map[string]any{"target": b.id, "sdp": map[string]any{"type": "offer", "sdp": "v=0"}})
	offer := b.expect(signaling.MessageTypeOffer).Payload.(map[string]any)
	assert.Equal(t, a.id, offer["sender"])
	assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, offer["sdp"])
}

func TestRelay_MalformedFramesAreIgnored(t *testing.T) {
	relay := newTestRelay(t)
	a := dial(t, relay, "")

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	a.send("dance", map[string]any{"roomId": "r1"})
	a.send(signaling.MessageTypeJoin, map[string]any{})

	// Frames are handled in order, so the first reply belongs to this join.
	a.send(signaling.MessageTypeJoin, map[string]any{"roomId": "r1"})
	a.expect(signaling.MessageTypeAllUsers)
}

func TestRelay_RejectsForeignOrigin(t *testing.T) {
	relay := newTestRelay(t, "https://app.example.com")

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(relay.wsURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial(relay.wsURL(), header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	conn.Close()
}

func TestHealth(t *testing.T) {
	relay := newTestRelay(t)

	resp, err := http.Get(relay.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Signaling server is healthy.", string(body))
}

func TestRoomsEndpoint(t *testing.T) {
	relay := newTestRelay(t, "https://app.example.com")
	a := dial(t, relay, "")
	a.send(signaling.MessageTypeJoin, map[string]any{"roomId": "lobby"})
	a.expect(signaling.MessageTypeAllUsers)

	req, err := http.NewRequest(http.MethodGet, relay.ts.URL+"/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	var body RoomsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Connections)
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "lobby", body.Rooms[0].ID)
	assert.Equal(t, []string{a.id}, body.Rooms[0].Members)
}

func TestRoomsEndpoint_ForeignOrigin(t *testing.T) {
	relay := newTestRelay(t, "https://app.example.com")

	req, err := http.NewRequest(http.MethodGet, relay.ts.URL+"/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	relay := newTestRelay(t)
	a := dial(t, relay, "")
	a.send(signaling.MessageTypeJoin, map[string]any{"roomId": "r1"})
	a.expect(signaling.MessageTypeAllUsers)

	resp, err := http.Get(relay.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "meshrelay_connections 1")
	assert.Contains(t, string(body), `meshrelay_messages_sent_total{type="welcome"} 1`)
}
