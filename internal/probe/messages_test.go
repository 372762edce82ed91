package probe

import (
	"errors"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/meshrelay/internal/signaling"
)

func TestError(t *testing.T) {
	base := NewError("connect", ErrRelayClosed)
	assert.Equal(t, "connect: relay closed the connection", base.Error())
	assert.ErrorIs(t, base, ErrRelayClosed)

	peerErr := NewPeerError("create offer", "conn-1", ErrTimeout)
	assert.Equal(t, "create offer conn-1: timeout", peerErr.Error())

	wrapped := WrapError("join r1", ErrRejected, "Room is full")
	assert.Equal(t, "join r1: relay rejected the request (Room is full)", wrapped.Error())

	var target *Error
	require.True(t, errors.As(error(wrapped), &target))
	assert.Equal(t, "Room is full", target.Details)
}

func TestSessionDescriptionRoundTrip(t *testing.T) {
	in := &pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0\r\n"}

	wire := fromSessionDescription(in)
	assert.Equal(t, "offer", wire.Type)

	out, err := wire.toPion()
	require.NoError(t, err)
	assert.Equal(t, *in, out)

	_, err = (&sessionDescription{Type: "bogus"}).toPion()
	assert.ErrorIs(t, err, ErrUnexpectedSignal)
}

func TestCandidateRoundTrip(t *testing.T) {
	mid := "0"
	index := uint16(0)
	in := pion.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host", SDPMid: &mid, SDPMLineIndex: &index}

	assert.Equal(t, in, fromCandidateInit(in).toPion())
}

func TestChannelMessages(t *testing.T) {
	sent := time.Now()
	data, err := encodePing(7, sent)
	require.NoError(t, err)

	ping, err := decodeChannelMessage(data)
	require.NoError(t, err)
	assert.Equal(t, kindPing, ping.Kind)
	assert.Equal(t, uint32(7), ping.Seq)

	reply, err := ping.pong()
	require.NoError(t, err)
	pong, err := decodeChannelMessage(reply)
	require.NoError(t, err)
	assert.Equal(t, kindPong, pong.Kind)
	assert.Equal(t, 25*time.Millisecond, pong.rtt(sent.Add(25*time.Millisecond)))

	_, err = decodeChannelMessage([]byte{0xc1})
	assert.Error(t, err)
}

func TestClientDecode_BothCodecs(t *testing.T) {
	for _, codec := range []signaling.Codec{signaling.JSONCodec{}, signaling.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			c := &Client{codec: codec}

			// Simulate a frame as the read pump produces it.
			raw, err := codec.Marshal(map[string]any{
				"type": signaling.MessageTypeOffer,
				"payload": map[string]any{
					"sender": "conn-a",
					"sdp":    map[string]any{"type": "offer", "sdp": "v=0"},
				},
			})
			require.NoError(t, err)
			var f Frame
			require.NoError(t, codec.Unmarshal(raw, &f))

			var payload descriptionPayload
			require.NoError(t, c.Decode(&f, &payload))
			assert.Equal(t, "conn-a", payload.Sender)
			require.NotNil(t, payload.SDP)
			assert.Equal(t, "offer", payload.SDP.Type)

			ids := Frame{Type: signaling.MessageTypeAllUsers, Payload: []any{"x", "y"}}
			var list []string
			require.NoError(t, c.Decode(&ids, &list))
			assert.Equal(t, []string{"x", "y"}, list)
		})
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{Room: "r1"})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(Options{URL: "ws://localhost/ws"})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	p, err := New(Options{URL: "ws://localhost/ws", Room: "r1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, p.opts.Timeout)
}
