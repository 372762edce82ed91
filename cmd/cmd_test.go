package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/meshrelay/internal/config"
	"github.com/BioHazard786/meshrelay/internal/probe"
	"github.com/BioHazard786/meshrelay/internal/registry"
	"github.com/BioHazard786/meshrelay/internal/server"
	"github.com/BioHazard786/meshrelay/internal/signaling"
)

func TestHTTPBase(t *testing.T) {
	cases := map[string]string{
		"localhost:8001":                "http://localhost:8001",
		"http://localhost:8001/":        "http://localhost:8001",
		"https://relay.example.com":     "https://relay.example.com",
		"ws://relay.example.com/":       "http://relay.example.com",
		"wss://relay.example.com/a?b=c": "https://relay.example.com/a",
	}
	for in, want := range cases {
		got, err := httpBase(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"ftp://relay.example.com", "http://"} {
		_, err := httpBase(bad)
		assert.Error(t, err, bad)
	}
}

func TestWSEndpoint(t *testing.T) {
	assert.Equal(t, "ws://localhost:8001/ws", wsEndpoint("http://localhost:8001"))
	assert.Equal(t, "wss://relay.example.com/ws", wsEndpoint("https://relay.example.com"))
}

func TestSubprotocolFor(t *testing.T) {
	sub, err := subprotocolFor("msgpack")
	require.NoError(t, err)
	assert.Equal(t, signaling.SubprotocolMsgpack, sub)

	sub, err = subprotocolFor("")
	require.NoError(t, err)
	assert.Equal(t, signaling.SubprotocolJSON, sub)

	_, err = subprotocolFor("xml")
	assert.Error(t, err)
}

func TestServeFlagsBindToConfig(t *testing.T) {
	t.Setenv("MESHRELAY_MAX_ROOMS", "9")

	flags := serveCmd.Flags()
	v := config.New()
	require.NoError(t, bindFlags(v, flags))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxRooms, "unset flags leave env values alone")
	assert.Equal(t, config.DefaultSendQueueSize, cfg.SendQueueSize)
}

func TestRoomsFetcher(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rooms", r.URL.Path)
		server.WriteJSON(w, http.StatusOK, server.RoomsResponse{
			Rooms:       []registry.RoomInfo{{ID: "lobby", Members: []string{"a", "b"}}},
			Connections: 3,
		})
	}))
	defer ts.Close()

	rooms, connections, err := roomsFetcher(ts.Client(), ts.URL)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, connections)
	assert.Equal(t, []registry.RoomInfo{{ID: "lobby", Members: []string{"a", "b"}}}, rooms)
}

func TestRoomsFetcher_BadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	_, _, err := roomsFetcher(ts.Client(), ts.URL)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestPeerRows(t *testing.T) {
	rows := peerRows(&probe.Report{Peers: []probe.PeerResult{
		{ID: "a", State: probe.StateConnected, RTT: 1500 * time.Microsecond},
		{ID: "b", State: probe.StateFailed, Err: probe.ErrTimeout},
	}})

	require.Len(t, rows, 2)
	assert.Equal(t, "1.5ms", rows[0].RTT)
	assert.Equal(t, "-", rows[1].RTT)
	assert.Equal(t, "failed (timeout)", rows[1].State)
}
