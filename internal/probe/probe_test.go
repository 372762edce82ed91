package probe

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/meshrelay/internal/config"
	"github.com/BioHazard786/meshrelay/internal/logging"
	"github.com/BioHazard786/meshrelay/internal/metrics"
	"github.com/BioHazard786/meshrelay/internal/registry"
	"github.com/BioHazard786/meshrelay/internal/server"
	"github.com/BioHazard786/meshrelay/internal/signaling"
)

// startRelay serves a relay on a loopback listener and returns its
// websocket URL.
func startRelay(t *testing.T, limits registry.Limits) string {
	t.Helper()

	cfg := &config.Config{
		MaxRooms:          limits.MaxRooms,
		MaxMembersPerRoom: limits.MaxMembersPerRoom,
		SendQueueSize:     64,
		MaxMessageBytes:   config.DefaultMaxMessageBytes,
		WriteWait:         time.Second,
		PongWait:          10 * time.Second,
		ShutdownTimeout:   time.Second,
	}
	logger := logging.Discard()
	reg := registry.New(cfg.Limits())
	m := metrics.New(prometheus.NewRegistry())
	hub := signaling.NewHub(reg, signaling.HubOptions{Logger: logger, Metrics: m, SendQueueSize: cfg.SendQueueSize})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	ts := httptest.NewServer(server.New(cfg, logger, hub, reg, m).Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestProbe_RejectedWhenRoomFull(t *testing.T) {
	url := startRelay(t, registry.Limits{MaxMembersPerRoom: 1})

	// The first participant only holds the room's single seat.
	holder, err := Dial(context.Background(), url, "", nil)
	require.NoError(t, err)
	t.Cleanup(holder.Close)
	welcome := <-holder.Incoming()
	require.Equal(t, signaling.MessageTypeWelcome, welcome.Type)
	holder.Send(signaling.MessageTypeJoin, joinPayload{RoomID: "full"})
	all := <-holder.Incoming()
	require.Equal(t, signaling.MessageTypeAllUsers, all.Type)

	p, err := New(Options{URL: url, Room: "full", Peers: 1, Timeout: 5 * time.Second, Logger: logging.Discard()})
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "Room is full")
	require.NotNil(t, report)
	assert.NotEmpty(t, report.Self)
}

func TestProbe_ObserveEmptyRoom(t *testing.T) {
	url := startRelay(t, registry.Limits{})

	p, err := New(Options{URL: url, Room: "quiet", Timeout: 300 * time.Millisecond, Logger: logging.Discard()})
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err, "observation mode does not fail on an empty room")
	assert.Empty(t, report.Peers)
	assert.Equal(t, "quiet", report.Room)
}

func TestProbe_UnreachableRelay(t *testing.T) {
	p, err := New(Options{URL: "ws://127.0.0.1:1/ws", Room: "r1", Timeout: time.Second, Logger: logging.Discard()})
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	assert.Error(t, err)
	assert.Nil(t, report)
}

func TestProbe_TwoPeersMeasureEachOther(t *testing.T) {
	if testing.Short() {
		t.Skip("opens WebRTC connections over loopback")
	}

	url := startRelay(t, registry.Limits{})

	reports := make([]*Report, 2)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range reports {
		g.Go(func() error {
			p, err := New(Options{
				URL:             url,
				Room:            "mesh",
				IncludeLoopback: true,
				Peers:           1,
				Timeout:         20 * time.Second,
				Logger:          logging.Discard(),
			})
			if err != nil {
				return err
			}
			reports[i], err = p.Run(ctx)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, r := range reports {
		require.Len(t, r.Peers, 1)
		// The first probe to finish may leave before the other reports.
		assert.Contains(t, []string{StateConnected, StateLeft}, r.Peers[0].State)
		assert.Positive(t, r.Peers[0].RTT)
	}
	assert.Equal(t, reports[0].Self, reports[1].Peers[0].ID)
	assert.Equal(t, reports[1].Self, reports[0].Peers[0].ID)
}
