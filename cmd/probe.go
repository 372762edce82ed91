package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/meshrelay/internal/logging"
	"github.com/BioHazard786/meshrelay/internal/probe"
	"github.com/BioHazard786/meshrelay/internal/signaling"
	"github.com/BioHazard786/meshrelay/internal/ui"
)

var (
	flagRoom       string
	flagPeers      int
	flagTimeout    time.Duration
	flagCodec      string
	flagICEServers []string
	flagLoopback   bool
	flagOrigin     string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Join a room as a WebRTC peer and measure every member",
	Long: `Join a room through the relay, open a WebRTC data channel to every other
member and report the round trip time over each channel.

Examples:
  meshrelay probe --room standup
  meshrelay probe --room standup --peers 2 --timeout 20s
  meshrelay probe --room lab --codec msgpack --ice-server stun:stun.l.google.com:19302`,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := httpBase(flagServer)
		if err != nil {
			return err
		}

		subprotocol, err := subprotocolFor(flagCodec)
		if err != nil {
			return err
		}

		// CLI logs stay quiet unless LOG_LEVEL asks for more.
		logger, err := logging.Init(envOr("LOG_LEVEL", "error"), logging.FormatText)
		if err != nil {
			return err
		}

		p, err := probe.New(probe.Options{
			URL:             wsEndpoint(base),
			Room:            flagRoom,
			Subprotocol:     subprotocol,
			Origin:          flagOrigin,
			ICEServers:      flagICEServers,
			IncludeLoopback: flagLoopback,
			Peers:           flagPeers,
			Timeout:         flagTimeout,
			Logger:          logger,
		})
		if err != nil {
			return err
		}

		sp := ui.RunWaitingSpinner(fmt.Sprintf("Probing room %s...", flagRoom))
		report, err := p.Run(cmd.Context())
		sp.Stop()

		if report != nil {
			fmt.Fprintln(cmd.OutOrStdout(), ui.ProbeReportView(report.Room, report.Self, peerRows(report)))
		}
		if err != nil {
			return err
		}

		ui.PrintSuccessf("%d of %d peers measured", report.Measured(), len(report.Peers))
		return nil
	},
}

func init() {
	f := probeCmd.Flags()
	f.StringVarP(&flagRoom, "room", "r", "", "room to join")
	f.IntVarP(&flagPeers, "peers", "n", 0, "finish once this many peers are measured, 0 to observe until the timeout")
	f.DurationVarP(&flagTimeout, "timeout", "t", probe.DefaultTimeout, "give up after this long")
	f.StringVar(&flagCodec, "codec", "json", "relay codec (json or msgpack)")
	f.StringSliceVar(&flagICEServers, "ice-server", nil, "STUN/TURN server URL, repeatable")
	f.BoolVar(&flagLoopback, "loopback", false, "gather loopback candidates, for peers on this host")
	f.StringVar(&flagOrigin, "origin", "", "Origin header to send, for relays with an origin allowlist")
	_ = probeCmd.MarkFlagRequired("room")

	rootCmd.AddCommand(probeCmd)
}

func subprotocolFor(codec string) (string, error) {
	switch codec {
	case "", "json":
		return signaling.SubprotocolJSON, nil
	case "msgpack":
		return signaling.SubprotocolMsgpack, nil
	}
	return "", fmt.Errorf("unknown codec %q (want json or msgpack)", codec)
}

func peerRows(r *probe.Report) []ui.PeerRow {
	rows := make([]ui.PeerRow, 0, len(r.Peers))
	for _, p := range r.Peers {
		rtt := "-"
		if p.RTT > 0 {
			rtt = p.RTT.Round(10 * time.Microsecond).String()
		}
		state := p.State
		if p.Err != nil {
			state = fmt.Sprintf("%s (%v)", state, p.Err)
		}
		rows = append(rows, ui.PeerRow{ID: p.ID, State: state, RTT: rtt})
	}
	return rows
}
