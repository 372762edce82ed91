package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/meshrelay/internal/config"
	"github.com/BioHazard786/meshrelay/internal/logging"
	"github.com/BioHazard786/meshrelay/internal/metrics"
	"github.com/BioHazard786/meshrelay/internal/registry"
	"github.com/BioHazard786/meshrelay/internal/server"
	"github.com/BioHazard786/meshrelay/internal/signaling"
	"github.com/BioHazard786/meshrelay/internal/version"
)

var flagConfigFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay.

Settings come from flags, then MESHRELAY_* environment variables (PORT,
FRONTEND_URL and LOG_LEVEL are honoured too), then the config file, then
defaults. Capacity limits are reloaded when the config file changes.

Examples:
  meshrelay serve
  meshrelay serve --port 9000 --allowed-origins https://app.example.com
  meshrelay serve --config /etc/meshrelay.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cmd.Flags())
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&flagConfigFile, "config", "c", "", "config file (yaml, toml or json)")
	f.String(config.FlagName(config.KeyListen), "", "listen address, overrides --port (e.g. 127.0.0.1:8001)")
	f.String(config.FlagName(config.KeyPort), config.DefaultPort, "listen port")
	f.String(config.FlagName(config.KeyAllowedOrigins), "", "comma-separated browser origins allowed to connect (empty allows all)")
	f.Int(config.FlagName(config.KeyMaxRooms), 0, "maximum live rooms, 0 for unlimited")
	f.Int(config.FlagName(config.KeyMaxMembersPerRoom), 0, "maximum members per room, 0 for unlimited")
	f.Int(config.FlagName(config.KeySendQueueSize), config.DefaultSendQueueSize, "outbound messages queued per connection")
	f.Int64(config.FlagName(config.KeyMaxMessageBytes), config.DefaultMaxMessageBytes, "largest inbound frame in bytes")
	f.Duration(config.FlagName(config.KeyWriteWait), config.DefaultWriteWait, "time allowed to write a frame")
	f.Duration(config.FlagName(config.KeyPongWait), config.DefaultPongWait, "time allowed between pongs")
	f.Duration(config.FlagName(config.KeyShutdownTimeout), config.DefaultShutdownTimeout, "graceful shutdown budget")
	f.String(config.FlagName(config.KeyLogLevel), config.DefaultLogLevel, "log level (debug, info, warn, error)")
	f.String(config.FlagName(config.KeyLogFormat), config.DefaultLogFormat, "log format (text or json)")

	rootCmd.AddCommand(serveCmd)
}

var serveKeys = []string{
	config.KeyListen,
	config.KeyPort,
	config.KeyAllowedOrigins,
	config.KeyMaxRooms,
	config.KeyMaxMembersPerRoom,
	config.KeySendQueueSize,
	config.KeyMaxMessageBytes,
	config.KeyWriteWait,
	config.KeyPongWait,
	config.KeyShutdownTimeout,
	config.KeyLogLevel,
	config.KeyLogFormat,
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, key := range serveKeys {
		if err := v.BindPFlag(key, flags.Lookup(config.FlagName(key))); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

func runServe(ctx context.Context, flags *pflag.FlagSet) error {
	v := config.New()
	if err := bindFlags(v, flags); err != nil {
		return err
	}
	if err := config.ReadFile(v, flagConfigFile); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := logging.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	reg := registry.New(cfg.Limits())
	hub := signaling.NewHub(reg, signaling.HubOptions{
		Logger:          logger,
		Metrics:         m,
		SendQueueSize:   cfg.SendQueueSize,
		MaxMessageBytes: cfg.MaxMessageBytes,
		WriteWait:       cfg.WriteWait,
		PongWait:        cfg.PongWait,
	})
	srv := server.New(cfg, logger, hub, reg, m)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	config.Watch(v, logger, func(next *config.Config) {
		reg.SetLimits(next.Limits())
		logger.Info("capacity limits updated", "max_rooms", next.MaxRooms, "max_members_per_room", next.MaxMembersPerRoom)
	})

	logger.Info("meshrelay starting",
		"version", version.Version,
		"addr", ln.Addr().String(),
		"allowed_origins", cfg.AllowedOrigins,
		"max_rooms", cfg.MaxRooms,
		"max_members_per_room", cfg.MaxMembersPerRoom,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return srv.Serve(ln)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
