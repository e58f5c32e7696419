package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/relayfs/internal/cancel"
	"github.com/bamsammich/relayfs/internal/clock"
	"github.com/bamsammich/relayfs/internal/config"
	"github.com/bamsammich/relayfs/internal/event"
	"github.com/bamsammich/relayfs/internal/server"
	"github.com/bamsammich/relayfs/internal/storage"
	"github.com/bamsammich/relayfs/internal/transfer"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer server",
		Long: `Run the transfer server on the configured port.

Connections are served one at a time. The first bytes of each connection
decide whether it is an HTTP request or a command session.

The server address and PID are written to a discovery file
($XDG_RUNTIME_DIR/relayfs/serve.toml) so that client commands on the same
host find it without --addr. Sending SIGUSR1 cancels the active transfer.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			applyServeFlags(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("listen", ":5001", "listen address (host:port)")
	cmd.Flags().String("internal", "/var/lib/relayfs", "internal storage root")
	cmd.Flags().String("removable", "", "removable (SD card) mount point")
	cmd.Flags().String("ssid", "PicoPi-AP", "network name reported by /api/status")
	cmd.Flags().String("bwlimit", "", "download bandwidth limit (e.g. 64K, 1M)")
	return cmd
}

// applyServeFlags overrides config values with flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	targets := map[string]*string{
		"listen":    &cfg.Listen,
		"internal":  &cfg.Storage.Internal,
		"removable": &cfg.Storage.Removable,
		"ssid":      &cfg.SSID,
		"bwlimit":   &cfg.Transfer.BWLimit,
	}
	// Visit only walks flags that were set.
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if dst, ok := targets[f.Name]; ok {
			*dst = f.Value.String()
		}
	})
}

// serverConfig translates the validated file config into server settings.
func serverConfig(cfg config.Config) (server.Config, error) {
	parser, err := server.ParserByName(cfg.HTTP.Parser)
	if err != nil {
		return server.Config{}, err
	}

	var probes []cancel.Probe
	if cfg.Cancel.Button != "" {
		probes = append(probes, cancel.ButtonProbe(cfg.Cancel.Button))
	}

	var clk clock.Clock = clock.NewOffset()
	if cfg.Clock.Mode == "system" {
		clk = clock.System{}
	}

	opts := transfer.Options{
		Pace:          cfg.Transfer.Pace,
		HeaderTimeout: cfg.Transfer.HeaderTimeout,
	}
	if limit := cfg.BandwidthLimit(); limit > 0 {
		opts.Limiter = transfer.NewBWLimiter(limit)
	}

	return server.Config{
		ListenAddr: cfg.Listen,
		Store: storage.New(storage.Config{
			InternalRoot:  cfg.Storage.Internal,
			RemovableRoot: cfg.Storage.Removable,
		}),
		Cancel:      cancel.New(probes...),
		Clock:       clk,
		Parser:      parser,
		Transfer:    opts,
		SSID:        cfg.SSID,
		DefaultFile: cfg.DefaultFile,
		AckTimeout:  cfg.Transfer.AckTimeout,
	}, nil
}

func runServe(parent context.Context, cfg config.Config) error {
	scfg, err := serverConfig(cfg)
	if err != nil {
		return err
	}

	events := make(chan event.Event, 64)
	scfg.Events = events
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		logEvents(events)
	}()
	defer func() {
		close(events)
		<-logged
	}()

	srv, err := server.New(scfg)
	if err != nil {
		return err
	}

	if err := config.WriteDiscovery(config.Discovery{
		Addr: dialAddr(srv.Addr()),
		PID:  os.Getpid(),
	}); err != nil {
		slog.Warn("failed to write discovery file", "error", err)
	}
	defer config.RemoveDiscovery()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer notifyCancel(ctx, scfg.Cancel)()

	err = srv.Serve(ctx)
	slog.Info("relayfs stopped", "stats", srv.Stats().Snapshot().String())
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// dialAddr turns a listener address into one a local client can dial:
// wildcard hosts become loopback.
func dialAddr(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
