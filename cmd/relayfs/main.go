package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/relayfs/internal/config"
	"github.com/bamsammich/relayfs/internal/event"
	"github.com/bamsammich/relayfs/internal/logging"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// app carries state shared between the root command's hooks and the
// subcommands.
type app struct {
	cfg     config.Config
	logFile io.Closer
}

func run() int {
	a := &app{}
	rootCmd := newRootCmd(a)
	err := rootCmd.Execute()
	if a.logFile != nil {
		a.logFile.Close() //nolint:errcheck,gosec // best-effort on exit
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayfs",
		Short: "File transfer service for the relay controller",
		Long: `relayfs serves the controller's internal flash and SD card over a
line-oriented command protocol and a small HTTP API that share one TCP port.

Run "relayfs serve" on the device. The remaining commands are clients that
talk to a running server over the line protocol.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default $XDG_CONFIG_HOME/relayfs/config.toml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "stderr log format: text or json")
	pf.String("log", "", "also write structured JSON log to FILE")
	pf.String("addr", "", "server address for client commands (default: running server, then 127.0.0.1:5001)")

	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newPushCmd(), newPullCmd(), newListCmd(), newSpaceCmd())
	rootCmd.AddCommand(newClockCmd(), newCancelCmd(), newStatusCmd())
	return rootCmd
}

// setup loads the config file, overlays explicitly set flags, and installs
// the default logger.
func (a *app) setup(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config") //nolint:errcheck // flag name is hardcoded
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyLogFlags(cmd, &cfg.Log)
	a.cfg = cfg

	logger, closer, err := logging.New(os.Stderr, logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	a.logFile = closer
	slog.SetDefault(logger)
	return nil
}

// applyLogFlags applies log flags over config file values, but only for
// flags explicitly set on the command line.
func applyLogFlags(cmd *cobra.Command, lc *config.LogConfig) {
	if cmd.Flags().Changed("log-level") {
		lc.Level, _ = cmd.Flags().GetString("log-level") //nolint:errcheck // flag name is hardcoded
	}
	if cmd.Flags().Changed("log-format") {
		lc.Format, _ = cmd.Flags().GetString("log-format") //nolint:errcheck // flag name is hardcoded
	}
	if cmd.Flags().Changed("log") {
		lc.File, _ = cmd.Flags().GetString("log") //nolint:errcheck // flag name is hardcoded
	}
}

// logEvents drains the server's event channel into the default logger until
// the channel is closed.
func logEvents(ch <-chan event.Event) {
	for ev := range ch {
		level := slog.LevelInfo
		switch ev.Type {
		case event.TransferProgress:
			level = slog.LevelDebug
		case event.TransferFailed:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("type", ev.Type.String()),
			slog.String("session", ev.Session),
		}
		if ev.Path != "" {
			attrs = append(attrs, slog.String("path", ev.Path))
		}
		if ev.Direction != "" {
			attrs = append(attrs,
				slog.String("direction", ev.Direction),
				slog.Int64("size", ev.Size),
				slog.Int64("total", ev.Total))
		}
		if ev.Error != nil {
			attrs = append(attrs, slog.String("error", ev.Error.Error()))
		}
		slog.LogAttrs(context.Background(), level, "relayfs.event", attrs...)
	}
}
