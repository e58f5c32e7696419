package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/relayfs/internal/client"
	"github.com/bamsammich/relayfs/internal/clock"
	"github.com/bamsammich/relayfs/internal/config"
	"github.com/bamsammich/relayfs/internal/stats"
	"github.com/bamsammich/relayfs/internal/storage"
)

// DefaultAddr is dialed when neither --addr nor a discovery file names a
// server.
const DefaultAddr = "127.0.0.1:5001"

// resolveAddr picks the server address: --addr, then the discovery file
// written by a local `relayfs serve`, then DefaultAddr.
func resolveAddr(cmd *cobra.Command) string {
	if cmd.Flags().Changed("addr") {
		addr, _ := cmd.Flags().GetString("addr") //nolint:errcheck // flag name is hardcoded
		return addr
	}
	if d, err := config.ReadDiscovery(); err == nil && d.Addr != "" {
		return d.Addr
	}
	return DefaultAddr
}

// withClient dials the server, runs fn, and closes the session.
func withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	addr := resolveAddr(cmd)
	slog.Debug("connecting", "addr", addr)

	c, err := client.Dial(ctx, addr, client.Options{
		Progress: func(done, total uint64) {
			slog.Debug("transfer progress", "done", done, "total", total)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck // best-effort exit
	return fn(ctx, c)
}

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push LOCAL [REMOTE]",
		Short: "Upload a file",
		Long: `Upload LOCAL to the server. REMOTE defaults to the base name of LOCAL and
may carry a storage prefix ("sd:", "internal:", "flash:").

With --resume the server reports how much of REMOTE it already holds and
only the remainder is sent. The CRC32 the server reports is compared with
the local file.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resume, _ := cmd.Flags().GetBool("resume") //nolint:errcheck // flag name is hardcoded
			local := args[0]
			remote := filepath.Base(local)
			if len(args) == 2 {
				remote = args[1]
			}

			//nolint:gosec // G304: path is the user's argument
			f, err := os.Open(local)
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck // read-only
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("%s is not a regular file", local)
			}
			size := uint64(info.Size()) //nolint:gosec // G115: regular file sizes are non-negative

			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				var res *client.Result
				if resume {
					res, err = c.Resume(ctx, remote, f, size)
				} else {
					res, err = c.Upload(ctx, remote, f, size)
				}
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), "pushed", res)
				return nil
			})
		},
	}
	cmd.Flags().Bool("resume", false, "continue a partial upload")
	return cmd
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull REMOTE [LOCAL]",
		Short: "Download a file",
		Long: `Download REMOTE from the server into LOCAL, which defaults to REMOTE's
name without its storage prefix. The file is written under a temporary name
and renamed into place once the download completes.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local, _, _ := storage.ParseName(remote)
			if len(args) == 2 {
				local = args[1]
			}
			if local == "" {
				return errors.New("no local file name")
			}

			// Local file is replaced only after a complete download.
			f, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*.part")
			if err != nil {
				return err
			}
			var res *client.Result
			err = withClient(cmd, func(ctx context.Context, c *client.Client) error {
				var derr error
				res, derr = c.Download(ctx, remote, f)
				return derr
			})
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err == nil {
				err = os.Rename(f.Name(), local)
			}
			if err != nil {
				os.Remove(f.Name()) //nolint:errcheck,gosec // best-effort cleanup
				return err
			}
			printResult(cmd.OutOrStdout(), "pulled", res)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "ls",
		Short:         "List files on both storage roots",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(_ context.Context, c *client.Client) error {
				out, err := c.List()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newSpaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "df",
		Aliases:       []string{"space"},
		Short:         "Show free space on both storage roots",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(_ context.Context, c *client.Client) error {
				out, err := c.Space()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newClockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clock [YYYY-MM-DD HH:MM:SS]",
		Short: "Set the server clock",
		Long: `Set the server's clock to the given local time, or to this host's
current time when no argument is given.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := time.Now()
			if len(args) > 0 {
				var err error
				t, err = clock.Parse(strings.Join(args, " "), time.Local)
				if err != nil {
					return err
				}
			}
			return withClient(cmd, func(_ context.Context, c *client.Client) error {
				now, err := c.SetTime(t)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "clock set to %s\n", now)
				return nil
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active transfer",
		Long: `Cancel the transfer in progress on a server.

Without --addr the local server named by the discovery file is sent
SIGUSR1, which reaches it even while a transfer holds its only session.
With --addr the "cancel" command is sent over the line protocol instead.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("addr") {
				d, err := config.ReadDiscovery()
				if err == nil && d.PID > 0 {
					if err := signalCancel(d.PID); err != nil {
						return fmt.Errorf("signal server pid %d: %w", d.PID, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cancel sent to pid %d\n", d.PID)
					return nil
				}
			}
			return withClient(cmd, func(_ context.Context, c *client.Client) error {
				if err := c.Cancel(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cancel acknowledged")
				return nil
			})
		},
	}
}

func printResult(w io.Writer, verb string, res *client.Result) {
	fmt.Fprintf(w, "%s %s (%s, CRC %s)\n",
		verb, res.Name, stats.FormatBytes(int64(res.Bytes)), res.CRC32) //nolint:gosec // G115: file sizes fit int64
}
