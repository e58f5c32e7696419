package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/bamsammich/relayfs/internal/server"
	"github.com/bamsammich/relayfs/internal/stats"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show server status and transfer counters",
		Long:          `Query GET /api/status on the server and print it as a table.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := fetchStatus(ctx, resolveAddr(cmd))
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func fetchStatus(ctx context.Context, addr string) (*server.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/status", http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", addr, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s: %s", addr, resp.Status)
	}

	var st server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func renderStatus(w io.Writer, st *server.StatusResponse) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Key", "Value"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	s := st.Stats
	table.AppendBulk([][]string{
		{"ssid", st.SSID},
		{"ip", st.IP},
		{"port", strconv.Itoa(st.Port)},
		{"ap active", strconv.FormatBool(st.APActive)},
		{"listening", strconv.FormatBool(st.Listening)},
		{"time", st.Time},
		{"sessions", strconv.FormatInt(s.Sessions, 10)},
		{"transfers", fmt.Sprintf("%d ok, %d failed, %d canceled",
			s.TransfersOK, s.TransfersFailed, s.TransfersCanceled)},
		{"received", stats.FormatBytes(s.BytesReceived)},
		{"sent", stats.FormatBytes(s.BytesSent)},
		{"deleted", strconv.FormatInt(s.FilesDeleted, 10)},
	})
	table.Render()
}
