package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/relayfs/internal/config"
	"github.com/bamsammich/relayfs/internal/event"
)

// execute runs the CLI with args and returns what it printed to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&app{})
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.toml")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// startServe runs `serve` logic against temp roots and returns the
// discovered address.
func startServe(t *testing.T) (addr, internal string) {
	t.Helper()
	base := t.TempDir()
	config.SetDiscoveryPathOverride(filepath.Join(base, "serve.toml"))
	t.Cleanup(func() { config.SetDiscoveryPathOverride("") })

	cfg := config.Defaults()
	cfg.Listen = "127.0.0.1:0"
	cfg.Storage.Internal = filepath.Join(base, "flash")
	cfg.Transfer.Pace = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("serve did not stop")
		}
	})

	require.Eventually(t, func() bool {
		d, err := config.ReadDiscovery()
		if err != nil {
			return false
		}
		addr = d.Addr
		return d.PID == os.Getpid()
	}, 5*time.Second, 10*time.Millisecond)
	return addr, cfg.Storage.Internal
}

func TestServe_PushPullListThroughDiscovery(t *testing.T) {
	addr, internal := startServe(t)
	assert.True(t, strings.HasPrefix(addr, "127.0.0.1:"), "addr %q", addr)

	// The default file is created on start.
	_, err := os.Stat(filepath.Join(internal, config.Defaults().DefaultFile))
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	out, err := execute(t, "push", local)
	require.NoError(t, err)
	assert.Equal(t, "pushed notes.txt (5 B, CRC 3610A686)\n", out)

	data, err := os.ReadFile(filepath.Join(internal, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out, err = execute(t, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "notes.txt")

	dst := filepath.Join(t.TempDir(), "copy.txt")
	out, err = execute(t, "--addr", addr, "pull", "internal:notes.txt", dst)
	require.NoError(t, err)
	assert.Equal(t, "pulled internal:notes.txt (5 B, CRC 3610A686)\n", out)
	data, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out, err = execute(t, "--addr", addr, "df")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestPull_MissingLeavesNoFile(t *testing.T) {
	addr, _ := startServe(t)

	dir := t.TempDir()
	dst := filepath.Join(dir, "missing.bin")
	_, err := execute(t, "--addr", addr, "pull", "missing.bin", dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, statErr := os.Stat(dst)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary download file must be cleaned up")
}

func TestPull_FailureKeepsExistingLocal(t *testing.T) {
	addr, _ := startServe(t)

	dst := filepath.Join(t.TempDir(), "keep.txt")
	require.NoError(t, os.WriteFile(dst, []byte("precious"), 0o644))

	_, err := execute(t, "--addr", addr, "pull", "keep.txt", dst)
	require.Error(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "precious", string(data))
}

func TestCancel_OverLineProtocol(t *testing.T) {
	addr, _ := startServe(t)

	out, err := execute(t, "--addr", addr, "cancel")
	require.NoError(t, err)
	assert.Equal(t, "Cancel acknowledged\n", out)
}

func TestClock_RejectsBadTime(t *testing.T) {
	config.SetDiscoveryPathOverride(filepath.Join(t.TempDir(), "serve.toml"))
	t.Cleanup(func() { config.SetDiscoveryPathOverride("") })

	_, err := execute(t, "--addr", "127.0.0.1:1", "clock", "2024-02-30", "10:00:00")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestResolveAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.toml")
	config.SetDiscoveryPathOverride(path)
	t.Cleanup(func() { config.SetDiscoveryPathOverride("") })

	newCmd := func(args ...string) *cobra.Command {
		cmd := newRootCmd(&app{})
		require.NoError(t, cmd.ParseFlags(args))
		return cmd
	}

	assert.Equal(t, DefaultAddr, resolveAddr(newCmd()))

	require.NoError(t, config.WriteDiscovery(config.Discovery{Addr: "127.0.0.1:6001", PID: 1}))
	assert.Equal(t, "127.0.0.1:6001", resolveAddr(newCmd()))
	assert.Equal(t, "10.0.0.2:5001", resolveAddr(newCmd("--addr", "10.0.0.2:5001")))
}

func TestApplyServeFlags(t *testing.T) {
	t.Parallel()

	cmd := newServeCmd(&app{})
	require.NoError(t, cmd.Flags().Parse([]string{"--removable", "/media/sd", "--bwlimit", "64K"}))

	cfg := config.Defaults()
	cfg.Listen = ":7000"
	applyServeFlags(cmd, &cfg)

	assert.Equal(t, ":7000", cfg.Listen, "unset flag must not override the file")
	assert.Equal(t, "/media/sd", cfg.Storage.Removable)
	assert.Equal(t, "64K", cfg.Transfer.BWLimit)
	assert.Equal(t, int64(64*1024), cfg.BandwidthLimit())
}

func TestServerConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	cfg.Storage.Internal = t.TempDir()
	cfg.Transfer.BWLimit = "1M"
	cfg.Cancel.Button = filepath.Join(t.TempDir(), "value")

	scfg, err := serverConfig(cfg)
	require.NoError(t, err)
	assert.NotNil(t, scfg.Transfer.Limiter)
	assert.NotNil(t, scfg.Parser)
	assert.Equal(t, cfg.Transfer.AckTimeout, scfg.AckTimeout)
	assert.False(t, scfg.Cancel.Tripped())

	require.NoError(t, os.WriteFile(cfg.Cancel.Button, []byte("0\n"), 0o644))
	assert.True(t, scfg.Cancel.Tripped(), "pressed button trips the flag")

	cfg.HTTP.Parser = "fancy"
	_, err = serverConfig(cfg)
	require.Error(t, err)
}

func TestDialAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.IPv4zero, Port: 5001}, "127.0.0.1:5001"},
		{&net.TCPAddr{IP: net.IPv6unspecified, Port: 5001}, "127.0.0.1:5001"},
		{&net.TCPAddr{IP: net.ParseIP("192.168.4.1"), Port: 5001}, "192.168.4.1:5001"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dialAddr(tt.in))
	}
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ch := make(chan event.Event, 3)
	ch <- event.Event{Type: event.TransferProgress, Session: "s1", Path: "a.txt", Direction: "upload"}
	ch <- event.Event{
		Type: event.TransferFailed, Session: "s1", Path: "sd:a.txt", Direction: "upload",
		Size: 10, Total: 20, Error: errors.New("timeout"),
	}
	close(ch)
	logEvents(ch)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "progress is logged at debug")

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "relayfs.event", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "TransferFailed", rec["type"])
	assert.Equal(t, "sd:a.txt", rec["path"])
	assert.InDelta(t, 20, rec["total"], 0)
	assert.Equal(t, "timeout", rec["error"])
}

func TestStatus(t *testing.T) {
	addr, _ := startServe(t)

	out, err := execute(t, "--addr", addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "PicoPi-AP")
	assert.Contains(t, out, "listening")
	assert.Contains(t, out, "true")
}
