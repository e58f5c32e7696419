package server_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/relayfs/internal/cancel"
	"github.com/bamsammich/relayfs/internal/clock"
	"github.com/bamsammich/relayfs/internal/event"
	"github.com/bamsammich/relayfs/internal/server"
	"github.com/bamsammich/relayfs/internal/storage"
	"github.com/bamsammich/relayfs/internal/transfer"
)

type fakeAP struct{}

func (fakeAP) Active() bool { return true }
func (fakeAP) IP() string   { return "192.168.4.1" }

type harness struct {
	srv      *server.Server
	cancel   *cancel.Flag
	clock    *clock.Offset
	events   chan event.Event
	free     *atomic.Uint64
	internal string
	sd       string
	addr     string
}

type harnessOpts struct {
	withSD bool
	mutate func(*server.Config)
}

func startServer(t *testing.T, o harnessOpts) *harness {
	t.Helper()

	base := t.TempDir()
	h := &harness{
		internal: filepath.Join(base, "flash"),
		cancel:   cancel.New(),
		clock:    clock.NewOffset(),
		events:   make(chan event.Event, 256),
		free:     new(atomic.Uint64),
	}
	h.free.Store(1 << 40)
	sdRoot := filepath.Join(base, "sd")
	if o.withSD {
		require.NoError(t, os.MkdirAll(sdRoot, 0o755))
		h.sd = sdRoot
	}

	store := storage.New(storage.Config{
		InternalRoot:  h.internal,
		RemovableRoot: sdRoot,
		FreeSpace:     func(string) (uint64, error) { return h.free.Load(), nil },
	})

	cfg := server.Config{
		ListenAddr:  "127.0.0.1:0",
		Store:       store,
		Cancel:      h.cancel,
		Clock:       h.clock,
		Events:      h.events,
		AccessPoint: fakeAP{},
		SSID:        "Test-AP",
		AckTimeout:  2 * time.Second,
		Transfer: transfer.Options{
			Pace:          -1,
			PollInterval:  50 * time.Millisecond,
			HeaderTimeout: 2 * time.Second,
		},
	}
	if o.mutate != nil {
		o.mutate(&cfg)
	}

	srv, err := server.New(cfg)
	require.NoError(t, err)
	h.srv = srv
	h.addr = srv.Addr().String()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx) //nolint:errcheck // test server; error not needed
	}()
	t.Cleanup(func() {
		stop()
		<-done
	})
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := io.WriteString(conn, s)
	require.NoError(t, err)
}

// readReply collects one unterminated reply: it waits up to 5s for the first
// byte, then reads until the peer has been quiet for 200ms or closes.
func readReply(t *testing.T, conn net.Conn) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && len(out) > 0 {
				return string(out)
			}
			if errors.Is(err, io.EOF) && len(out) > 0 {
				return string(out)
			}
			require.NoError(t, err, "reading reply (got %q)", out)
		}
		deadline = time.Now().Add(200 * time.Millisecond)
	}
}

func readN(t *testing.T, r io.Reader, conn net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

// expectClosed asserts that the server closed the connection.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := bufio.NewReader(conn).ReadByte()
	require.Error(t, err)
	var ne net.Error
	require.False(t, errors.As(err, &ne) && ne.Timeout(), "connection still open")
}
