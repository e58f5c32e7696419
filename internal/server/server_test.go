package server_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/relayfs/internal/cancel"
	"github.com/bamsammich/relayfs/internal/event"
	"github.com/bamsammich/relayfs/internal/server"
	"github.com/bamsammich/relayfs/internal/storage"
)

func TestServer_SerializesConnections(t *testing.T) {
	t.Parallel()
	h := startServer(t, harnessOpts{})

	first := h.dial(t)
	send(t, first, "list\n")
	require.Contains(t, readReply(t, first), "=== Internal Flash ===")

	// The second client connects (kernel backlog) but is not served.
	second := h.dial(t)
	send(t, second, "cancel\n")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 64)
	_, err := second.Read(buf)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout(), "second session must wait for the first")

	send(t, first, "exit\n")
	assert.Equal(t, "Cancel acknowledged", readReply(t, second))
}

func TestServer_ShutdownClosesActiveSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		Store:      storage.New(storage.Config{InternalRoot: dir}),
	})
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	send(t, conn, "list\n")
	readReply(t, conn)
	assert.True(t, srv.Listening())

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	assert.False(t, srv.Listening())
	expectClosed(t, conn)
}

func TestServer_EventsAndStats(t *testing.T) {
	t.Parallel()
	h := startServer(t, harnessOpts{})
	conn := h.dial(t)

	send(t, conn, "upload ev.txt\n0000000002")
	readN(t, conn, conn, 5)
	send(t, conn, "hi")
	readReply(t, conn)
	send(t, conn, "exit\n")
	expectClosed(t, conn)

	var types []event.Type
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-h.events:
				types = append(types, ev.Type)
			default:
				return len(types) > 0 && types[len(types)-1] == event.SessionClosed
			}
		}
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []event.Type{
		event.SessionOpened, event.TransferStarted, event.TransferCompleted, event.SessionClosed,
	}, types)

	snap := h.srv.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Sessions)
	assert.Equal(t, int64(1), snap.TransfersOK)
	assert.Equal(t, int64(2), snap.BytesReceived)
}

func TestEnsureDefaultFile(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "flash")
	store := storage.New(storage.Config{InternalRoot: root})

	require.NoError(t, server.EnsureDefaultFile(store, "greeting.txt"))
	data, err := os.ReadFile(filepath.Join(root, "greeting.txt"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// An existing file is never overwritten.
	require.NoError(t, os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("custom"), 0o644))
	require.NoError(t, server.EnsureDefaultFile(store, "greeting.txt"))
	data, err = os.ReadFile(filepath.Join(root, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "custom", string(data))
}

func TestService_StartStop(t *testing.T) {
	t.Parallel()

	flag := cancel.New()
	svc := server.NewService(server.Config{
		ListenAddr: "127.0.0.1:0",
		Store:      storage.New(storage.Config{InternalRoot: t.TempDir()}),
		Cancel:     flag,
	})
	assert.False(t, svc.Status().Running)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Status().Running, "running as soon as Start returns")
	require.NoError(t, svc.Start(context.Background()), "second start is a no-op")

	addr := svc.Status().Addr
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	send(t, conn, "space\n")
	assert.Contains(t, readReply(t, conn), "Internal free:")
	conn.Close()

	require.NoError(t, svc.Cancel())
	assert.True(t, flag.Tripped())

	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop(), "second stop is a no-op")
	st := svc.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.Addr)
	assert.Equal(t, int64(1), st.Stats.Sessions)

	_, err = net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err)

	// A stopped service can be restarted and keeps its counters.
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop() }) //nolint:errcheck // test cleanup
	assert.True(t, svc.Status().Running)
	assert.Equal(t, int64(1), svc.Status().Stats.Sessions)
}

// flakyListener fails every Accept until closed.
type flakyListener struct {
	net.Listener
	accepts atomic.Int64
	closed  chan struct{}
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("too many open files")
	}
}

func (l *flakyListener) Close() error {
	close(l.closed)
	return l.Listener.Close()
}

func TestServer_AcceptErrorsBackOff(t *testing.T) {
	t.Parallel()

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner, closed: make(chan struct{})}

	srv, err := server.New(server.Config{
		Listener: ln,
		Store:    storage.New(storage.Config{InternalRoot: t.TempDir()}),
	})
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	time.Sleep(300 * time.Millisecond)
	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}

	n := ln.accepts.Load()
	assert.GreaterOrEqual(t, n, int64(2))
	assert.Less(t, n, int64(20), "accept loop must pause between failures")
}
