// Package server implements the relayfs transfer service: one TCP listener
// that speaks a line-oriented command protocol and a minimal HTTP API on the
// same port.
//
// Connections are served strictly one at a time. The accept loop does not
// return to Accept until the current session's handler has finished, so at
// most one transfer is ever in flight.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bamsammich/relayfs/internal/cancel"
	"github.com/bamsammich/relayfs/internal/clock"
	"github.com/bamsammich/relayfs/internal/event"
	"github.com/bamsammich/relayfs/internal/stats"
	"github.com/bamsammich/relayfs/internal/storage"
	"github.com/bamsammich/relayfs/internal/transfer"
)

const (
	// DefaultAckTimeout bounds the wait for RECV_OK after a download.
	DefaultAckTimeout = 12 * time.Second

	// DefaultFileName is the file served by the legacy `send` command.
	DefaultFileName = "data_test.txt"

	defaultFileContent = "Hello from relayfs. This is the default test file.\n"

	acceptBackoff = 50 * time.Millisecond
)

// Config configures a Server.
type Config struct {
	ListenAddr string
	// Listener overrides ListenAddr when set. Intended for tests.
	Listener net.Listener

	Store       *storage.Store
	Cancel      *cancel.Flag
	Stats       *stats.Collector
	Clock       clock.Clock
	Events      chan<- event.Event
	AccessPoint AccessPoint
	Parser      RequestParser
	Transfer    transfer.Options

	SSID        string
	DefaultFile string
	AckTimeout  time.Duration
}

// Server accepts connections and serves them serially.
type Server struct {
	listener net.Listener
	engine   *transfer.Engine
	store    *storage.Store
	cancel   *cancel.Flag
	stats    *stats.Collector
	clock    clock.Clock
	events   chan<- event.Event
	ap       AccessPoint
	parser   RequestParser
	active   net.Conn
	cfg      Config
	mu       sync.Mutex
	serving  atomic.Bool
}

// New validates cfg, prepares the internal root and the default file, and
// starts listening. Call Serve to accept connections.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: storage is required")
	}
	if cfg.Cancel == nil {
		cfg.Cancel = cancel.New()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewOffset()
	}
	if cfg.Parser == nil {
		cfg.Parser = MinimalParser{}
	}
	if cfg.DefaultFile == "" {
		cfg.DefaultFile = DefaultFileName
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	if err := EnsureDefaultFile(cfg.Store, cfg.DefaultFile); err != nil {
		return nil, err
	}

	listener := cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
	}
	if cfg.AccessPoint == nil {
		cfg.AccessPoint = HostAccessPoint{}
	}

	return &Server{
		cfg:      cfg,
		listener: listener,
		store:    cfg.Store,
		cancel:   cfg.Cancel,
		stats:    cfg.Stats,
		clock:    cfg.Clock,
		events:   cfg.Events,
		ap:       cfg.AccessPoint,
		parser:   cfg.Parser,
		engine: transfer.New(transfer.Config{
			Store:   cfg.Store,
			Cancel:  cfg.Cancel,
			Stats:   cfg.Stats,
			Events:  cfg.Events,
			Options: cfg.Transfer,
		}),
	}, nil
}

// Addr returns the listener's address (useful when listening on :0).
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Port returns the TCP port the server listens on.
func (srv *Server) Port() int {
	if tcp, ok := srv.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Listening reports whether Serve is running.
func (srv *Server) Listening() bool {
	return srv.serving.Load()
}

// Stats returns the server's counters.
func (srv *Server) Stats() *stats.Collector {
	return srv.stats
}

// Serve accepts connections until ctx is cancelled. Each connection is served
// to completion before the next Accept. Blocks until shutdown completes.
func (srv *Server) Serve(ctx context.Context) error {
	slog.Info("relayfs listening",
		"addr", srv.listener.Addr(),
		"internal", srv.store.Root(storage.Internal),
		"removable", srv.store.Root(storage.Removable))

	srv.serving.Store(true)
	defer srv.serving.Store(false)

	stop := context.AfterFunc(ctx, func() {
		srv.listener.Close()

		srv.mu.Lock()
		defer srv.mu.Unlock()
		if srv.active != nil {
			srv.active.Close()
		}
	})
	defer stop()

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("accept error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptBackoff):
			}
			continue
		}

		srv.mu.Lock()
		srv.active = conn
		srv.mu.Unlock()

		srv.serveConn(ctx, conn)

		srv.mu.Lock()
		srv.active = nil
		srv.mu.Unlock()
	}
}

// Close stops the listener. Serve returns once the current session ends.
func (srv *Server) Close() error {
	return srv.listener.Close()
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	s := newSession(conn)
	defer s.close()

	srv.stats.AddSessions(1)
	slog.Info("client connected", "remote", s.Remote(), "session", s.ID)
	event.Emit(srv.events, event.Event{Type: event.SessionOpened, Session: s.ID, Path: s.Remote()})

	defer func() {
		if r := recover(); r != nil {
			slog.Error("session panic", "session", s.ID, "panic", r, "stack", string(debug.Stack()))
		}
		slog.Info("client disconnected", "remote", s.Remote(), "session", s.ID, "protocol", s.Protocol)
		event.Emit(srv.events, event.Event{Type: event.SessionClosed, Session: s.ID, Path: s.Remote()})
	}()

	proto, err := s.sniff()
	if err != nil {
		slog.Debug("connection closed before first request", "session", s.ID, "error", err)
		return
	}
	s.Protocol = proto

	switch proto {
	case ProtocolHTTP:
		err = srv.serveHTTP(ctx, s)
	default:
		err = srv.serveCommands(ctx, s)
	}
	if err != nil {
		slog.Warn("session ended with error", "session", s.ID, "error", err)
	}
}

// EnsureDefaultFile creates the internal root and the legacy default file
// when either is missing.
func EnsureDefaultFile(store *storage.Store, name string) error {
	root := store.Root(storage.Internal)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create internal root: %w", err)
	}
	path := filepath.Join(root, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("create default file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(defaultFileContent); err != nil {
		return fmt.Errorf("write default file: %w", err)
	}
	slog.Info("created default file", "path", path)
	return nil
}
