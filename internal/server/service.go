package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/bamsammich/relayfs/internal/stats"
)

// AccessPoint reports the state of the radio link the service is reached
// through. It is owned by the host system, not by the server.
type AccessPoint interface {
	Active() bool
	IP() string
}

// HostAccessPoint derives access point state from the host's network
// interfaces: active when any non-loopback interface is up, IP is the first
// non-loopback IPv4 address.
type HostAccessPoint struct{}

func (HostAccessPoint) Active() bool { return HostAccessPoint{}.IP() != "" }

func (HostAccessPoint) IP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return ""
}

// ServiceStatus is a point-in-time view of the service.
type ServiceStatus struct {
	Running bool
	Addr    string
	Stats   stats.Snapshot
}

// Service lets the host's control loop start and stop the transfer server
// without sharing its goroutine. Start and Stop may be called repeatedly.
type Service struct {
	srv  *Server
	stop context.CancelFunc
	done chan struct{}
	cfg  Config
	mu   sync.Mutex
}

// NewService wraps cfg. Nothing listens until Start.
func NewService(cfg Config) *Service {
	return &Service{cfg: cfg}
}

// Start begins listening and serving in the background. Starting a running
// service is a no-op.
func (svc *Service) Start(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.srv != nil {
		return nil
	}

	srv, err := New(svc.cfg)
	if err != nil {
		return err
	}
	// Counters and the cancel flag survive restarts.
	svc.cfg.Stats = srv.stats
	svc.cfg.Cancel = srv.cancel

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			slog.Error("transfer service stopped", "error", err)
		}
	}()

	svc.srv, svc.stop, svc.done = srv, cancel, done
	return nil
}

// Stop closes the listener, ends the active session, and waits for the
// accept loop to exit. Stopping a stopped service is a no-op.
func (svc *Service) Stop() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.srv == nil {
		return nil
	}
	svc.stop()
	<-svc.done
	svc.srv, svc.stop, svc.done = nil, nil, nil
	return nil
}

// Status reports whether the service is running and where.
func (svc *Service) Status() ServiceStatus {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	st := ServiceStatus{}
	if svc.cfg.Stats != nil {
		st.Stats = svc.cfg.Stats.Snapshot()
	}
	if svc.srv != nil {
		st.Running = true
		st.Addr = svc.srv.Addr().String()
	}
	return st
}

// Cancel trips the shared cancellation flag, aborting the active transfer at
// its next block boundary.
func (svc *Service) Cancel() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.cfg.Cancel == nil {
		return errors.New("service has no cancel flag")
	}
	svc.cfg.Cancel.Trip()
	return nil
}
