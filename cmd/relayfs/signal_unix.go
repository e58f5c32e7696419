//go:build unix

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bamsammich/relayfs/internal/cancel"
)

// notifyCancel trips flag on every SIGUSR1 until ctx ends. The returned
// function stops delivery.
func notifyCancel(ctx context.Context, flag *cancel.Flag) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				slog.Info("cancel requested", "source", "SIGUSR1")
				flag.Trip()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// signalCancel asks the server process pid to cancel its active transfer.
func signalCancel(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGUSR1)
}
