//go:build !unix

package main

import (
	"context"
	"errors"

	"github.com/bamsammich/relayfs/internal/cancel"
)

func notifyCancel(context.Context, *cancel.Flag) func() { return func() {} }

func signalCancel(int) error {
	return errors.New("signal-based cancel is not supported on this platform; use --addr")
}
