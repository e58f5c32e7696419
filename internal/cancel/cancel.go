// Package cancel provides the cooperative cancellation flag shared between
// the transfer loops and whatever can request a stop: the `cancel` command,
// a hardware button, or a signal handler.
//
// Cancellation is advisory. Transfer loops poll Tripped once per block, so
// the latency of a stop request is bounded by the block size.
package cancel

import (
	"bytes"
	"log/slog"
	"os"
	"sync/atomic"
)

// Probe reports whether an external source currently requests cancellation.
// Probes are polled from the transfer goroutine and must not block.
type Probe func() bool

// Flag is a cancellation flag safe for use from multiple goroutines.
type Flag struct {
	probes  []Probe
	tripped atomic.Bool
}

// New returns a cleared flag that also consults the given probes.
func New(probes ...Probe) *Flag {
	return &Flag{probes: probes}
}

// Trip requests cancellation of the current transfer.
func (f *Flag) Trip() {
	if !f.tripped.Swap(true) {
		slog.Info("cancel requested")
	}
}

// Reset clears a pending request. Called at the start of every transfer so
// that a stale request does not abort the next one.
func (f *Flag) Reset() {
	f.tripped.Store(false)
}

// Tripped reports whether cancellation has been requested. A probe that
// fires latches the flag until the next Reset.
func (f *Flag) Tripped() bool {
	if f.tripped.Load() {
		return true
	}
	for _, p := range f.probes {
		if p() {
			slog.Info("cancel button pressed")
			f.tripped.Store(true)
			return true
		}
	}
	return false
}

// ButtonProbe reads an active-low GPIO value file (for example
// /sys/class/gpio/gpio0/value). A leading '0' means the button is held.
// Read errors count as "not pressed" since the button is optional.
func ButtonProbe(path string) Probe {
	return func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		data = bytes.TrimSpace(data)
		return len(data) > 0 && data[0] == '0'
	}
}
