package cancel_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/relayfs/internal/cancel"
)

func TestFlagTripReset(t *testing.T) {
	t.Parallel()

	f := cancel.New()
	assert.False(t, f.Tripped())

	f.Trip()
	assert.True(t, f.Tripped())
	f.Trip() // idempotent
	assert.True(t, f.Tripped())

	f.Reset()
	assert.False(t, f.Tripped())
}

func TestFlagConcurrentTrip(t *testing.T) {
	t.Parallel()

	f := cancel.New()
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			f.Trip()
			_ = f.Tripped()
		})
	}
	wg.Wait()
	assert.True(t, f.Tripped())
}

func TestProbeLatches(t *testing.T) {
	t.Parallel()

	pressed := false
	f := cancel.New(func() bool { return pressed })
	assert.False(t, f.Tripped())

	pressed = true
	assert.True(t, f.Tripped())

	// Releasing the button does not clear the request.
	pressed = false
	assert.True(t, f.Tripped())

	f.Reset()
	assert.False(t, f.Tripped())
}

func TestButtonProbe(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "value")
	probe := cancel.ButtonProbe(path)

	// Missing file: button absent.
	assert.False(t, probe())

	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))
	assert.False(t, probe())

	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0o644))
	assert.True(t, probe())
}
