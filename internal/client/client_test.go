package client_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/relayfs/internal/client"
	"github.com/bamsammich/relayfs/internal/clock"
	"github.com/bamsammich/relayfs/internal/server"
	"github.com/bamsammich/relayfs/internal/storage"
	"github.com/bamsammich/relayfs/internal/transfer"
)

type env struct {
	addr     string
	internal string
	sd       string
	clock    *clock.Offset
}

func startServer(t *testing.T, free func(string) (uint64, error)) *env {
	t.Helper()
	base := t.TempDir()
	e := &env{
		internal: filepath.Join(base, "flash"),
		sd:       filepath.Join(base, "sd"),
		clock:    clock.NewOffset(),
	}
	require.NoError(t, os.MkdirAll(e.sd, 0o755))

	srv, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		Store: storage.New(storage.Config{
			InternalRoot:  e.internal,
			RemovableRoot: e.sd,
			FreeSpace:     free,
		}),
		Clock:      e.clock,
		AckTimeout: time.Second,
		Transfer:   transfer.Options{Pace: -1, PollInterval: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	e.addr = srv.Addr().String()

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
	return e
}

func dial(t *testing.T, e *env) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), e.addr, client.Options{
		ReplyTimeout: 5 * time.Second,
		Quiet:        150 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestUploadDownload(t *testing.T) {
	t.Parallel()
	e := startServer(t, nil)
	c := dial(t, e)
	ctx := context.Background()

	payload := randomBytes(t, 70_001)
	want := fmt.Sprintf("%08X", crc32.ChecksumIEEE(payload))

	var lastProgress uint64
	res, err := c.Upload(ctx, "sd:blob.bin", bytes.NewReader(payload), uint64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, &client.Result{Name: "sd:blob.bin", Bytes: 70_001, CRC32: want}, res)

	var out bytes.Buffer
	c2, err := client.Dial(ctx, e.addr, client.Options{
		ReplyTimeout: 5 * time.Second,
		Progress:     func(done, _ uint64) { lastProgress = done },
	})
	require.NoError(t, err)
	defer c2.Close()
	// Switch sessions: the first one is still open, so close it first.
	require.NoError(t, c.Close())

	res, err = c2.Download(ctx, "blob.bin", &out)
	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())
	assert.Equal(t, want, res.CRC32)
	assert.Equal(t, uint64(len(payload)), lastProgress)

	// The acknowledgement leaves the session usable.
	list, err := c2.List()
	require.NoError(t, err)
	assert.Contains(t, list, "sd:blob.bin (70001 bytes)")
}

func TestResume(t *testing.T) {
	t.Parallel()
	e := startServer(t, nil)
	c := dial(t, e)

	payload := randomBytes(t, 9_000)
	require.NoError(t, os.WriteFile(filepath.Join(e.internal, "part.bin"), payload[:4_000], 0o644))

	res, err := c.Resume(context.Background(), "part.bin", bytes.NewReader(payload), uint64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, uint64(9_000), res.Bytes)

	got, err := os.ReadFile(filepath.Join(e.internal, "part.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUploadRejected(t *testing.T) {
	t.Parallel()
	e := startServer(t, func(string) (uint64, error) { return 3, nil })
	c := dial(t, e)

	_, err := c.Upload(context.Background(), "x.bin", bytes.NewReader([]byte("abcdef")), 6)
	require.ErrorIs(t, err, client.ErrRejected)
	assert.Equal(t, "ERROR No space: need 6 bytes, free 3 bytes", err.Error())
}

func TestDownloadMissing(t *testing.T) {
	t.Parallel()
	e := startServer(t, nil)
	c := dial(t, e)

	_, err := c.Download(context.Background(), "ghost.txt", &bytes.Buffer{})
	require.ErrorIs(t, err, client.ErrRejected)
	assert.Equal(t, "File 'ghost.txt' not found in any storage location.", err.Error())
}

func TestSimpleCommands(t *testing.T) {
	t.Parallel()
	e := startServer(t, nil)
	c := dial(t, e)

	space, err := c.Space()
	require.NoError(t, err)
	assert.Contains(t, space, "Internal free:")
	assert.Contains(t, space, "SD free:")

	require.NoError(t, c.Cancel())

	when := time.Date(2029, 2, 3, 4, 5, 6, 0, time.Local)
	now, err := c.SetTime(when)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(now, "2029-02-03 04:05:"), now)
	assert.WithinDuration(t, when, e.clock.Now(), 5*time.Second)
}

func TestParseOK(t *testing.T) {
	t.Parallel()

	res, err := client.ParseOK("OK my file.txt 12 CRC 0000ABCD")
	require.NoError(t, err)
	assert.Equal(t, &client.Result{Name: "my file.txt", Bytes: 12, CRC32: "0000ABCD"}, res)

	for _, bad := range []string{"", "Upload canceled", "OK x 12 CRX 0", "OK x twelve CRC 0"} {
		_, err := client.ParseOK(bad)
		assert.ErrorIs(t, err, client.ErrRejected, bad)
	}
}
