// Package transfer implements the chunked file transfer engine: the 10-byte
// size-header framing, block-wise streaming with a running CRC32, resumable
// appends, free-space preflight, idle-timeout recovery, and cooperative
// cancellation.
//
// The engine serves exactly one transfer at a time. It never closes the
// connection it is given; callers decide what to do with the session after
// an error.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/bamsammich/relayfs/internal/cancel"
	"github.com/bamsammich/relayfs/internal/event"
	"github.com/bamsammich/relayfs/internal/stats"
	"github.com/bamsammich/relayfs/internal/storage"
)

const (
	// DefaultBlockSize is the unit of every read/write and of cancellation
	// polling.
	DefaultBlockSize = 2048

	// DefaultFlushInterval is how many received bytes pass between fsyncs,
	// progress events, and capacity re-checks.
	DefaultFlushInterval = 100 * 1024

	// DefaultMinIdle is the floor of the idle timeout.
	DefaultMinIdle = 15 * time.Second

	// DefaultIdleRate scales the idle timeout for large uploads: one second
	// per this many declared bytes.
	DefaultIdleRate = 50000

	// DefaultPollInterval bounds each blocking read so that cancellation and
	// idle checks run even while the peer is silent.
	DefaultPollInterval = time.Second

	// DefaultPace is the cooperative yield between download blocks.
	DefaultPace = 2 * time.Millisecond

	// DefaultHeaderTimeout bounds the wait for a size header.
	DefaultHeaderTimeout = 10 * time.Second

	largeSendThreshold = 100000
	largeSendRate      = 25000
	smallSendTimeout   = 10 * time.Second
	minLargeSend       = 30 * time.Second
)

// Direction of a transfer relative to the server.
type Direction int

const (
	Upload Direction = iota
	Download
	Resume
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	case Resume:
		return "resume"
	default:
		return "unknown"
	}
}

// Descriptor tracks one in-flight transfer. BytesMoved never exceeds
// DeclaredSize; the transfer succeeded iff they are equal on return.
type Descriptor struct {
	Path         storage.Path
	Direction    Direction
	DeclaredSize uint64
	BytesMoved   uint64
	CRC32        uint32
}

// CRCHex renders the running checksum as eight uppercase hex digits.
func (d *Descriptor) CRCHex() string {
	return fmt.Sprintf("%08X", d.CRC32)
}

// Complete reports whether every declared byte was moved.
func (d *Descriptor) Complete() bool {
	return d.BytesMoved == d.DeclaredSize
}

// Source is the receiving side of a connection. Read deadlines are used to
// wake the loop for cancellation and idle checks.
type Source interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Sink is the sending side of a connection.
type Sink interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// Options tunes the engine. Zero values select the defaults above.
type Options struct {
	Limiter       *rate.Limiter
	BlockSize     int
	FlushInterval int64
	MinIdle       time.Duration
	IdleRate      int64
	PollInterval  time.Duration
	HeaderTimeout time.Duration
	// Pace is the yield between download blocks. Negative disables it.
	Pace time.Duration
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MinIdle <= 0 {
		o.MinIdle = DefaultMinIdle
	}
	if o.IdleRate <= 0 {
		o.IdleRate = DefaultIdleRate
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = DefaultHeaderTimeout
	}
	if o.Pace == 0 {
		o.Pace = DefaultPace
	}
	return o
}

// Config wires an Engine to its collaborators.
type Config struct {
	Store   *storage.Store
	Cancel  *cancel.Flag
	Stats   *stats.Collector
	Events  chan<- event.Event
	Options Options
}

// Engine moves file payloads between a connection and the storage roots.
type Engine struct {
	store  *storage.Store
	cancel *cancel.Flag
	stats  *stats.Collector
	events chan<- event.Event
	opts   Options
}

// New creates an Engine. Cancel and Stats are created when nil.
func New(cfg Config) *Engine {
	if cfg.Cancel == nil {
		cfg.Cancel = cancel.New()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	return &Engine{
		store:  cfg.Store,
		cancel: cfg.Cancel,
		stats:  cfg.Stats,
		events: cfg.Events,
		opts:   cfg.Options.withDefaults(),
	}
}

// IdleTimeout returns how long an upload of size bytes may go without
// receiving data: max(MinIdle, size/IdleRate seconds).
func (e *Engine) IdleTimeout(size uint64) time.Duration {
	//nolint:gosec // G115: IdleRate is a small positive value
	scaled := time.Duration(size/uint64(e.opts.IdleRate)) * time.Second
	return max(e.opts.MinIdle, scaled)
}

// SendTimeout returns the per-block write deadline for a download of size
// bytes. Files over 100 KB get max(30s, size/25000 seconds).
func SendTimeout(size uint64) time.Duration {
	if size <= largeSendThreshold {
		return smallSendTimeout
	}
	return max(minLargeSend, time.Duration(size/largeSendRate)*time.Second)
}

// ReadHeader reads a size header from src under the header timeout.
func (e *Engine) ReadHeader(src Source) (uint64, error) {
	if err := src.SetReadDeadline(time.Now().Add(e.opts.HeaderTimeout)); err != nil {
		return 0, err
	}
	defer src.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort reset
	return ReadHeader(src)
}

// Preflight fails with a *CapacityError when need exceeds the free bytes of
// p's root. When free space cannot be determined the transfer proceeds.
func (e *Engine) Preflight(p storage.Path, need uint64) error {
	free, err := e.store.FreeBytes(p.Location)
	if err != nil {
		if errors.Is(err, storage.ErrNotMounted) {
			return err
		}
		slog.Debug("free space unavailable, skipping preflight", "root", p.Location, "error", err)
		return nil
	}
	if free < need {
		return &CapacityError{Need: need, Free: free}
	}
	return nil
}

// ReceiveSpec describes an incoming payload.
type ReceiveSpec struct {
	Path      storage.Path
	Session   string
	Direction Direction
	// Declared is the final size of the payload stream including Offset.
	Declared uint64
	// Offset is the number of bytes already present in the file (resume).
	Offset uint64
	// Append opens the file for append instead of truncating it.
	Append bool
	// SeedCRC recomputes the checksum over the first Offset bytes so the
	// reported CRC covers the whole file.
	SeedCRC bool
}

// Receive reads Declared-Offset bytes from src into spec.Path.
//
// On a timeout or capacity failure the bytes written by this call are
// discarded: a fresh file is removed, and an appended or resumed file is
// truncated back to the size it had before. On cancellation or a peer
// disconnect the partial file is kept so it can be resumed. The returned
// Descriptor is non-nil whenever the file was opened.
func (e *Engine) Receive(ctx context.Context, src Source, spec ReceiveSpec) (*Descriptor, error) {
	d := &Descriptor{
		Path:         spec.Path,
		Direction:    spec.Direction,
		DeclaredSize: spec.Declared,
		BytesMoved:   spec.Offset,
	}
	if spec.Offset > spec.Declared {
		return d, fmt.Errorf("%w: existing %d bytes exceed declared size %d",
			ErrProtocol, spec.Offset, spec.Declared)
	}

	if spec.SeedCRC && spec.Offset > 0 {
		crc, err := crcPrefix(spec.Path.Abs, spec.Offset)
		if err != nil {
			return d, err
		}
		d.CRC32 = crc
	}

	// prior is the size to roll back to; -1 means the file is new.
	prior := int64(-1)
	flags := os.O_WRONLY | os.O_CREATE
	if spec.Append {
		flags |= os.O_APPEND
		if info, err := os.Stat(spec.Path.Abs); err == nil {
			prior = info.Size()
		}
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(spec.Path.Abs, flags, 0o644)
	if err != nil {
		return d, fmt.Errorf("open %s: %w", spec.Path.Display(), err)
	}

	e.cancel.Reset()
	e.stats.AddTransfersStarted(1)
	e.emit(event.TransferStarted, spec.Session, d, nil)
	slog.Info("receiving file",
		"session", spec.Session, "name", spec.Path.Display(), "direction", d.Direction,
		"offset", spec.Offset, "declared", spec.Declared)

	err = e.receiveLoop(ctx, src, f, d, spec.Session)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = classifyWriteErr(closeErr, d)
	}

	e.finish(spec.Session, d, err)
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCapacity) {
		discardPartial(spec.Path, prior)
	}
	return d, err
}

// discardPartial drops what a failed transfer wrote. A file that existed
// before is cut back to its prior size; a new file is removed.
func discardPartial(p storage.Path, prior int64) {
	if prior < 0 {
		if err := os.Remove(p.Abs); err != nil {
			slog.Warn("remove partial file", "name", p.Display(), "error", err)
		}
		return
	}
	if err := os.Truncate(p.Abs, prior); err != nil {
		slog.Warn("truncate partial file", "name", p.Display(), "size", prior, "error", err)
		return
	}
	slog.Info("kept existing data after failed transfer", "name", p.Display(), "size", prior)
}

//nolint:revive // cognitive-complexity: read loop with cancel, idle and capacity guards
func (e *Engine) receiveLoop(
	ctx context.Context, src Source, f *os.File, d *Descriptor, session string,
) error {
	defer src.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	buf := make([]byte, e.opts.BlockSize)
	idle := e.IdleTimeout(d.DeclaredSize)
	lastActivity := time.Now()
	var sinceFlush int64

	for d.BytesMoved < d.DeclaredSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		if e.cancel.Tripped() {
			return ErrCanceled
		}

		want := min(uint64(len(buf)), d.DeclaredSize-d.BytesMoved)
		if err := src.SetReadDeadline(time.Now().Add(e.opts.PollInterval)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, readErr := src.Read(buf[:want])

		if n > 0 {
			lastActivity = time.Now()
			if _, err := f.Write(buf[:n]); err != nil {
				return classifyWriteErr(err, d)
			}
			d.CRC32 = crc32.Update(d.CRC32, crc32.IEEETable, buf[:n])
			d.BytesMoved += uint64(n)
			e.stats.AddBytesReceived(int64(n))

			sinceFlush += int64(n)
			if sinceFlush >= e.opts.FlushInterval {
				sinceFlush = 0
				if err := f.Sync(); err != nil {
					return classifyWriteErr(err, d)
				}
				e.emit(event.TransferProgress, session, d, nil)
				slog.Debug("received", "name", d.Path.Display(),
					"bytes", d.BytesMoved, "declared", d.DeclaredSize)
				if err := e.recheckCapacity(d); err != nil {
					return err
				}
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, os.ErrDeadlineExceeded) {
			if time.Since(lastActivity) > idle {
				return &TimeoutError{After: idle, Received: d.BytesMoved, Total: d.DeclaredSize}
			}
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return fmt.Errorf("%w: received %d/%d bytes", ErrIncomplete, d.BytesMoved, d.DeclaredSize)
		}
		return fmt.Errorf("read payload: %w", readErr)
	}
	return nil
}

func (e *Engine) recheckCapacity(d *Descriptor) error {
	free, err := e.store.FreeBytes(d.Path.Location)
	if err != nil {
		return nil //nolint:nilerr // unknown free space never aborts a transfer
	}
	remaining := d.DeclaredSize - d.BytesMoved
	if remaining > free {
		return &CapacityError{Need: remaining, Free: free, During: true}
	}
	return nil
}

// Send streams p to dst in blocks. When framed is set the payload is
// preceded by the size header and a zero-length file is refused with
// ErrEmptyFile.
//
//nolint:revive // cognitive-complexity: block loop with pacing, limiter and cancel checks
func (e *Engine) Send(
	ctx context.Context, dst Sink, p storage.Path, framed bool, session string,
) (*Descriptor, error) {
	f, err := os.Open(p.Abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.Display(), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p.Display(), err)
	}
	//nolint:gosec // G115: regular file sizes are non-negative
	d := &Descriptor{Path: p, Direction: Download, DeclaredSize: uint64(info.Size())}

	timeout := SendTimeout(d.DeclaredSize)
	defer dst.SetWriteDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	if framed {
		if d.DeclaredSize == 0 {
			return d, ErrEmptyFile
		}
		hdr, err := EncodeHeader(d.DeclaredSize)
		if err != nil {
			return d, err
		}
		if err := writeBlock(dst, hdr, timeout); err != nil {
			return d, err
		}
	}

	e.cancel.Reset()
	e.stats.AddTransfersStarted(1)
	e.emit(event.TransferStarted, session, d, nil)
	slog.Info("sending file", "session", session, "name", p.Display(), "size", d.DeclaredSize)

	err = e.sendLoop(ctx, dst, f, d, timeout)
	if err == nil && !d.Complete() {
		err = fmt.Errorf("%w: file changed during send (%d/%d bytes)",
			ErrIncomplete, d.BytesMoved, d.DeclaredSize)
	}
	e.finish(session, d, err)
	return d, err
}

func (e *Engine) sendLoop(
	ctx context.Context, dst Sink, f io.Reader, d *Descriptor, timeout time.Duration,
) error {
	buf := make([]byte, e.opts.BlockSize)
	for d.BytesMoved < d.DeclaredSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, err)
		}

		want := min(uint64(len(buf)), d.DeclaredSize-d.BytesMoved)
		n, readErr := f.Read(buf[:want])
		if n > 0 {
			if err := waitN(ctx, e.opts.Limiter, n); err != nil {
				return fmt.Errorf("%w: %w", ErrCanceled, err)
			}
			if err := writeBlock(dst, buf[:n], timeout); err != nil {
				return err
			}
			d.CRC32 = crc32.Update(d.CRC32, crc32.IEEETable, buf[:n])
			d.BytesMoved += uint64(n)
			e.stats.AddBytesSent(int64(n))
			if e.opts.Pace > 0 {
				time.Sleep(e.opts.Pace)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read %s: %w", d.Path.Display(), readErr)
		}
		if e.cancel.Tripped() {
			return ErrCanceled
		}
	}
	return nil
}

func writeBlock(dst Sink, p []byte, timeout time.Duration) error {
	if err := dst.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := dst.Write(p); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (e *Engine) finish(session string, d *Descriptor, err error) {
	switch {
	case err == nil:
		e.stats.AddTransfersOK(1)
		e.emit(event.TransferCompleted, session, d, nil)
		slog.Info("transfer complete", "session", session, "name", d.Path.Display(),
			"direction", d.Direction, "bytes", d.BytesMoved, "crc32", d.CRCHex())
	case errors.Is(err, ErrCanceled):
		e.stats.AddTransfersCanceled(1)
		e.emit(event.TransferCanceled, session, d, err)
		slog.Info("transfer canceled", "session", session, "name", d.Path.Display(),
			"bytes", d.BytesMoved, "declared", d.DeclaredSize)
	default:
		e.stats.AddTransfersFailed(1)
		e.emit(event.TransferFailed, session, d, err)
		slog.Warn("transfer failed", "session", session, "name", d.Path.Display(),
			"bytes", d.BytesMoved, "declared", d.DeclaredSize, "error", err)
	}
}

func (e *Engine) emit(t event.Type, session string, d *Descriptor, err error) {
	event.Emit(e.events, event.Event{
		Type:      t,
		Session:   session,
		Path:      d.Path.Display(),
		Direction: d.Direction.String(),
		Size:      int64(d.BytesMoved),   //nolint:gosec // G115: bounded by MaxDeclaredSize
		Total:     int64(d.DeclaredSize), //nolint:gosec // G115: bounded by MaxDeclaredSize
		Error:     err,
	})
}

func classifyWriteErr(err error, d *Descriptor) error {
	if errors.Is(err, unix.ENOSPC) {
		return &CapacityError{Need: d.DeclaredSize - d.BytesMoved, During: true}
	}
	return fmt.Errorf("write %s: %w", d.Path.Display(), err)
}

func crcPrefix(path string, n uint64) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := crc32.NewIEEE()
	//nolint:gosec // G115: n comes from a file size
	if _, err := io.CopyN(h, f, int64(n)); err != nil {
		return 0, fmt.Errorf("checksum existing bytes: %w", err)
	}
	return h.Sum32(), nil
}
