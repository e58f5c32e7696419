// Package client speaks the relayfs line protocol. Replies on that protocol
// carry no terminator, so a reply is whatever arrives before the server goes
// quiet.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/relayfs/internal/transfer"
)

const (
	DefaultReplyTimeout = 15 * time.Second
	DefaultQuiet        = 250 * time.Millisecond
	blockSize           = 2048
	ackToken            = "RECV_OK"
	readyToken          = "READY"
	timeSetReply        = "Time set successfully: "
)

var (
	// ErrRejected is returned when the server answers a command with an
	// error reply.
	ErrRejected = errors.New("rejected by server")

	// ErrChecksum is returned when the server's CRC32 differs from the
	// locally computed one.
	ErrChecksum = errors.New("crc32 mismatch")
)

// ReplyError carries the server's reply text.
type ReplyError struct {
	Reply string
}

func (e *ReplyError) Error() string { return e.Reply }

func (*ReplyError) Is(target error) bool { return target == ErrRejected }

// Result describes a finished upload or download.
type Result struct {
	Name  string
	Bytes uint64
	CRC32 string
}

// Options tunes reply timing.
type Options struct {
	// ReplyTimeout bounds the wait for the first byte of a reply.
	ReplyTimeout time.Duration
	// Quiet is how long the server must be silent to end a reply.
	Quiet time.Duration
	// Progress, if set, is called after each block with the bytes moved so far.
	Progress func(done, total uint64)
}

// Client is one line-protocol session.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	opts Options
}

// Dial connects to a relayfs server.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), opts: opts}, nil
}

// Close sends `exit` (best-effort) and closes the connection.
func (c *Client) Close() error {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck // best-effort
	io.WriteString(c.conn, "exit\n")                      //nolint:errcheck // best-effort
	return c.conn.Close()
}

// List returns the server's sectioned file listing.
func (c *Client) List() (string, error) {
	return c.command("list")
}

// Space returns the server's free-space report.
func (c *Client) Space() (string, error) {
	return c.command("space")
}

// Cancel trips the server's cancel flag.
func (c *Client) Cancel() error {
	reply, err := c.command("cancel")
	if err != nil {
		return err
	}
	if reply != "Cancel acknowledged" {
		return &ReplyError{Reply: reply}
	}
	return nil
}

// SetTime sets the server clock and returns the server's new reading, in
// time.DateTime layout.
func (c *Client) SetTime(t time.Time) (string, error) {
	reply, err := c.command("time " + t.Format(time.DateTime))
	if err != nil {
		return "", err
	}
	now, ok := strings.CutPrefix(reply, timeSetReply)
	if !ok {
		return "", &ReplyError{Reply: reply}
	}
	return now, nil
}

// Upload sends size bytes from r as name. The server's CRC32 is checked
// against the one computed while sending. The size header is sent together
// with the command, so after a rejected upload the session is out of step
// and should be closed.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size uint64) (*Result, error) {
	hdr, err := transfer.EncodeHeader(size)
	if err != nil {
		return nil, err
	}
	if err := c.send("upload " + name + "\n" + string(hdr)); err != nil {
		return nil, err
	}
	if err := c.expectReady(); err != nil {
		return nil, err
	}

	crc, err := c.stream(ctx, r, 0, size, 0)
	if err != nil {
		return nil, err
	}
	return c.finishUpload(crc, size)
}

// Resume continues an interrupted upload of name. rs must hold the whole
// file; only the bytes past the server's current size are sent.
func (c *Client) Resume(ctx context.Context, name string, rs io.ReadSeeker, size uint64) (*Result, error) {
	if err := c.send("resume " + name + "\n"); err != nil {
		return nil, err
	}
	reply, err := c.readReply()
	if err != nil {
		return nil, err
	}
	offset, err := strconv.ParseUint(reply, 10, 64)
	if err != nil {
		return nil, &ReplyError{Reply: reply}
	}
	if offset > size {
		return nil, fmt.Errorf("server already holds %d bytes, local file has %d", offset, size)
	}
	slog.Debug("resuming upload", "name", name, "offset", offset, "size", size)

	// The server checksums the whole file, so hash the prefix locally too.
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	h := crc32.NewIEEE()
	if _, err := io.CopyN(h, rs, int64(offset)); err != nil { //nolint:gosec // G115: bounded by size
		return nil, fmt.Errorf("checksum local prefix: %w", err)
	}

	hdr, err := transfer.EncodeHeader(size)
	if err != nil {
		return nil, err
	}
	if err := c.send(string(hdr)); err != nil {
		return nil, err
	}
	crc, err := c.stream(ctx, rs, offset, size, h.Sum32())
	if err != nil {
		return nil, err
	}
	return c.finishUpload(crc, size)
}

// Download fetches name into w and acknowledges it.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (*Result, error) {
	if err := c.send("get " + name + "\n"); err != nil {
		return nil, err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReplyTimeout)); err != nil {
		return nil, err
	}
	hdr := make([]byte, transfer.HeaderSize)
	n, err := io.ReadFull(c.r, hdr)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("read header: %w", err)
	}
	size, perr := transfer.ParseHeader(hdr[:n])
	if err != nil || perr != nil {
		rest, _ := c.readReply() //nolint:errcheck // whatever arrived is the error text
		return nil, &ReplyError{Reply: string(hdr[:n]) + rest}
	}

	h := crc32.NewIEEE()
	dst := io.MultiWriter(w, h)
	var got uint64
	buf := make([]byte, blockSize)
	for got < size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReplyTimeout)); err != nil {
			return nil, err
		}
		want := min(uint64(len(buf)), size-got)
		n, err := io.ReadFull(c.r, buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			got += uint64(n) //nolint:gosec // G115: n is non-negative
			c.progress(got, size)
		}
		if err != nil {
			return nil, fmt.Errorf("download %s: received %d/%d bytes: %w", name, got, size, err)
		}
	}
	c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	if err := c.send(ackToken); err != nil {
		return nil, err
	}
	return &Result{Name: name, Bytes: got, CRC32: fmt.Sprintf("%08X", h.Sum32())}, nil
}

func (c *Client) expectReady() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReplyTimeout)); err != nil {
		return err
	}
	buf := make([]byte, len(readyToken))
	n, err := io.ReadFull(c.r, buf)
	if n == len(buf) && string(buf) == readyToken {
		return nil
	}
	if n == 0 && err != nil {
		return fmt.Errorf("waiting for READY: %w", err)
	}
	rest, _ := c.readReply() //nolint:errcheck // whatever arrived is the error text
	return &ReplyError{Reply: strings.TrimSpace(string(buf[:n]) + rest)}
}

// stream writes bytes [from, size) of r, returning the CRC32 of the whole
// payload seeded with crc.
func (c *Client) stream(ctx context.Context, r io.Reader, from, size uint64, crc uint32) (uint32, error) {
	buf := make([]byte, blockSize)
	sent := from
	for sent < size {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		want := min(uint64(len(buf)), size-sent)
		n, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return 0, fmt.Errorf("read local data at %d: %w", sent, err)
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.ReplyTimeout)); err != nil {
			return 0, err
		}
		if _, err := c.conn.Write(buf[:n]); err != nil {
			return 0, fmt.Errorf("send at %d/%d bytes: %w", sent, size, err)
		}
		crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
		sent += uint64(n) //nolint:gosec // G115: n is non-negative
		c.progress(sent, size)
	}
	c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // best-effort reset
	return crc, nil
}

func (c *Client) finishUpload(crc uint32, size uint64) (*Result, error) {
	reply, err := c.readReply()
	if err != nil {
		return nil, err
	}
	res, err := ParseOK(reply)
	if err != nil {
		return nil, err
	}
	if res.Bytes != size {
		return res, fmt.Errorf("server stored %d bytes, sent %d", res.Bytes, size)
	}
	if want := fmt.Sprintf("%08X", crc); res.CRC32 != want {
		return res, fmt.Errorf("%w: server %s, local %s", ErrChecksum, res.CRC32, want)
	}
	return res, nil
}

// ParseOK parses "OK <name> <bytes> CRC <hex>". Names may contain spaces.
func ParseOK(reply string) (*Result, error) {
	fields := strings.Fields(reply)
	n := len(fields)
	if n < 5 || fields[0] != "OK" || fields[n-2] != "CRC" {
		return nil, &ReplyError{Reply: reply}
	}
	bytes, err := strconv.ParseUint(fields[n-3], 10, 64)
	if err != nil {
		return nil, &ReplyError{Reply: reply}
	}
	return &Result{
		Name:  strings.Join(fields[1:n-3], " "),
		Bytes: bytes,
		CRC32: fields[n-1],
	}, nil
}

func (c *Client) command(line string) (string, error) {
	if err := c.send(line + "\n"); err != nil {
		return "", err
	}
	return c.readReply()
}

func (c *Client) send(s string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.ReplyTimeout)); err != nil {
		return err
	}
	if _, err := io.WriteString(c.conn, s); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// readReply waits for the first byte, then collects bytes until the server
// has been quiet for opts.Quiet or closes the connection.
func (c *Client) readReply() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 4096)
	deadline := time.Now().Add(c.opts.ReplyTimeout)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return "", err
		}
		n, err := c.r.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			var ne net.Error
			timedOut := errors.As(err, &ne) && ne.Timeout()
			if sb.Len() > 0 && (timedOut || errors.Is(err, io.EOF)) {
				break
			}
			return "", fmt.Errorf("read reply: %w", err)
		}
		deadline = time.Now().Add(c.opts.Quiet)
	}
	c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort reset
	return sb.String(), nil
}

func (c *Client) progress(done, total uint64) {
	if c.opts.Progress != nil {
		c.opts.Progress(done, total)
	}
}
