package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/relayfs/internal/clock"
	"github.com/bamsammich/relayfs/internal/storage"
	"github.com/bamsammich/relayfs/internal/transfer"
)

// AckToken is what a client sends after receiving a download.
const AckToken = "RECV_OK"

// TimeSetReply prefixes the reply to a successful `time` command. The
// clock's new reading follows it.
const TimeSetReply = "Time set successfully"

// errCloseSession ends a command session after its reply was written.
var errCloseSession = errors.New("close session")

// serveCommands runs the line protocol until the peer exits or disconnects.
// Replies carry no terminator; the peer reads whatever arrives.
//
//nolint:revive // cyclomatic: one case per command
func (srv *Server) serveCommands(ctx context.Context, s *Session) error {
	for {
		raw, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errLineTooLong) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if isHTTPRequestLine(raw) {
			slog.Debug("http request on command session", "session", s.ID)
			s.unread([]byte(raw))
			s.Protocol = ProtocolHTTP
			return srv.serveHTTP(ctx, s)
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		keyword, arg, _ := strings.Cut(line, " ")
		keyword = strings.ToLower(keyword)
		arg = strings.TrimSpace(arg)
		slog.Debug("command", "session", s.ID, "keyword", keyword, "arg", arg)

		switch {
		case keyword == "send" && arg == "":
			err = srv.cmdSend(ctx, s)
		case keyword == "exit" && arg == "":
			slog.Info("exit command received", "session", s.ID)
			return nil
		case keyword == "cancel" && arg == "":
			srv.cancel.Trip()
			err = s.reply("Cancel acknowledged")
		case keyword == "list" && arg == "":
			err = s.reply(srv.listText())
		case (keyword == "space" || keyword == "df") && arg == "":
			err = s.reply(srv.spaceText())
		case (keyword == "get" || keyword == "download") && arg != "":
			err = srv.cmdGet(ctx, s, arg)
		case keyword == "upload" && arg != "":
			err = srv.cmdUpload(ctx, s, arg)
		case keyword == "resume" && arg != "":
			err = srv.cmdResume(ctx, s, arg)
		case keyword == "time" && arg != "":
			err = s.reply(srv.setTime(arg))
		default:
			err = s.reply("Unknown command.")
		}

		if errors.Is(err, errCloseSession) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// cmdSend streams the legacy default file. A missing or empty file is a
// logged no-op.
func (srv *Server) cmdSend(ctx context.Context, s *Session) error {
	p, err := srv.store.ResolveRead("internal:" + srv.cfg.DefaultFile)
	if err != nil {
		slog.Warn("default file unavailable", "name", srv.cfg.DefaultFile, "error", err)
		return nil
	}
	_, err = srv.engine.Send(ctx, s, p, true, s.ID)
	switch {
	case err == nil, errors.Is(err, transfer.ErrCanceled):
		return nil
	case errors.Is(err, transfer.ErrEmptyFile):
		slog.Warn("default file is empty, nothing sent", "name", p.Display())
		return nil
	default:
		return err
	}
}

func (srv *Server) cmdGet(ctx context.Context, s *Session, name string) error {
	p, err := srv.store.ResolveRead(name)
	if err != nil {
		return s.reply(err.Error() + ".")
	}

	_, err = srv.engine.Send(ctx, s, p, true, s.ID)
	switch {
	case errors.Is(err, transfer.ErrEmptyFile):
		return s.reply(fmt.Sprintf("Error: file '%s' is empty", p.Display()))
	case errors.Is(err, transfer.ErrCanceled):
		// The peer is mid-payload; the stream cannot be resynchronized.
		return errCloseSession
	case err != nil:
		return err
	}

	srv.awaitAck(s)
	return nil
}

// awaitAck waits for the client's RECV_OK. Anything else the client sends is
// left buffered for the command loop.
func (srv *Server) awaitAck(s *Session) {
	if srv.cfg.AckTimeout <= 0 {
		return
	}
	if err := s.SetReadDeadline(time.Now().Add(srv.cfg.AckTimeout)); err != nil {
		return
	}
	defer s.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	// Wait for more only while the buffered bytes could still become the
	// token, so a short command sent instead of RECV_OK is served at once.
	want := 1
	for {
		b, err := s.r.Peek(want)
		if len(b) == 0 {
			slog.Debug("no download acknowledgement", "session", s.ID, "error", err)
			return
		}
		b, _ = s.r.Peek(min(s.r.Buffered(), len(AckToken))) //nolint:errcheck // bytes are buffered
		switch {
		case !bytes.HasPrefix([]byte(AckToken), b):
			slog.Debug("data after download is not an acknowledgement", "session", s.ID)
			return
		case len(b) == len(AckToken):
			s.r.Discard(len(AckToken)) //nolint:errcheck // bytes are buffered
			slog.Debug("client acknowledged download", "session", s.ID)
			return
		case err != nil:
			slog.Debug("partial download acknowledgement", "session", s.ID, "error", err)
			return
		}
		want = len(b) + 1
	}
}

func (srv *Server) cmdUpload(ctx context.Context, s *Session, name string) error {
	p, err := srv.store.ResolveWrite(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotMounted) {
			return s.reply("Error: SD card not mounted")
		}
		return s.reply(fmt.Sprintf("Error uploading file: %v", err))
	}

	size, err := srv.engine.ReadHeader(s)
	if err != nil {
		return s.reply(fmt.Sprintf("Error uploading file: %v", err))
	}

	if err := srv.engine.Preflight(p, size); err != nil {
		return srv.abort(s, err)
	}
	if err := s.reply("READY"); err != nil {
		return err
	}

	d, err := srv.engine.Receive(ctx, s, transfer.ReceiveSpec{
		Path:      p,
		Session:   s.ID,
		Direction: transfer.Upload,
		Declared:  size,
	})
	return srv.replyReceive(s, d, err, "Upload", "uploading")
}

func (srv *Server) cmdResume(ctx context.Context, s *Session, name string) error {
	p, err := srv.store.ResolveWrite(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotMounted) {
			return s.reply("Error: SD card not mounted")
		}
		return s.reply(fmt.Sprintf("Error resuming file: %v", err))
	}

	current, err := srv.store.Size(p)
	if err != nil {
		return s.reply(fmt.Sprintf("Error resuming file: %v", err))
	}
	if err := s.reply(strconv.FormatInt(current, 10)); err != nil {
		return err
	}
	slog.Info("resuming upload", "session", s.ID, "name", p.Display(), "offset", current)

	total, err := srv.engine.ReadHeader(s)
	if err != nil {
		return s.reply(fmt.Sprintf("Error resuming file: %v", err))
	}
	offset := uint64(current) //nolint:gosec // G115: file sizes are non-negative
	if total > offset {
		if err := srv.engine.Preflight(p, total-offset); err != nil {
			return srv.abort(s, err)
		}
	}

	d, err := srv.engine.Receive(ctx, s, transfer.ReceiveSpec{
		Path:      p,
		Session:   s.ID,
		Direction: transfer.Resume,
		Declared:  total,
		Offset:    offset,
		Append:    true,
		SeedCRC:   true,
	})
	return srv.replyReceive(s, d, err, "Resume", "resuming")
}

// replyReceive turns the outcome of an upload or resume into the peer reply.
// Timeouts and capacity failures close the session.
func (srv *Server) replyReceive(s *Session, d *transfer.Descriptor, err error, noun, verb string) error {
	switch {
	case err == nil:
		return s.reply(fmt.Sprintf("OK %s %d CRC %s", d.Path.Display(), d.BytesMoved, d.CRCHex()))
	case errors.Is(err, transfer.ErrCanceled):
		return s.reply(noun + " canceled")
	case errors.Is(err, transfer.ErrTimeout), errors.Is(err, transfer.ErrCapacity):
		return srv.abort(s, err)
	case errors.Is(err, transfer.ErrIncomplete):
		s.reply(fmt.Sprintf("%s incomplete: received %d/%d bytes.", //nolint:errcheck // peer is gone
			noun, d.BytesMoved, d.DeclaredSize))
		return errCloseSession
	default:
		return s.reply(fmt.Sprintf("Error %s file: %v", verb, err))
	}
}

// abort reports a fatal transfer error and closes the session so the peer
// stops sending payload.
func (*Server) abort(s *Session, err error) error {
	slog.Warn("aborting session", "session", s.ID, "error", err)
	if werr := s.reply("ERROR " + err.Error() + "\n"); werr != nil {
		slog.Debug("abort reply failed", "session", s.ID, "error", werr)
	}
	return errCloseSession
}

func (srv *Server) setTime(arg string) string {
	t, err := clock.Parse(arg, time.Local)
	if err == nil {
		err = srv.clock.Set(t)
	}
	if err != nil {
		return fmt.Sprintf("Error setting time: %v", err)
	}
	now := srv.clock.Now()
	slog.Info("clock set", "time", now.Format(time.DateTime))
	return TimeSetReply + ": " + now.Format(time.DateTime)
}

// listText renders both roots, one section each.
func (srv *Server) listText() string {
	var lines []string
	for _, loc := range storage.Locations {
		records, err := srv.store.List(loc)
		switch {
		case errors.Is(err, storage.ErrNotMounted):
			lines = append(lines, fmt.Sprintf("=== %s: Not mounted ===", sectionTitle(loc)))
			continue
		case err != nil:
			lines = append(lines, fmt.Sprintf("%s error: %v", sectionTitle(loc), err))
			continue
		}
		lines = append(lines, fmt.Sprintf("=== %s ===", sectionTitle(loc)))
		for _, r := range records {
			lines = append(lines, fmt.Sprintf("%s (%d bytes)", loc.DisplayName(r.Name), r.Size))
		}
	}
	return strings.Join(lines, "\n")
}

func sectionTitle(loc storage.Location) string {
	if loc == storage.Removable {
		return "SD Card"
	}
	return "Internal Flash"
}

// spaceText reports free bytes per root.
func (srv *Server) spaceText() string {
	var lines []string
	if free, err := srv.store.FreeBytes(storage.Internal); err != nil {
		lines = append(lines, "Internal: statvfs not available or error")
	} else {
		lines = append(lines, fmt.Sprintf("Internal free: %d bytes (%d KiB)", free, free/1024))
	}
	if free, err := srv.store.FreeBytes(storage.Removable); err != nil {
		lines = append(lines, "SD: not mounted or statvfs error")
	} else {
		lines = append(lines, fmt.Sprintf("SD free: %d bytes (%d KiB)", free, free/1024))
	}
	return strings.Join(lines, "\n")
}
