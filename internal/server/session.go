package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

const (
	readBufferSize = 8192
	maxLineLength  = 4096
	replyTimeout   = 10 * time.Second
	lingerTimeout  = 500 * time.Millisecond
	lingerLimit    = 1 << 20
)

var errLineTooLong = errors.New("command line too long")

// Protocol is the kind of traffic a session carries.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolCommand
	ProtocolHTTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolCommand:
		return "command"
	case ProtocolHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// httpMethods are the request-line prefixes that switch a connection to HTTP.
var httpMethods = [...]string{"GET ", "POST ", "DELETE ", "OPTIONS "} //nolint:gochecknoglobals // fixed table

const maxMethodLen = len("OPTIONS ")

// Session is one accepted connection. Reads go through a buffered reader
// that holds bytes consumed from the socket but not yet parsed; writes go
// straight to the connection. A Session satisfies transfer.Source and
// transfer.Sink.
type Session struct {
	ID       string
	Protocol Protocol
	conn     net.Conn
	r        *bufio.Reader
	remote   string
}

func newSession(conn net.Conn) *Session {
	return &Session{
		ID:     uuid.NewString(),
		conn:   conn,
		r:      bufio.NewReaderSize(conn, readBufferSize),
		remote: conn.RemoteAddr().String(),
	}
}

// Remote returns the peer address.
func (s *Session) Remote() string { return s.remote }

func (s *Session) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *Session) Write(p []byte) (int, error) { return s.conn.Write(p) }

func (s *Session) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Session) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// reply writes a protocol reply under a bounded write deadline.
func (s *Session) reply(msg string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(replyTimeout)); err != nil {
		return err
	}
	defer s.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // best-effort reset
	_, err := io.WriteString(s.conn, msg)
	return err
}

// close half-closes the connection and drains what the peer is still
// sending for a short while, so a final reply is not lost to a TCP reset
// when the peer had unread request bytes in flight.
func (s *Session) close() {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok && cw.CloseWrite() == nil {
		if s.conn.SetReadDeadline(time.Now().Add(lingerTimeout)) == nil {
			io.Copy(io.Discard, io.LimitReader(s.conn, lingerLimit)) //nolint:errcheck // draining only
		}
	}
	s.conn.Close()
}

// unread puts b back in front of the buffered stream.
func (s *Session) unread(b []byte) {
	s.r = bufio.NewReaderSize(io.MultiReader(bytes.NewReader(b), s.r), readBufferSize)
}

// readLine returns the next raw line including its terminator. A final line
// without a terminator is returned when the peer closes the stream.
func (s *Session) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := s.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineLength {
			return "", errLineTooLong
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return string(buf), nil
			}
			return "", err
		}
		return string(buf), nil
	}
}

// sniff peeks at the first bytes of the connection, without consuming them,
// until they either match an HTTP method or cannot match any.
func (s *Session) sniff() (Protocol, error) {
	n := 1
	for {
		b, err := s.r.Peek(n)
		if err != nil {
			if len(b) == 0 {
				return ProtocolUnknown, err
			}
			// The peer stopped sending mid-prefix; whatever arrived is a command.
			if methodMatch(b) == matchFull {
				return ProtocolHTTP, nil
			}
			return ProtocolCommand, nil
		}
		switch methodMatch(b) {
		case matchFull:
			return ProtocolHTTP, nil
		case matchNone:
			return ProtocolCommand, nil
		}
		n = min(maxMethodLen, max(n+1, s.r.Buffered()))
	}
}

type match int

const (
	matchNone match = iota
	matchPartial
	matchFull
)

func methodMatch(b []byte) match {
	result := matchNone
	for _, m := range httpMethods {
		switch {
		case len(b) >= len(m) && string(b[:len(m)]) == m:
			return matchFull
		case len(b) < len(m) && m[:len(b)] == string(b):
			result = matchPartial
		}
	}
	return result
}

// isHTTPRequestLine reports whether a command line is actually an HTTP
// request line.
func isHTTPRequestLine(line string) bool {
	return methodMatch([]byte(line)) == matchFull
}
