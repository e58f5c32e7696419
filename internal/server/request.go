package server

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// MaxHeaderBytes bounds the request line plus headers.
const MaxHeaderBytes = 4096

var (
	// ErrBadRequest marks a request the gateway could not parse.
	ErrBadRequest = errors.New("bad request")

	errHeaderTooLarge = fmt.Errorf("%w: header block exceeds %d bytes", ErrBadRequest, MaxHeaderBytes)
)

// Request is the part of an HTTP request the gateway routes on. The body is
// left unread on the session stream.
type Request struct {
	Method        string
	Path          string
	Query         map[string]string
	Header        map[string]string // lower-case keys
	ContentLength int64
}

// RequestParser reads one request head from r.
type RequestParser interface {
	ParseRequest(r *bufio.Reader) (*Request, error)
}

// ParserByName returns the parser selected by the http.parser config key.
func ParserByName(name string) (RequestParser, error) {
	switch name {
	case "", "minimal":
		return MinimalParser{}, nil
	case "stdlib":
		return StdlibParser{}, nil
	default:
		return nil, fmt.Errorf("unknown http parser %q", name)
	}
}

// MinimalParser is a small hand-rolled HTTP/1.x request-head parser.
type MinimalParser struct{}

func (MinimalParser) ParseRequest(r *bufio.Reader) (*Request, error) {
	var total int
	readLine := func() (string, error) {
		var buf []byte
		for {
			chunk, err := r.ReadSlice('\n')
			buf = append(buf, chunk...)
			total += len(chunk)
			if total > MaxHeaderBytes {
				return "", errHeaderTooLarge
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if err != nil {
				return "", err
			}
			return strings.TrimRight(string(buf), "\r\n"), nil
		}
	}

	line, err := readLine()
	if err != nil {
		return nil, err
	}
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrBadRequest, line)
	}

	req := &Request{Method: method, Header: make(map[string]string)}
	req.Path, req.Query = splitTarget(target)

	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrBadRequest, line)
		}
		req.Header[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	if cl, ok := req.Header["content-length"]; ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid Content-Length %q", ErrBadRequest, cl)
		}
		req.ContentLength = n
	}
	return req, nil
}

// StdlibParser delegates to net/http's request reader.
type StdlibParser struct{}

func (StdlibParser) ParseRequest(r *bufio.Reader) (*Request, error) {
	hr, err := http.ReadRequest(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	req := &Request{
		Method:        hr.Method,
		Header:        make(map[string]string, len(hr.Header)),
		ContentLength: max(hr.ContentLength, 0),
	}
	req.Path = hr.URL.Path
	req.Query = parseQuery(hr.URL.RawQuery)
	for k, v := range hr.Header {
		if len(v) > 0 {
			req.Header[strings.ToLower(k)] = v[0]
		}
	}
	return req, nil
}

func splitTarget(target string) (string, map[string]string) {
	path, rawQuery, _ := strings.Cut(target, "?")
	return path, parseQuery(rawQuery)
}

// parseQuery splits a raw query string. The first occurrence of a key wins.
func parseQuery(raw string) map[string]string {
	q := make(map[string]string)
	if raw == "" {
		return q
	}
	for pair := range strings.SplitSeq(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k = decodeComponent(k)
		if _, seen := q[k]; !seen {
			q[k] = decodeComponent(v)
		}
	}
	return q
}

// decodeComponent percent-decodes s and maps '+' to space. Malformed escapes
// are kept literally instead of failing the request.
func decodeComponent(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
