package transfer

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// HeaderSize is the width of the ASCII size header that precedes every
	// payload: ten zero-padded decimal digits.
	HeaderSize = 10

	// MaxDeclaredSize is the largest length a HeaderSize-digit header can carry.
	MaxDeclaredSize uint64 = 9_999_999_999
)

// EncodeHeader renders n as a HeaderSize-byte zero-padded decimal.
func EncodeHeader(n uint64) ([]byte, error) {
	if n > MaxDeclaredSize {
		return nil, fmt.Errorf("%w: size %d does not fit in header", ErrProtocol, n)
	}
	return fmt.Appendf(make([]byte, 0, HeaderSize), "%010d", n), nil
}

// ParseHeader decodes a HeaderSize-byte size header. Surrounding spaces are
// tolerated; anything else that is not a decimal digit is rejected.
func ParseHeader(b []byte) (uint64, error) {
	if len(b) != HeaderSize {
		return 0, fmt.Errorf("%w: invalid size header: %q", ErrProtocol, b)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size header: %q", ErrProtocol, b)
	}
	return n, nil
}

// ReadHeader reads exactly HeaderSize bytes from r and decodes them.
func ReadHeader(r io.Reader) (uint64, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read size header: %w", err)
	}
	return ParseHeader(buf[:])
}
