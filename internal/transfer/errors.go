package transfer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProtocol marks malformed framing: a bad size header or an offset
	// that lies beyond the declared size.
	ErrProtocol = errors.New("protocol error")

	// ErrCapacity is returned when the target root cannot hold the payload.
	ErrCapacity = errors.New("insufficient free space")

	// ErrTimeout is returned when the peer stops sending for longer than
	// the idle threshold.
	ErrTimeout = errors.New("idle timeout")

	// ErrCanceled is returned when the cooperative cancel flag was observed.
	ErrCanceled = errors.New("canceled")

	// ErrIncomplete is returned when the peer closes the stream before the
	// declared number of bytes arrived.
	ErrIncomplete = errors.New("transfer incomplete")

	// ErrEmptyFile is returned by framed sends of a zero-length file.
	ErrEmptyFile = errors.New("file is empty")
)

// CapacityError reports a failed free-space check, either before any
// payload was consumed or during the transfer.
type CapacityError struct {
	Need   uint64
	Free   uint64
	During bool
}

func (e *CapacityError) Error() string {
	if e.During {
		return fmt.Sprintf("No space during upload: need additional %d bytes, free %d bytes", e.Need, e.Free)
	}
	return fmt.Sprintf("No space: need %d bytes, free %d bytes", e.Need, e.Free)
}

func (*CapacityError) Is(target error) bool { return target == ErrCapacity }

// TimeoutError reports an idle upload.
type TimeoutError struct {
	After    time.Duration
	Received uint64
	Total    uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Upload timeout after %ds at %d/%d bytes",
		int64(e.After/time.Second), e.Received, e.Total)
}

func (*TimeoutError) Is(target error) bool { return target == ErrTimeout }
