package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no backing root holds the requested file.
	ErrNotFound = errors.New("file not found")

	// ErrNotMounted is returned when a prefixed name targets an absent root.
	ErrNotMounted = errors.New("storage not mounted")

	// ErrInvalidName is returned for names that would escape the flat
	// namespace of a root.
	ErrInvalidName = errors.New("invalid file name")
)

// Error describes a resolution failure in terms a peer can read. Match the
// kind with errors.Is against the sentinels above.
type Error struct {
	Err      error
	Name     string
	Location Location
	// AnyLocation is set when an unprefixed lookup probed every root.
	AnyLocation bool
}

func (e *Error) Error() string {
	switch {
	case errors.Is(e.Err, ErrNotMounted):
		return e.Location.Label() + " not mounted"
	case errors.Is(e.Err, ErrNotFound) && e.AnyLocation:
		return fmt.Sprintf("File '%s' not found in any storage location", e.Name)
	case errors.Is(e.Err, ErrNotFound):
		return fmt.Sprintf("File '%s' not found in %s storage", e.Name, e.Location.Label())
	case errors.Is(e.Err, ErrInvalidName):
		return fmt.Sprintf("invalid file name %q", e.Name)
	default:
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }
