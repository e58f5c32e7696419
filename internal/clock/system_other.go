//go:build !linux

package clock

import (
	"errors"
	"time"
)

// System is unsupported off Linux; Set always fails.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Set(time.Time) error {
	return errors.New("setting the system clock is not supported on this platform")
}
