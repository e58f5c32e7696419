// Package clock adapts the device real-time clock for the `time` command.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Clock is the real-time clock shared with the relay scheduler.
type Clock interface {
	Now() time.Time
	Set(t time.Time) error
}

// Offset is a software clock: Set records the difference from the host
// clock and Now applies it. Used when the process may not set system time.
type Offset struct {
	mu     sync.RWMutex
	offset time.Duration
}

// NewOffset returns an Offset clock that initially matches the host clock.
func NewOffset() *Offset {
	return &Offset{}
}

func (c *Offset) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

func (c *Offset) Set(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = time.Until(t)
	return nil
}

// Parse reads the `time` command argument "YYYY-MM-DD HH:MM:SS". Fields need
// not be zero-padded. The result is in loc.
func Parse(s string, loc *time.Location) (time.Time, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("expected \"YYYY-MM-DD HH:MM:SS\", got %q", s)
	}
	date, err := splitInts(parts[0], "-")
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", parts[0], err)
	}
	clock, err := splitInts(parts[1], ":")
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", parts[1], err)
	}

	t := time.Date(date[0], time.Month(date[1]), date[2], clock[0], clock[1], clock[2], 0, loc)
	// time.Date normalizes out-of-range fields; reject instead.
	if t.Year() != date[0] || int(t.Month()) != date[1] || t.Day() != date[2] ||
		t.Hour() != clock[0] || t.Minute() != clock[1] || t.Second() != clock[2] {
		return time.Time{}, fmt.Errorf("out of range: %q", s)
	}
	return t, nil
}

func splitInts(s, sep string) ([3]int, error) {
	var out [3]int
	fields := strings.Split(s, sep)
	if len(fields) != 3 {
		return out, fmt.Errorf("want 3 fields separated by %q", sep)
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}
