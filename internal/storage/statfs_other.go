//go:build !linux && !darwin

package storage

import "errors"

var errStatfsUnsupported = errors.New("filesystem statistics not available on this platform")

func freeBytes(_ string) (uint64, error) {
	return 0, errStatfsUnsupported
}
