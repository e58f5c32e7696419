package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// discoveryPathOverride allows tests to redirect the discovery file path.
// When empty, DiscoveryPath() derives the path from the environment.
var discoveryPathOverride string //nolint:gochecknoglobals // test hook

// SetDiscoveryPathOverride sets a test override for the discovery path.
// Pass "" to restore the default. This is intended for tests only.
func SetDiscoveryPathOverride(path string) {
	discoveryPathOverride = path
}

// Discovery holds the address of a running `relayfs serve`. Client commands
// read it when no --addr flag is given.
type Discovery struct {
	Addr string `toml:"addr"`
	PID  int    `toml:"pid"`
}

// DiscoveryPath returns the path to the discovery file, preferring
// $XDG_RUNTIME_DIR and falling back to the temp dir.
func DiscoveryPath() string {
	if discoveryPathOverride != "" {
		return discoveryPathOverride
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "relayfs", "serve.toml")
}

// WriteDiscovery writes the discovery file, creating the parent directory
// if needed.
func WriteDiscovery(d Discovery) error {
	path := DiscoveryPath()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return fmt.Errorf("encode discovery: %w", err)
	}

	//nolint:gosec // G306: other local users may run the client
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadDiscovery reads the discovery file. Returns os.ErrNotExist if the file
// does not exist.
func ReadDiscovery() (Discovery, error) {
	var d Discovery
	_, err := toml.DecodeFile(DiscoveryPath(), &d)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Discovery{}, os.ErrNotExist
		}
		return Discovery{}, err
	}
	return d, nil
}

// RemoveDiscovery removes the discovery file (best-effort).
func RemoveDiscovery() {
	os.Remove(DiscoveryPath()) //nolint:errcheck // best-effort cleanup on shutdown
}
