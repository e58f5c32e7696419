package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config represents the relayfs configuration file. Every key is optional;
// Load fills unset keys from Defaults.
type Config struct {
	Listen      string `toml:"listen"       validate:"required,hostname_port"`
	SSID        string `toml:"ssid"`
	DefaultFile string `toml:"default_file" validate:"required,excludesall=/\\" split_words:"true"`

	Storage  StorageConfig  `toml:"storage"`
	Transfer TransferConfig `toml:"transfer"`
	Cancel   CancelConfig   `toml:"cancel"`
	Clock    ClockConfig    `toml:"clock"`
	HTTP     HTTPConfig     `toml:"http"`
	Log      LogConfig      `toml:"log"`
}

// StorageConfig names the two storage roots. An empty Removable root means
// the SD card is never mounted.
type StorageConfig struct {
	Internal  string `toml:"internal"  validate:"required"`
	Removable string `toml:"removable"`
}

// TransferConfig tunes the chunked transfer engine.
type TransferConfig struct {
	Pace          time.Duration `toml:"pace"           validate:"gte=0"`
	BWLimit       string        `toml:"bwlimit"`
	HeaderTimeout time.Duration `toml:"header_timeout" validate:"gt=0"  split_words:"true"`
	AckTimeout    time.Duration `toml:"ack_timeout"    validate:"gte=0" split_words:"true"`
}

// CancelConfig lists extra cancellation sources.
type CancelConfig struct {
	Button string `toml:"button"`
}

// ClockConfig selects how the `time` command sets the clock.
type ClockConfig struct {
	Mode string `toml:"mode" validate:"oneof=system offset"`
}

// HTTPConfig selects the HTTP request parser.
type HTTPConfig struct {
	Parser string `toml:"parser" validate:"oneof=minimal stdlib"`
}

// LogConfig controls the slog handler set up by the CLI.
type LogConfig struct {
	Level  string `toml:"level"  validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
	File   string `toml:"file"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		Listen:      ":5001",
		SSID:        "PicoPi-AP",
		DefaultFile: "data_test.txt",
		Storage: StorageConfig{
			Internal: "/var/lib/relayfs",
		},
		Transfer: TransferConfig{
			Pace:          2 * time.Millisecond,
			HeaderTimeout: 10 * time.Second,
			AckTimeout:    12 * time.Second,
		},
		Clock: ClockConfig{Mode: "offset"},
		HTTP:  HTTPConfig{Parser: "minimal"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Path returns the default config file location.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "relayfs", "config.toml")
}

// EnvPrefix prefixes environment overrides, e.g. RELAYFS_LISTEN or
// RELAYFS_STORAGE_REMOVABLE.
const EnvPrefix = "relayfs"

// Load reads the config file at path on top of Defaults, then applies
// RELAYFS_* environment overrides. A missing file is not an error. An empty
// path means Path().
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	cfg, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("decode %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled()) //nolint:gochecknoglobals // validator caches struct metadata

// Validate checks field constraints and the bandwidth limit syntax.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.Transfer.BWLimit != "" {
		if _, err := ParseSize(c.Transfer.BWLimit); err != nil {
			return fmt.Errorf("config: transfer.bwlimit: %w", err)
		}
	}
	return nil
}

// BandwidthLimit returns the parsed download cap in bytes per second, or 0.
func (c Config) BandwidthLimit() int64 {
	if c.Transfer.BWLimit == "" {
		return 0
	}
	n, err := ParseSize(c.Transfer.BWLimit)
	if err != nil {
		return 0
	}
	return n
}
