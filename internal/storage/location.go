package storage

import "strings"

// Location identifies one of the two backing filesystems.
type Location int

const (
	// Internal is the built-in flash root. It is always mounted.
	Internal Location = iota
	// Removable is the optional SD card root.
	Removable
)

// Locations lists every backing root in read-probe order.
var Locations = [...]Location{Internal, Removable}

// String returns the wire tag used in listings and JSON ("internal", "sd").
func (l Location) String() string {
	switch l {
	case Internal:
		return "internal"
	case Removable:
		return "sd"
	default:
		return "unknown"
	}
}

// Label returns the human-readable name used in peer-facing messages.
func (l Location) Label() string {
	switch l {
	case Internal:
		return "internal flash"
	case Removable:
		return "SD card"
	default:
		return "unknown"
	}
}

// DisplayName renders name the way listings show it: removable entries carry
// the "sd:" prefix so the string can be fed straight back into a command.
func (l Location) DisplayName(name string) string {
	if l == Removable {
		return "sd:" + name
	}
	return name
}

// ParseName splits an optional "<prefix>:" from raw. Recognized prefixes are
// "sd", "internal" and "flash" (an alias of internal), case-insensitive.
// Anything else, including an unknown prefix, is returned whole as the name
// with prefixed=false.
func ParseName(raw string) (name string, loc Location, prefixed bool) {
	raw = strings.TrimSpace(raw)
	before, after, found := strings.Cut(raw, ":")
	if !found {
		return raw, Internal, false
	}
	switch strings.ToLower(strings.TrimSpace(before)) {
	case "sd":
		return strings.TrimSpace(after), Removable, true
	case "internal", "flash":
		return strings.TrimSpace(after), Internal, true
	default:
		return raw, Internal, false
	}
}
