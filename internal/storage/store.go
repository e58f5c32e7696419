package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config describes the two backing roots.
type Config struct {
	InternalRoot string
	// RemovableRoot is the SD card mount point. Empty means the card is
	// never present.
	RemovableRoot string
	// FreeSpace overrides filesystem statistics when set. Intended for tests.
	FreeSpace func(root string) (uint64, error)
}

// Path is a resolved file inside one backing root.
type Path struct {
	Name     string // bare file name, no prefix
	Abs      string
	Location Location
}

// Display returns the name as listings show it ("sd:" prefixed on removable).
func (p Path) Display() string {
	return p.Location.DisplayName(p.Name)
}

// FileRecord is one listing entry.
type FileRecord struct {
	Name     string
	Size     int64
	Location Location
}

// Store routes names to the internal or removable root.
type Store struct {
	cfg Config
}

// New creates a Store over the given roots.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Root returns the directory backing loc, or "" when loc has no root.
func (s *Store) Root(loc Location) string {
	if loc == Removable {
		return s.cfg.RemovableRoot
	}
	return s.cfg.InternalRoot
}

// Mounted reports whether loc is available. The internal root is always
// considered mounted; the removable root must exist as a directory.
func (s *Store) Mounted(loc Location) bool {
	if loc == Internal {
		return true
	}
	root := s.cfg.RemovableRoot
	if root == "" {
		return false
	}
	info, err := os.Stat(root)
	return err == nil && info.IsDir()
}

// ResolveRead locates an existing file. A prefixed name is looked up only in
// its own root; an unprefixed name probes Internal first, then Removable.
func (s *Store) ResolveRead(raw string) (Path, error) {
	name, loc, prefixed := ParseName(raw)
	if err := validateName(name); err != nil {
		return Path{}, &Error{Err: err, Name: name, Location: loc}
	}

	if prefixed {
		if !s.Mounted(loc) {
			return Path{}, &Error{Err: ErrNotMounted, Name: name, Location: loc}
		}
		p := s.pathIn(loc, name)
		if !isRegular(p.Abs) {
			return Path{}, &Error{Err: ErrNotFound, Name: name, Location: loc}
		}
		return p, nil
	}

	for _, l := range Locations {
		if !s.Mounted(l) {
			continue
		}
		p := s.pathIn(l, name)
		if isRegular(p.Abs) {
			return p, nil
		}
	}
	return Path{}, &Error{Err: ErrNotFound, Name: name, AnyLocation: true}
}

// ResolveWrite picks the destination for a write. Unprefixed names always
// target Internal; a prefixed name fails without fallback when its root is
// not mounted. The file itself need not exist.
func (s *Store) ResolveWrite(raw string) (Path, error) {
	name, loc, _ := ParseName(raw)
	if err := validateName(name); err != nil {
		return Path{}, &Error{Err: err, Name: name, Location: loc}
	}
	if !s.Mounted(loc) {
		return Path{}, &Error{Err: ErrNotMounted, Name: name, Location: loc}
	}
	return s.pathIn(loc, name), nil
}

// Size returns the current length of p, or 0 when the file does not exist.
func (*Store) Size(p Path) (int64, error) {
	info, err := os.Stat(p.Abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// Remove resolves raw with write rules and deletes the file.
func (s *Store) Remove(raw string) (Path, error) {
	p, err := s.ResolveWrite(raw)
	if err != nil {
		return Path{}, err
	}
	if err := os.Remove(p.Abs); err != nil {
		return p, fmt.Errorf("delete failed: %w", err)
	}
	return p, nil
}

// List returns the regular files directly under loc, sorted by name.
func (s *Store) List(loc Location) ([]FileRecord, error) {
	if !s.Mounted(loc) {
		return nil, &Error{Err: ErrNotMounted, Location: loc}
	}
	root := s.Root(loc)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", root, err)
	}

	records := make([]FileRecord, 0, len(entries))
	for _, d := range entries {
		if !d.Type().IsRegular() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		records = append(records, FileRecord{
			Name:     d.Name(),
			Size:     info.Size(),
			Location: loc,
		})
	}
	return records, nil
}

// FreeBytes reports the bytes available to writers on loc's filesystem.
func (s *Store) FreeBytes(loc Location) (uint64, error) {
	if !s.Mounted(loc) {
		return 0, &Error{Err: ErrNotMounted, Location: loc}
	}
	root := s.Root(loc)
	if s.cfg.FreeSpace != nil {
		return s.cfg.FreeSpace(root)
	}
	return freeBytes(root)
}

func (s *Store) pathIn(loc Location, name string) Path {
	return Path{
		Name:     name,
		Abs:      filepath.Join(s.Root(loc), name),
		Location: loc,
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\\x00\n") {
		return ErrInvalidName
	}
	return nil
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
