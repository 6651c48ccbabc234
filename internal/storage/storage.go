// Package storage writes completed transfers to disk.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// maxCollisions bounds the " (n)" suffix search for a free file name.
const maxCollisions = 1000

var ErrWrite = errors.New("write received file")

// invalidChars are rejected by at least one supported filesystem.
const invalidChars = `<>:"/\|?*`

// reservedNames are device names Windows refuses as file names.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Store saves received files into one directory.
type Store struct {
	dir string
}

// NewStore creates a store writing into dir. The directory is created on
// the first save.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = "."
	}
	return &Store{dir: dir}
}

// Dir returns the target directory.
func (s *Store) Dir() string { return s.dir }

// Save writes data under a sanitized version of filename and returns the
// final path. A name without extension gets one guessed from the content.
// An existing file is never overwritten.
func (s *Store) Save(id uuid.UUID, filename string, data []byte) (string, error) {
	name := SanitizeName(id, filename)
	if filepath.Ext(name) == "" {
		name += extensionFor(data)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}

	f, path, err := createUnique(s.dir, name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}

	return path, nil
}

// SanitizeName turns a peer-supplied file name into a single safe path
// element. Directory parts are dropped, invalid characters become "_", and
// empty, dot or reserved results fall back to "<id>_received_file.bin" or
// "<id>_safe.bin".
func SanitizeName(id uuid.UUID, name string) string {
	// Peers may send either separator regardless of our OS.
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "." || name == ".." {
		return fmt.Sprintf("%s_safe.bin", id)
	}

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(invalidChars, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	name = strings.TrimRight(name, ". ")

	switch {
	case name == "" || strings.Trim(name, "_") == "":
		return fmt.Sprintf("%s_received_file.bin", id)
	case reservedNames[strings.ToUpper(strings.TrimSuffix(name, filepath.Ext(name)))]:
		return fmt.Sprintf("%s_safe.bin", id)
	}

	return name
}

// extensionFor guesses an extension from content; unknown content is ".bin".
func extensionFor(data []byte) string {
	if ext := mimetype.Detect(data).Extension(); ext != "" {
		return ext
	}
	return ".bin"
}

// createUnique opens name in dir exclusively, adding " (n)" before the
// extension when the name is taken.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; i < maxCollisions; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
	}

	return nil, "", fmt.Errorf("no free name for %q after %d attempts", name, maxCollisions)
}
