package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	appDirPerm  os.FileMode = 0o750
	maxNameRune             = 120
)

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals the value and atomically writes it to filename
// via a temporary file in the same directory followed by a rename.
func WriteJSONAtomic(filename string, v any) error {
	if filename == "" {
		return errors.New("empty filename")
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	_, err = CopyAtomic(filename, strings.NewReader(string(b)+"\n"))
	return err
}

// CopyAtomic writes data provided by the reader to the destination file atomically
// and returns the number of bytes written. An existing file is replaced.
func CopyAtomic(filename string, reader io.Reader) (int64, error) {
	if filename == "" {
		return 0, errors.New("empty filename")
	}
	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()
	written, err := io.Copy(tempFile, reader)
	if err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return written, fmt.Errorf("copy to temp: %w", err)
	}
	// ensure data hits disk
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return written, fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return written, fmt.Errorf("close temp: %w", err)
	}
	// remove existing file to avoid permission issues on Windows
	if _, err := os.Stat(filename); err == nil {
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return written, fmt.Errorf("rename temp: %w", err)
	}
	return written, nil
}

// SafeName reduces a user-supplied filename to a single path element made of
// letters, digits, dot, dash and underscore. Falls back when nothing usable remains.
func SafeName(original, fallback string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(original), "\\", "/"))
	var b strings.Builder
	n := 0
	for _, r := range base {
		if n >= maxNameRune {
			break
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		default:
			continue
		}
		n++
	}
	name := strings.Trim(b.String(), ".")
	if name == "" {
		return fallback
	}
	return name
}
