// Package secrets enforces filesystem permissions on secret-bearing files
// (pepper, JWT private key, user and session databases) before they are
// opened. The checks are deliberately strict: a secret readable by group or
// other is treated as a startup failure, not a warning.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	// ErrNotAbsolute is returned when the checked path is not absolute.
	// Relative paths would make the parent-chain walk depend on the
	// process working directory.
	ErrNotAbsolute = errors.New("secrets: path is not absolute")

	// ErrNotRegularFile is returned when the path does not name a regular file.
	ErrNotRegularFile = errors.New("secrets: not a regular file")

	// ErrPermissions is returned when a file or one of its parent
	// directories is accessible more widely than allowed.
	ErrPermissions = errors.New("secrets: permissions too permissive")
)

// CheckFileRO verifies that path names a regular file readable only by its
// owner (mode 0400 or 0000 — the owner write bit must be clear) and that no
// parent directory is writable by group or other.
func CheckFileRO(path string) error {
	return checkFile(path, 0o400)
}

// CheckFileRW is CheckFileRO for files the process also writes (mode at
// most 0600).
func CheckFileRW(path string) error {
	return checkFile(path, 0o600)
}

func checkFile(path string, allowed fs.FileMode) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %s", ErrNotAbsolute, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("secrets: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}
	if perm := info.Mode().Perm(); perm&^allowed != 0 {
		return fmt.Errorf("%w: %s has mode %04o, want at most %04o",
			ErrPermissions, path, perm, allowed)
	}
	return checkParents(filepath.Dir(path))
}

// checkParents walks from dir up to the filesystem root and rejects any
// directory writable by group or other. Sticky world-writable directories
// (/tmp and friends) are tolerated: entries there cannot be renamed or
// unlinked by other users.
func checkParents(dir string) error {
	for {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("secrets: stat %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("secrets: %s is not a directory", dir)
		}
		if perm := info.Mode().Perm(); perm&0o022 != 0 && info.Mode()&os.ModeSticky == 0 {
			return fmt.Errorf("%w: parent %s has mode %04o (group/other writable)",
				ErrPermissions, dir, perm)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}
