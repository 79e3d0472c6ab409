package sessionstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// ErrLocked is returned when another process already holds the session
// file lock. The lock is try-acquired, never waited on: a second daemon
// instance must fail fast at startup.
var ErrLocked = errors.New("sessionstore: session file is locked by another process")

// dbFile is the session database file handle. The store holds an advisory
// lock on it for its whole lifetime and tracks the file's inode so an
// atomic replace (write-temp-then-rename) by an external editor is
// detected on the next read and the handle re-pointed at the new file.
type dbFile struct {
	logger *zap.Logger
	path   string
	f      *os.File
	lk     *flock.Flock
	ino    uint64
}

func openDBFile(path string, logger *zap.Logger) (*dbFile, error) {
	d := &dbFile{logger: logger, path: path}
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *dbFile) open() error {
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("sessionstore: opening %s: %w", d.path, err)
	}

	lk := flock.New(d.path)
	locked, err := lk.TryLock()
	if err != nil {
		f.Close()
		return fmt.Errorf("sessionstore: locking %s: %w", d.path, err)
	}
	if !locked {
		f.Close()
		return fmt.Errorf("%w: %s", ErrLocked, d.path)
	}

	ino, err := inodeOf(f)
	if err != nil {
		lk.Unlock() //nolint:errcheck
		f.Close()
		return err
	}

	d.f = f
	d.lk = lk
	d.ino = ino
	return nil
}

// readAll returns the whole file contents, reopening the handle first if
// the path now points at a different inode.
func (d *dbFile) readAll() ([]byte, error) {
	if err := d.ensureCurrent(); err != nil {
		return nil, err
	}
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("sessionstore: seeking %s: %w", d.path, err)
	}
	raw, err := io.ReadAll(d.f)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: reading %s: %w", d.path, err)
	}
	return raw, nil
}

// writeAll replaces the file contents in place: truncate, rewrite, flush.
func (d *dbFile) writeAll(raw []byte) error {
	if err := d.f.Truncate(0); err != nil {
		return fmt.Errorf("sessionstore: truncating %s: %w", d.path, err)
	}
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("sessionstore: seeking %s: %w", d.path, err)
	}
	if _, err := d.f.Write(raw); err != nil {
		return fmt.Errorf("sessionstore: writing %s: %w", d.path, err)
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("sessionstore: syncing %s: %w", d.path, err)
	}
	return nil
}

// ensureCurrent stats the path and reopens (and re-locks) when the inode
// no longer matches the open handle — the atomic-swap pattern. A vanished
// file is recreated empty.
func (d *dbFile) ensureCurrent() error {
	info, err := os.Stat(d.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sessionstore: stat %s: %w", d.path, err)
	}
	if err == nil {
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("sessionstore: stat %s: no inode information", d.path)
		}
		if st.Ino == d.ino {
			return nil
		}
	}

	d.logger.Info("session file was replaced, reopening", zap.String("path", d.path))
	old, oldLock := d.f, d.lk
	if err := d.open(); err != nil {
		return err
	}
	oldLock.Unlock() //nolint:errcheck
	old.Close()
	return nil
}

func (d *dbFile) close() {
	if d.lk != nil {
		d.lk.Unlock() //nolint:errcheck
	}
	if d.f != nil {
		d.f.Close()
	}
}

func inodeOf(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("sessionstore: stat %s: %w", f.Name(), err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("sessionstore: stat %s: no inode information", f.Name())
	}
	return st.Ino, nil
}
