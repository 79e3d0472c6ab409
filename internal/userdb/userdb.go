// Package userdb holds the in-memory credential map loaded from the user
// database file.
//
// The file is written by an external tool (notekeep-gen) and is read-only
// from this process's point of view. A background goroutine re-reads it
// whenever the watcher reports a change; a failed reload keeps the
// previous snapshot, since stale-but-consistent data beats an empty map on
// a transient parse error.
package userdb

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/notekeep-io/notekeep/internal/hasher"
	"github.com/notekeep-io/notekeep/internal/secrets"
	"github.com/notekeep-io/notekeep/internal/username"
	"github.com/notekeep-io/notekeep/internal/watcher"
)

// ErrDuplicateUser is returned when the user database lists the same
// username twice.
var ErrDuplicateUser = errors.New("userdb: duplicate username")

// User is one credential record. Immutable once loaded.
type User struct {
	Name username.Username
	Hash string // PHC argon2id string, parsed eagerly at load
}

type userRow struct {
	Username username.Username `toml:"username"`
	Hash     string            `toml:"hash"`
}

type usersFile struct {
	Users []userRow `toml:"user"`
}

// Store is the live credential map. Safe for concurrent use.
type Store struct {
	logger *zap.Logger
	hasher *hasher.Hasher
	path   string

	mu    sync.RWMutex
	users map[username.Username]User

	guard *watcher.Guard
	done  chan struct{}
}

// Open loads the user database at path and starts watching it for
// external changes. The file must be an owner-read-only regular file.
func Open(path string, h *hasher.Hasher, w *watcher.Watcher, logger *zap.Logger) (*Store, error) {
	if err := secrets.CheckFileRO(path); err != nil {
		return nil, err
	}
	users, err := load(path)
	if err != nil {
		return nil, err
	}

	guard, err := w.Watch(path)
	if err != nil {
		return nil, fmt.Errorf("userdb: watching %s: %w", path, err)
	}

	s := &Store{
		logger: logger.Named("userdb"),
		hasher: h,
		path:   path,
		users:  users,
		guard:  guard,
		done:   make(chan struct{}),
	}
	go s.watchLoop()
	s.logger.Info("user db loaded", zap.String("path", path), zap.Int("users", len(users)))
	return s, nil
}

// Close stops the reload goroutine and drops the watch.
func (s *Store) Close() {
	close(s.done)
	s.guard.Close()
}

// Get returns a snapshot of the named user.
func (s *Store) Get(name username.Username) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	return u, ok
}

// CheckCredentials verifies password for the named user. A missing user is
// (false, nil); hashing is skipped entirely in that case.
//
// Hash verification is CPU-bound; the dispatcher runs every handler on its
// own goroutine, so the socket loop never stalls behind it.
func (s *Store) CheckCredentials(name username.Username, password string) (bool, error) {
	user, ok := s.Get(name)
	if !ok {
		s.logger.Debug("credential check for unknown user", zap.String("user", name.String()))
		return false, nil
	}
	ok, err := s.hasher.Verify(user.Hash, password)
	if err != nil {
		return false, fmt.Errorf("userdb: verifying credentials for %q: %w", name, err)
	}
	return ok, nil
}

// watchLoop re-reads the database on every change notification. Any kind
// of change, overflow included, collapses into a full re-read.
func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case u, ok := <-s.guard.Updates():
			if !ok {
				return
			}
			if u.Err != nil {
				s.logger.Error("user db watch error", zap.Error(u.Err))
				continue
			}
			if u.Lost > 0 {
				s.logger.Warn("user db watch overflow, forcing re-read",
					zap.Uint64("lost", u.Lost))
			}
			s.reload()
		}
	}
}

func (s *Store) reload() {
	users, err := load(s.path)
	if err != nil {
		// Keep serving the previous snapshot.
		s.logger.Error("user db reload failed, keeping previous state",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	s.logger.Info("user db reloaded", zap.String("path", s.path), zap.Int("users", len(users)))
}

// load parses the TOML user list, validating every username and hash
// eagerly so a broken row is caught at load time, not at login time.
func load(path string) (map[username.Username]User, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("userdb: reading %s: %w", path, err)
	}
	var parsed usersFile
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("userdb: parsing %s: %w", path, err)
	}

	users := make(map[username.Username]User, len(parsed.Users))
	for _, row := range parsed.Users {
		if _, err := hasher.ParsePHC(row.Hash); err != nil {
			return nil, fmt.Errorf("userdb: user %q: %w", row.Username, err)
		}
		if _, dup := users[row.Username]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateUser, row.Username)
		}
		users[row.Username] = User{Name: row.Username, Hash: row.Hash}
	}
	return users, nil
}
