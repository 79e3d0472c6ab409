// Package sessionstore persists refresh-token sessions in a TOML file and
// keeps them indexed three ways in memory: by session id, by refresh
// token, and by username.
//
// The name-indexed buckets are authoritative: every write path mutates a
// bucket and then persists, and persisting re-reads the file to rebuild
// all three indices. That makes the read path the single place where the
// index invariants are re-established, whether the write was ours or an
// external editor's.
//
// Expired sessions are collected lazily: serialization drops every session
// past its grace window, so the file shrinks on the next write with no
// separate GC timer.
package sessionstore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notekeep-io/notekeep/internal/secrets"
	"github.com/notekeep-io/notekeep/internal/username"
	"github.com/notekeep-io/notekeep/internal/watcher"
)

// RefreshTokenSize is the raw refresh token length in bytes.
const RefreshTokenSize = 16

// gcGrace is how long past expiry a session survives on disk. Within the
// window an expired session can still be refreshed.
const gcGrace = 5 * 7 * 24 * time.Hour

// ErrSessionNotFound is returned by Refresh when no session carries the
// presented refresh token.
var ErrSessionNotFound = errors.New("sessionstore: session not found")

// Session binds a user to one refresh token and one access-token expiry.
// Records handed out by the store are never mutated in place — a refresh
// builds a replacement — so holders may read them without locking.
type Session struct {
	ID           uuid.UUID
	Username     username.Username
	RefreshToken []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Store is the session database. Safe for concurrent use.
type Store struct {
	logger *zap.Logger

	mu sync.RWMutex
	st state

	file  *dbFile
	guard *watcher.Guard
	done  chan struct{}

	// Overridable for tests.
	now      func() time.Time
	newID    func() uuid.UUID
	newToken func() ([]byte, error)
}

// Open opens (creating if absent) and exclusively locks the session file,
// loads it, and starts watching it for external changes.
func Open(path string, w *watcher.Watcher, logger *zap.Logger) (*Store, error) {
	logger = logger.Named("sessionstore")

	file, err := openDBFile(path, logger)
	if err != nil {
		return nil, err
	}
	if err := secrets.CheckFileRW(path); err != nil {
		file.close()
		return nil, err
	}

	guard, err := w.Watch(path)
	if err != nil {
		file.close()
		return nil, fmt.Errorf("sessionstore: watching %s: %w", path, err)
	}

	s := &Store{
		logger:   logger,
		file:     file,
		guard:    guard,
		done:     make(chan struct{}),
		now:      time.Now,
		newID:    uuid.New,
		newToken: generateToken,
	}
	if err := s.readAndReplaceLocked(); err != nil {
		guard.Close()
		file.close()
		return nil, err
	}
	go s.watchLoop()

	s.logger.Info("session db loaded",
		zap.String("path", path), zap.Int("sessions", len(s.st.byID)))
	return s, nil
}

// Close stops the watch goroutine and releases the file lock.
func (s *Store) Close() {
	close(s.done)
	s.guard.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.close()
}

// Create adds a session for user with a fresh id and refresh token.
func (s *Store) Create(user username.Username, createdAt, expiresAt time.Time) (Session, error) {
	id := s.newID()
	token, err := s.newToken()
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("creating session",
		zap.String("session_id", id.String()),
		zap.String("user", user.String()),
		zap.Time("expires_at", expiresAt))

	sess := &Session{
		ID:           id,
		Username:     user,
		RefreshToken: token,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	}
	s.st.byName[user] = append(s.st.byName[user], sess)

	if err := s.persistLocked(); err != nil {
		return Session{}, err
	}
	created, ok := s.st.byID[id]
	if !ok {
		// The new session must survive its own write; anything else means
		// the serialize/parse pair disagrees.
		return Session{}, fmt.Errorf("sessionstore: session %s missing after write", id)
	}
	return *created, nil
}

// Refresh rotates the refresh token of the session holding oldToken and
// extends it to expiresAt. Id, username, and creation time are preserved.
func (s *Store) Refresh(oldToken []byte, expiresAt time.Time) (Session, error) {
	newToken, err := s.newToken()
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.st.byToken[string(oldToken)]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	s.logger.Info("refreshing session",
		zap.String("session_id", old.ID.String()),
		zap.String("user", old.Username.String()),
		zap.Time("expires_at", expiresAt))

	replacement := &Session{
		ID:           old.ID,
		Username:     old.Username,
		RefreshToken: newToken,
		CreatedAt:    old.CreatedAt,
		ExpiresAt:    expiresAt,
	}

	bucket := s.st.byName[old.Username]
	replaced := false
	for i, sess := range bucket {
		if sess.ID == old.ID {
			bucket[i] = replacement
			replaced = true
			break
		}
	}
	if !replaced {
		return Session{}, fmt.Errorf("sessionstore: index incoherent: session %s not in user bucket", old.ID)
	}

	if err := s.persistLocked(); err != nil {
		return Session{}, err
	}
	refreshed, ok := s.st.byID[replacement.ID]
	if !ok {
		return Session{}, fmt.Errorf("sessionstore: session %s missing after write", replacement.ID)
	}
	return *refreshed, nil
}

// Delete removes the session with the given id. Reports whether it
// existed; deleting a missing session does not touch the file.
func (s *Store) Delete(id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.st.byID[id]
	if !ok {
		return false, nil
	}

	s.logger.Info("deleting session",
		zap.String("session_id", id.String()),
		zap.String("user", sess.Username.String()))

	bucket := s.st.byName[sess.Username]
	for i, candidate := range bucket {
		if candidate.ID == id {
			s.st.byName[sess.Username] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}

	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// GetByID returns the session with the given id, if any.
func (s *Store) GetByID(id uuid.UUID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.st.byID[id]
	return sess, ok
}

// GetByToken returns the session holding the given refresh token, if any.
func (s *Store) GetByToken(token []byte) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.st.byToken[string(token)]
	return sess, ok
}

// persistLocked serializes the name buckets (dropping collectable
// sessions), arms the self-write skip, writes the file, and re-reads it to
// rebuild all three indices. Callers hold the write lock across the whole
// sequence, so other store users never observe the intermediate state.
func (s *Store) persistLocked() error {
	raw, err := marshalState(s.st.byName, s.now())
	if err != nil {
		return err
	}
	s.guard.SkipNext()
	if err := s.file.writeAll(raw); err != nil {
		return err
	}
	return s.readAndReplaceLocked()
}

func (s *Store) readAndReplaceLocked() error {
	raw, err := s.file.readAll()
	if err != nil {
		return err
	}
	st, err := parseState(raw)
	if err != nil {
		return err
	}
	s.st = st
	return nil
}

// watchLoop re-reads the file when an external writer touches it. Our own
// writes are filtered out by the SkipNext call in persistLocked.
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
				s.logger.Error("session db watch error", zap.Error(u.Err))
				continue
			}
			if u.Lost > 0 {
				s.logger.Warn("session db watch overflow, forcing re-read",
					zap.Uint64("lost", u.Lost))
			}
			s.logger.Info("session db changed externally, re-reading")
			s.mu.Lock()
			if err := s.readAndReplaceLocked(); err != nil {
				// Keep the previous snapshot on a transient error.
				s.logger.Error("session db re-read failed, keeping previous state", zap.Error(err))
			}
			s.mu.Unlock()
		}
	}
}

func generateToken() ([]byte, error) {
	token := make([]byte, RefreshTokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("sessionstore: generating refresh token: %w", err)
	}
	return token, nil
}
