package userdb_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notekeep-io/notekeep/internal/hasher"
	"github.com/notekeep-io/notekeep/internal/userdb"
	"github.com/notekeep-io/notekeep/internal/username"
	"github.com/notekeep-io/notekeep/internal/watcher"
)

var testParams = hasher.Params{Memory: 64, Time: 1, Threads: 1, KeyLen: 32}

func newTestHasher(t *testing.T) *hasher.Hasher {
	t.Helper()
	h, err := hasher.NewWithPepper(testParams, []byte("0123456789abcdef"))
	require.NoError(t, err)
	return h
}

func userStanza(t *testing.T, h *hasher.Hasher, name, password string) string {
	t.Helper()
	phc, err := h.Generate(password)
	require.NoError(t, err)
	return fmt.Sprintf("[[user]]\nusername = %q\nhash = %q\n\n", name, phc)
}

// writeUserDB (re)writes the database with owner-read-only permissions,
// temporarily lifting them when the file already exists.
func writeUserDB(t *testing.T, path, content string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		require.NoError(t, os.Chmod(path, 0o600))
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o400))
	require.NoError(t, os.Chmod(path, 0o400))
}

func openStore(t *testing.T, path string, h *hasher.Hasher) *userdb.Store {
	t.Helper()
	w, err := watcher.New(zaptest.NewLogger(t), 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	s, err := userdb.Open(path, h, w, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestOpenAndCheckCredentials(t *testing.T) {
	h := newTestHasher(t)
	path := filepath.Join(t.TempDir(), "users.toml")
	writeUserDB(t, path, userStanza(t, h, "alice", "hunter2")+userStanza(t, h, "bob", "swordfish"))

	s := openStore(t, path, h)

	u, ok := s.Get(username.Username("alice"))
	require.True(t, ok)
	assert.Equal(t, username.Username("alice"), u.Name)

	ok, err := s.CheckCredentials("alice", "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckCredentials("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown user: no error, no hashing.
	ok, err = s.CheckCredentials("mallory", "hunter2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenRejectsPermissiveFile(t *testing.T) {
	h := newTestHasher(t)
	path := filepath.Join(t.TempDir(), "users.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	require.NoError(t, os.Chmod(path, 0o644))

	w, err := watcher.New(zaptest.NewLogger(t), 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	_, err = userdb.Open(path, h, w, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestOpenRejectsBadHash(t *testing.T) {
	h := newTestHasher(t)
	path := filepath.Join(t.TempDir(), "users.toml")
	writeUserDB(t, path, "[[user]]\nusername = \"alice\"\nhash = \"not-a-phc-string\"\n")

	w, err := watcher.New(zaptest.NewLogger(t), 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	_, err = userdb.Open(path, h, w, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, hasher.ErrMalformedHash)
}

func TestOpenRejectsDuplicateUser(t *testing.T) {
	h := newTestHasher(t)
	path := filepath.Join(t.TempDir(), "users.toml")
	writeUserDB(t, path, userStanza(t, h, "alice", "one")+userStanza(t, h, "alice", "two"))

	w, err := watcher.New(zaptest.NewLogger(t), 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	_, err = userdb.Open(path, h, w, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, userdb.ErrDuplicateUser)
}

func TestReloadOnExternalChange(t *testing.T) {
	h := newTestHasher(t)
	path := filepath.Join(t.TempDir(), "users.toml")
	writeUserDB(t, path, userStanza(t, h, "alice", "hunter2"))

	s := openStore(t, path, h)

	// Replace alice with carol; the store must converge on the new content.
	writeUserDB(t, path, userStanza(t, h, "carol", "letmein"))

	require.Eventually(t, func() bool {
		_, hasCarol := s.Get("carol")
		_, hasAlice := s.Get("alice")
		return hasCarol && !hasAlice
	}, 5*time.Second, 20*time.Millisecond)

	ok, err := s.CheckCredentials("carol", "letmein")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReloadKeepsStateOnParseError(t *testing.T) {
	h := newTestHasher(t)
	path := filepath.Join(t.TempDir(), "users.toml")
	writeUserDB(t, path, userStanza(t, h, "alice", "hunter2"))

	s := openStore(t, path, h)

	writeUserDB(t, path, "[[user]\nthis is not toml")

	// Give the debounced reload time to run, then confirm the previous
	// snapshot is still being served.
	time.Sleep(500 * time.Millisecond)
	ok, err := s.CheckCredentials("alice", "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)
}
