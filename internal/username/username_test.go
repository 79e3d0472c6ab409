package username_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notekeep-io/notekeep/internal/username"
)

func TestParse(t *testing.T) {
	valid := []string{
		"alice",
		"Bob",
		"user_42",
		"a",
		"first.last",
		"with-dash",
		strings.Repeat("x", 64),
	}
	for _, name := range valid {
		t.Run("valid/"+name, func(t *testing.T) {
			u, err := username.Parse(name)
			require.NoError(t, err)
			assert.Equal(t, name, u.String())
		})
	}

	invalid := map[string]string{
		"empty":        "",
		"too long":     strings.Repeat("x", 65),
		"space":        "ali ce",
		"slash":        "ali/ce",
		"dotdot start": "..alice",
		"dash start":   "-alice",
		"unicode":      "ålice",
		"newline":      "alice\n",
	}
	for label, name := range invalid {
		t.Run("invalid/"+label, func(t *testing.T) {
			_, err := username.Parse(name)
			assert.ErrorIs(t, err, username.ErrInvalid)
		})
	}
}

func TestUnmarshalTextValidates(t *testing.T) {
	var u username.Username
	require.NoError(t, u.UnmarshalText([]byte("alice")))
	assert.Equal(t, username.Username("alice"), u)

	assert.ErrorIs(t, u.UnmarshalText([]byte("no spaces")), username.ErrInvalid)
}
