package sessionstore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/notekeep-io/notekeep/internal/username"
)

// On-disk layout:
//
//	[[user]]
//	username = "alice"
//
//	  [[user.session]]
//	  session_id = "..."
//	  refresh_token = "base64"
//	  created_at = "RFC 3339"
//	  expires_at = "RFC 3339"
//
// Timestamps are serialized as RFC 3339 strings rather than TOML datetimes
// so serialization is fully under our control and serialize→parse→serialize
// round-trips byte for byte.

type sessionRow struct {
	SessionID    string `toml:"session_id"`
	RefreshToken string `toml:"refresh_token"`
	CreatedAt    string `toml:"created_at"`
	ExpiresAt    string `toml:"expires_at"`
}

type userBucket struct {
	Username username.Username `toml:"username"`
	Sessions []sessionRow      `toml:"session"`
}

type dbData struct {
	Users []userBucket `toml:"user"`
}

func marshalState(byName map[username.Username][]*Session, now time.Time) ([]byte, error) {
	names := make([]username.Username, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var data dbData
	for _, name := range names {
		var rows []sessionRow
		for _, s := range byName[name] {
			if !s.ExpiresAt.Add(gcGrace).After(now) {
				continue // past the grace window: collected on write
			}
			rows = append(rows, sessionRow{
				SessionID:    s.ID.String(),
				RefreshToken: base64.StdEncoding.EncodeToString(s.RefreshToken),
				CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339Nano),
				ExpiresAt:    s.ExpiresAt.UTC().Format(time.RFC3339Nano),
			})
		}
		if len(rows) == 0 {
			continue // a user with no live sessions is not serialized
		}
		data.Users = append(data.Users, userBucket{Username: name, Sessions: rows})
	}

	out, err := toml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: serializing session db: %w", err)
	}
	return out, nil
}

// state is the three-way index rebuilt from disk on every read-back.
type state struct {
	byID    map[uuid.UUID]*Session
	byName  map[username.Username][]*Session
	byToken map[string]*Session
}

func emptyState() state {
	return state{
		byID:    make(map[uuid.UUID]*Session),
		byName:  make(map[username.Username][]*Session),
		byToken: make(map[string]*Session),
	}
}

func parseState(raw []byte) (state, error) {
	st := emptyState()
	if len(bytes.TrimSpace(raw)) == 0 {
		return st, nil
	}

	var data dbData
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return state{}, fmt.Errorf("sessionstore: parsing session db: %w", err)
	}

	for _, bucket := range data.Users {
		for _, row := range bucket.Sessions {
			s, err := parseRow(bucket.Username, row)
			if err != nil {
				return state{}, err
			}
			if _, dup := st.byID[s.ID]; dup {
				return state{}, fmt.Errorf("sessionstore: duplicate session id %s", s.ID)
			}
			if _, dup := st.byToken[string(s.RefreshToken)]; dup {
				return state{}, fmt.Errorf("sessionstore: duplicate refresh token for session %s", s.ID)
			}
			st.byID[s.ID] = s
			st.byToken[string(s.RefreshToken)] = s
			st.byName[s.Username] = append(st.byName[s.Username], s)
		}
	}
	return st, nil
}

func parseRow(name username.Username, row sessionRow) (*Session, error) {
	id, err := uuid.Parse(row.SessionID)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: invalid session id %q: %w", row.SessionID, err)
	}
	tok, err := base64.StdEncoding.DecodeString(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: session %s: invalid refresh token: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: session %s: invalid created_at: %w", id, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, row.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: session %s: invalid expires_at: %w", id, err)
	}
	return &Session{
		ID:           id,
		Username:     name,
		RefreshToken: tok,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	}, nil
}
