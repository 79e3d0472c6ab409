// Package token issues and verifies the EdDSA access tokens exchanged
// between the front end and its clients.
//
// The key pair is split across the process boundary: only the auth
// sub-daemon loads the private JWK (Issuer), the front end loads the
// public JWK (Verifier). Tokens are compact JWS with claims
// sub/nbf/exp/session_id.
//
// The Verifier checks the signature and claim presence only — it does NOT
// reject on time. Callers classify a decoded token as valid or expired via
// Data.StateAt, so clock handling lives in exactly one place.
package token

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/notekeep-io/notekeep/internal/secrets"
	"github.com/notekeep-io/notekeep/internal/username"
)

// sessionIDClaim is the custom JWT claim carrying the session UUID.
const sessionIDClaim = "session_id"

var (
	// ErrInvalidToken is returned when a token cannot be parsed or its
	// signature does not verify.
	ErrInvalidToken = errors.New("token: invalid access token")

	// ErrClaimMissing is returned when a verified token lacks one of the
	// four required claims.
	ErrClaimMissing = errors.New("token: missing claim")

	// ErrNotEd25519 is returned when a loaded JWK does not hold an
	// Ed25519 key.
	ErrNotEd25519 = errors.New("token: JWK does not contain an Ed25519 key")
)

// State classifies a decoded token against a point in time.
type State int

const (
	// StateValid means not_before <= now < expires_at.
	StateValid State = iota
	// StateExpired means the token is outside its validity window.
	StateExpired
)

// Data is the decoded content of a verified access token. It is transient:
// tokens are stateless and never persisted.
type Data struct {
	SessionID uuid.UUID
	Username  username.Username
	NotBefore time.Time
	ExpiresAt time.Time
}

// StateAt classifies the token window against now.
func (d Data) StateAt(now time.Time) State {
	if d.NotBefore.After(now) || !now.Before(d.ExpiresAt) {
		return StateExpired
	}
	return StateValid
}

type claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id,omitempty"`
}

// Issuer signs access tokens with the private Ed25519 key.
type Issuer struct {
	key ed25519.PrivateKey
}

// NewIssuer loads the private JWK from path. The file must be readable
// only by its owner.
func NewIssuer(path string) (*Issuer, error) {
	if err := secrets.CheckFileRW(path); err != nil {
		return nil, err
	}
	key, err := loadJWK(path)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotEd25519, path)
	}
	return &Issuer{key: priv}, nil
}

// Issue signs a token binding the session to the user for the given
// validity window.
func (i *Issuer) Issue(sessionID uuid.UUID, user username.Username, notBefore, expiresAt time.Time) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.String(),
			NotBefore: jwt.NewNumericDate(notBefore),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID.String(),
	})
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("token: signing access token: %w", err)
	}
	return signed, nil
}

// Verifier checks access-token signatures with the public Ed25519 key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier loads the public JWK from path.
func NewVerifier(path string) (*Verifier, error) {
	key, err := loadJWK(path)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		if priv, isPriv := key.(ed25519.PrivateKey); isPriv {
			// Tolerate a private JWK here: tests and single-process
			// setups point both sides at one file.
			pub = priv.Public().(ed25519.PublicKey)
		} else {
			return nil, fmt.Errorf("%w: %s", ErrNotEd25519, path)
		}
	}
	return &Verifier{key: pub}, nil
}

// Verify checks the signature and claim presence and returns the decoded
// token data. Expiry is deliberately not enforced here; use Data.StateAt.
func (v *Verifier) Verify(compact string) (Data, error) {
	var c claims
	_, err := jwt.ParseWithClaims(compact, &c,
		func(t *jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if c.Subject == "" {
		return Data{}, fmt.Errorf("%w: sub", ErrClaimMissing)
	}
	if c.NotBefore == nil {
		return Data{}, fmt.Errorf("%w: nbf", ErrClaimMissing)
	}
	if c.ExpiresAt == nil {
		return Data{}, fmt.Errorf("%w: exp", ErrClaimMissing)
	}
	if c.SessionID == "" {
		return Data{}, fmt.Errorf("%w: %s", ErrClaimMissing, sessionIDClaim)
	}

	user, err := username.Parse(c.Subject)
	if err != nil {
		return Data{}, fmt.Errorf("token: invalid subject: %w", err)
	}
	sid, err := uuid.Parse(c.SessionID)
	if err != nil {
		return Data{}, fmt.Errorf("token: invalid session_id: %w", err)
	}
	return Data{
		SessionID: sid,
		Username:  user,
		NotBefore: c.NotBefore.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// loadJWK reads a JSON Web Key file and returns the contained key.
func loadJWK(path string) (any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("token: reading JWK %s: %w", path, err)
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("token: parsing JWK %s: %w", path, err)
	}
	if !jwk.Valid() {
		return nil, fmt.Errorf("token: JWK %s failed validation", path)
	}
	return jwk.Key, nil
}
