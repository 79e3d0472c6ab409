// Package hasher implements peppered Argon2id password hashing with
// PHC-formatted hash strings.
//
// The pepper is a process-wide 16-byte secret loaded from a file that only
// the auth sub-daemon can read. Go's argon2 implementation does not expose
// the keyed-secret input, so the pepper is applied as an HMAC-SHA256
// pre-hash of the password before key derivation; disclosure of the user
// database alone is still insufficient for an offline attack.
package hasher

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/notekeep-io/notekeep/internal/secrets"
)

// PepperSize is the decoded pepper length in bytes.
const PepperSize = 16

const saltSize = 16

// Params are the Argon2id cost parameters carried in every generated hash.
// Verification always uses the parameters encoded in the hash itself.
type Params struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultParams mirrors the second recommended OWASP configuration:
// 19 MiB memory, two passes, one lane.
var DefaultParams = Params{
	Memory:  19 * 1024,
	Time:    2,
	Threads: 1,
	KeyLen:  32,
}

var (
	// ErrMalformedHash is returned when a stored hash is not a valid
	// argon2id PHC string.
	ErrMalformedHash = errors.New("hasher: malformed password hash")

	// ErrUnsupportedHash is returned when a stored hash uses an algorithm
	// or version other than argon2id v19.
	ErrUnsupportedHash = errors.New("hasher: unsupported hash algorithm or version")

	// ErrPepperDecode is returned when the pepper file does not contain
	// base64 of exactly PepperSize bytes.
	ErrPepperDecode = errors.New("hasher: failed to decode pepper")
)

// PHC is a parsed argon2id hash string. The raw string is kept so the hash
// round-trips through the user database byte for byte.
type PHC struct {
	Raw    string
	Params Params
	Salt   []byte
	Digest []byte
}

// b64 is the PHC base64 variant: standard alphabet, no padding.
var b64 = base64.RawStdEncoding

// ParsePHC parses a PHC-formatted argon2id hash string.
func ParsePHC(s string) (PHC, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[0] != "" {
		return PHC{}, fmt.Errorf("%w: %d fields", ErrMalformedHash, len(parts))
	}
	if parts[1] != "argon2id" {
		return PHC{}, fmt.Errorf("%w: algorithm %q", ErrUnsupportedHash, parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return PHC{}, fmt.Errorf("%w: bad version field", ErrMalformedHash)
	}
	if version != argon2.Version {
		return PHC{}, fmt.Errorf("%w: version %d", ErrUnsupportedHash, version)
	}
	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return PHC{}, fmt.Errorf("%w: bad parameter field", ErrMalformedHash)
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return PHC{}, fmt.Errorf("%w: bad salt: %v", ErrMalformedHash, err)
	}
	digest, err := b64.DecodeString(parts[5])
	if err != nil {
		return PHC{}, fmt.Errorf("%w: bad digest: %v", ErrMalformedHash, err)
	}
	if len(salt) == 0 || len(digest) == 0 {
		return PHC{}, fmt.Errorf("%w: empty salt or digest", ErrMalformedHash)
	}
	p.KeyLen = uint32(len(digest))
	return PHC{Raw: s, Params: p, Salt: salt, Digest: digest}, nil
}

func formatPHC(p Params, salt, digest []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		b64.EncodeToString(salt), b64.EncodeToString(digest))
}

// Hasher hashes and verifies passwords. Safe for concurrent use.
type Hasher struct {
	params Params
	pepper []byte
}

// New creates a Hasher with the given parameters and the pepper loaded
// from pepperPath. The pepper file must be owner-read-only.
func New(params Params, pepperPath string) (*Hasher, error) {
	if err := secrets.CheckFileRO(pepperPath); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(pepperPath)
	if err != nil {
		return nil, fmt.Errorf("hasher: reading pepper: %w", err)
	}
	pepper, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPepperDecode, err)
	}
	if len(pepper) != PepperSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrPepperDecode, len(pepper), PepperSize)
	}
	return &Hasher{params: params, pepper: pepper}, nil
}

// NewWithPepper creates a Hasher from an in-memory pepper. Used by tests.
func NewWithPepper(params Params, pepper []byte) (*Hasher, error) {
	if len(pepper) != PepperSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrPepperDecode, len(pepper), PepperSize)
	}
	return &Hasher{params: params, pepper: pepper}, nil
}

// Generate hashes password with a fresh random salt and returns the PHC
// string to store in the user database.
func (h *Hasher) Generate(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("hasher: generating salt: %w", err)
	}
	digest := h.deriveKey(password, salt, h.params)
	return formatPHC(h.params, salt, digest), nil
}

// Verify checks password against a stored PHC hash. It returns
// (false, nil) only on a digest mismatch; a hash that cannot be parsed or
// uses unsupported parameters is an error.
//
// Key derivation is CPU- and memory-bound; callers on a latency-sensitive
// path must run Verify on its own goroutine.
func (h *Hasher) Verify(phc, password string) (bool, error) {
	parsed, err := ParsePHC(phc)
	if err != nil {
		return false, err
	}
	derived := h.deriveKey(password, parsed.Salt, parsed.Params)
	return subtle.ConstantTimeCompare(derived, parsed.Digest) == 1, nil
}

func (h *Hasher) deriveKey(password string, salt []byte, p Params) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	peppered := mac.Sum(nil)
	return argon2.IDKey(peppered, salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}
