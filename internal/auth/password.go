package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	AlgoPBKDF2   = "pbkdf2"
	AlgoArgon2id = "argon2id"

	maxPBKDF2Iterations = 10_000_000
	maxArgonMemory      = 1024 * 1024 // KiB
)

// Params selects a password key-derivation function and its cost.
type Params struct {
	Algorithm   string
	Iterations  int    // pbkdf2
	Memory      uint32 // argon2id, in KiB (e.g., 64*1024)
	Time        uint32 // argon2id iterations
	Parallelism uint8  // argon2id
	SaltLen     int
	KeyLen      int
}

// DefaultPBKDF2 is the derivation used for new users unless configured otherwise.
var DefaultPBKDF2 = Params{
	Algorithm:  AlgoPBKDF2,
	Iterations: 100_000,
	SaltLen:    16,
	KeyLen:     32,
}

var DefaultArgon = Params{
	Algorithm:   AlgoArgon2id,
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 1,
	SaltLen:     16,
	KeyLen:      32,
}

var ErrInvalidHash = errors.New("invalid password hash")

// Label names the algorithm and its cost so stored records stay verifiable
// after the defaults change: "pbkdf2:sha256:100000" or
// "argon2id:m=65536,t=3,p=1".
func (p Params) Label() string {
	if p.Algorithm == AlgoArgon2id {
		return fmt.Sprintf("argon2id:m=%d,t=%d,p=%d", p.Memory, p.Time, p.Parallelism)
	}
	return fmt.Sprintf("pbkdf2:sha256:%d", p.Iterations)
}

// ParseLabel recovers the derivation parameters from a stored label. Key and
// salt lengths come from the stored values, not the label.
func ParseLabel(label string) (Params, error) {
	var p Params
	switch {
	case strings.HasPrefix(label, "pbkdf2:sha256:"):
		p.Algorithm = AlgoPBKDF2
		if _, err := fmt.Sscanf(label, "pbkdf2:sha256:%d", &p.Iterations); err != nil {
			return p, ErrInvalidHash
		}
		if p.Iterations <= 0 || p.Iterations > maxPBKDF2Iterations {
			return p, ErrInvalidHash
		}
	case strings.HasPrefix(label, "argon2id:"):
		p.Algorithm = AlgoArgon2id
		if _, err := fmt.Sscanf(label, "argon2id:m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Parallelism); err != nil {
			return p, ErrInvalidHash
		}
		if p.Parallelism == 0 || p.Time == 0 || p.Memory < 8*uint32(p.Parallelism) || p.Memory > maxArgonMemory {
			return p, ErrInvalidHash
		}
	default:
		return p, ErrInvalidHash
	}
	if p.Label() != label {
		return p, ErrInvalidHash
	}
	return p, nil
}

func (p Params) derive(password, salt []byte, keyLen int) []byte {
	if p.Algorithm == AlgoArgon2id {
		return argon2.IDKey(password, salt, p.Time, p.Memory, p.Parallelism, uint32(keyLen))
	}
	return pbkdf2.Key(password, salt, p.Iterations, keyLen, sha256.New)
}

// HashPassword derives a key from password under a fresh random salt.
func HashPassword(p Params, password string) (Credential, error) {
	if p.SaltLen < 16 {
		return Credential{}, errors.Errorf("salt length %d is below 16 bytes", p.SaltLen)
	}
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, errors.Wrap(err, "cannot generate salt")
	}
	key := p.derive([]byte(password), salt, p.KeyLen)
	return Credential{
		Hash:   base64.StdEncoding.EncodeToString(key),
		Salt:   base64.StdEncoding.EncodeToString(salt),
		Method: p.Label(),
	}, nil
}

// VerifyPassword re-derives the key with the stored salt and method and
// compares it in constant time. A malformed record yields ErrInvalidHash.
func VerifyPassword(password string, c Credential) (bool, error) {
	p, err := ParseLabel(c.Method)
	if err != nil {
		return false, err
	}
	salt, err := base64.StdEncoding.DecodeString(c.Salt)
	if err != nil || len(salt) == 0 {
		return false, ErrInvalidHash
	}
	keyRef, err := base64.StdEncoding.DecodeString(c.Hash)
	if err != nil || len(keyRef) == 0 {
		return false, ErrInvalidHash
	}

	key := p.derive([]byte(password), salt, len(keyRef))
	return subtle.ConstantTimeCompare(key, keyRef) == 1, nil
}
