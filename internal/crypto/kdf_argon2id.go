package crypto

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	kdfAlgoArgon2id = "argon2id"
	kdfKeyLen       = 32
	kdfSaltLen      = 32

	// Upper bounds accepted when parsing a label out of an untrusted envelope.
	maxKDFMemory  = 256 * 1024 // KiB, four times the default
	maxKDFTime    = 8
	maxKDFThreads = 16
)

var ErrInvalidKDF = errors.New("crypto: invalid kdf parameters")

// KDFParams describes an argon2id derivation. M is in KiB.
type KDFParams struct {
	M    uint32
	T    uint32
	P    uint8
	Salt []byte
}

func DefaultEnvelopeKDF() KDFParams {
	return KDFParams{M: 64 * 1024, T: 3, P: 4}
}

// withFreshSalt returns a copy of p carrying a new random salt.
func (p KDFParams) withFreshSalt() (KDFParams, error) {
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return p, errors.Wrap(err, "cannot generate kdf salt")
	}
	p.Salt = salt
	return p, nil
}

// Label identifies the algorithm and cost, e.g. "argon2id:m=65536,t=3,p=4".
func (p KDFParams) Label() string {
	return fmt.Sprintf("%s:m=%d,t=%d,p=%d", kdfAlgoArgon2id, p.M, p.T, p.P)
}

func (p KDFParams) validate() error {
	switch {
	case p.P == 0 || p.P > maxKDFThreads:
		return errors.Wrapf(ErrInvalidKDF, "parallelism %d", p.P)
	case p.T == 0 || p.T > maxKDFTime:
		return errors.Wrapf(ErrInvalidKDF, "time %d", p.T)
	case p.M < 8*uint32(p.P) || p.M > maxKDFMemory:
		return errors.Wrapf(ErrInvalidKDF, "memory %d", p.M)
	}
	return nil
}

// ParseKDFLabel is the inverse of Label. The salt is not part of the label.
func ParseKDFLabel(label string) (KDFParams, error) {
	var p KDFParams
	prefix := kdfAlgoArgon2id + ":"
	if !strings.HasPrefix(label, prefix) {
		return p, errors.Wrapf(ErrInvalidKDF, "unsupported kdf %q", label)
	}
	if _, err := fmt.Sscanf(label[len(prefix):], "m=%d,t=%d,p=%d", &p.M, &p.T, &p.P); err != nil {
		return p, errors.Wrapf(ErrInvalidKDF, "malformed label %q", label)
	}
	if err := p.validate(); err != nil {
		return p, err
	}
	return p, nil
}

// DeriveKey stretches passphrase into a 32-byte key. The caller owns the
// returned slice and should Zero it after use.
func DeriveKey(passphrase []byte, p KDFParams) []byte {
	return argon2.IDKey(passphrase, p.Salt, p.T, p.M, p.P, kdfKeyLen)
}
