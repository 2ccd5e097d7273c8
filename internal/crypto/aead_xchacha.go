package crypto

import (
	"crypto/rand"

	"github.com/pkg/errors"
	xchacha "golang.org/x/crypto/chacha20poly1305"
)

// sealXChaCha encrypts plaintext with XChaCha20-Poly1305 under a fresh random
// nonce. Layout: [nonce||ciphertext||tag].
func sealXChaCha(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create xchacha20-poly1305 cipher")
	}
	nonce := make([]byte, xchacha.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "cannot generate nonce")
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

func openXChaCha(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create xchacha20-poly1305 cipher")
	}
	if len(ciphertext) < xchacha.NonceSizeX+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce := ciphertext[:xchacha.NonceSizeX]
	ct := ciphertext[xchacha.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
