package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	ctrSaltSize = 32
	ctrIVSize   = aes.BlockSize // 16 bytes
	ctrMacSize  = sha256.Size   // 32 bytes
	ctrMinSize  = ctrSaltSize + ctrIVSize + ctrMacSize
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrInvalidMAC         = errors.New("crypto: message authentication failed")
	errEmptyKey           = errors.New("crypto: empty key")
)

// sealCTRHMAC applies encrypt-then-MAC using AES-CTR for confidentiality and
// HMAC-SHA256 for integrity. Subkeys are expanded from key with HKDF-SHA256
// over a per-message random salt baked into the output. Layout:
// [salt||iv||ciphertext||mac].
func sealCTRHMAC(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errEmptyKey
	}

	salt := make([]byte, ctrSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "cannot generate salt")
	}

	encKey, macKey, err := deriveCTRKeys(key, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	defer Zero(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create aes block cipher")
	}

	iv := make([]byte, ctrIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "cannot generate iv")
	}

	ct := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ct, plaintext)

	tag := computeMAC(macKey, aad, iv, ct)

	out := make([]byte, 0, ctrSaltSize+ctrIVSize+len(ct)+ctrMacSize)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// openCTRHMAC authenticates and decrypts data produced by sealCTRHMAC. The MAC
// is checked before any byte is decrypted.
func openCTRHMAC(key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < ctrMinSize {
		return nil, ErrCiphertextTooShort
	}
	if len(key) == 0 {
		return nil, errEmptyKey
	}

	salt := ciphertext[:ctrSaltSize]
	iv := ciphertext[ctrSaltSize : ctrSaltSize+ctrIVSize]
	macStart := len(ciphertext) - ctrMacSize
	body := ciphertext[ctrSaltSize+ctrIVSize : macStart]
	tag := ciphertext[macStart:]

	encKey, macKey, err := deriveCTRKeys(key, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	defer Zero(macKey)

	expected := computeMAC(macKey, aad, iv, body)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, ErrInvalidMAC
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create aes block cipher")
	}

	pt := make([]byte, len(body))
	cipher.NewCTR(block, iv).XORKeyStream(pt, body)
	return pt, nil
}

func deriveCTRKeys(key, salt []byte) (encKey, macKey []byte, err error) {
	stream := hkdf.New(sha256.New, key, salt, []byte("payload-persist/envelope/ctr-hmac/v1"))
	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err = io.ReadFull(stream, encKey); err != nil {
		return nil, nil, errors.Wrap(err, "cannot expand encryption key")
	}
	if _, err = io.ReadFull(stream, macKey); err != nil {
		return nil, nil, errors.Wrap(err, "cannot expand mac key")
	}
	return encKey, macKey, nil
}

func computeMAC(macKey, aad, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	if len(aad) > 0 {
		mac.Write(aad)
	}
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}
