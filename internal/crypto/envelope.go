package crypto

import (
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/pkg/errors"
)

// Cipher suites understood by the envelope.
const (
	SuiteXChaCha20Poly1305 = "xchacha20-poly1305"
	SuiteAES256CTRHMAC     = "aes256-ctr-hmac-sha256"
)

const (
	armorType       = "VAULT MESSAGE"
	envelopeVersion = "1"

	hdrVersion = "Version"
	hdrCipher  = "Cipher"
	hdrKDF     = "KDF"
	hdrSalt    = "Salt"
)

var (
	ErrEncryption      = errors.New("crypto: encryption failed")
	ErrDecryption      = errors.New("crypto: decryption failed")
	ErrEmptyPassphrase = errors.New("crypto: empty passphrase")
)

// CipherError reports an envelope failure together with the status the
// underlying cipher gave. It unwraps to ErrEncryption or ErrDecryption and,
// when set, to Err.
type CipherError struct {
	Kind   error
	Status string
	Err    error
}

func (e *CipherError) Error() string { return e.Kind.Error() + ": " + e.Status }

func (e *CipherError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func sealFailed(status string) error { return &CipherError{Kind: ErrEncryption, Status: status} }
func openFailed(status string) error { return &CipherError{Kind: ErrDecryption, Status: status} }

// Envelope seals text under a passphrase into ASCII armor that carries
// everything needed to open it again except the passphrase itself:
//
//	-----BEGIN VAULT MESSAGE-----
//	Cipher: xchacha20-poly1305
//	KDF: argon2id:m=65536,t=3,p=4
//	Salt: <base64>
//	Version: 1
//
//	<base64 ciphertext>
//	-----END VAULT MESSAGE-----
//
// The headers are bound to the ciphertext as associated data, so editing any
// of them makes Open fail.
type Envelope struct {
	kdf   KDFParams
	suite string
}

type EnvelopeOption func(*Envelope)

// WithCost overrides the argon2id cost used by Seal.
func WithCost(memoryKiB, time uint32, threads uint8) EnvelopeOption {
	return func(e *Envelope) {
		e.kdf.M, e.kdf.T, e.kdf.P = memoryKiB, time, threads
	}
}

// WithSuite selects the cipher suite used by Seal. Open accepts every suite.
func WithSuite(suite string) EnvelopeOption {
	return func(e *Envelope) { e.suite = suite }
}

func NewEnvelope(opts ...EnvelopeOption) *Envelope {
	e := &Envelope{kdf: DefaultEnvelopeKDF(), suite: SuiteXChaCha20Poly1305}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seal encrypts plaintext under passphrase.
func (e *Envelope) Seal(plaintext []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", &CipherError{Kind: ErrEncryption, Status: "empty passphrase", Err: ErrEmptyPassphrase}
	}
	if err := e.kdf.validate(); err != nil {
		return "", sealFailed(err.Error())
	}
	seal, ok := sealers[e.suite]
	if !ok {
		return "", sealFailed("unsupported cipher suite " + e.suite)
	}

	kdf, err := e.kdf.withFreshSalt()
	if err != nil {
		return "", sealFailed(err.Error())
	}

	headers := map[string]string{
		hdrVersion: envelopeVersion,
		hdrCipher:  e.suite,
		hdrKDF:     kdf.Label(),
		hdrSalt:    base64.StdEncoding.EncodeToString(kdf.Salt),
	}

	var body []byte
	err = useKey(DeriveKey([]byte(passphrase), kdf), func(key []byte) error {
		var err error
		body, err = seal(key, plaintext, associatedData(headers))
		return err
	})
	if err != nil {
		return "", sealFailed(err.Error())
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: armorType, Headers: headers, Bytes: body})), nil
}

// Open reverses Seal. On any failure no plaintext is returned.
func (e *Envelope) Open(blob, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, &CipherError{Kind: ErrDecryption, Status: "empty passphrase", Err: ErrEmptyPassphrase}
	}
	block, rest := pem.Decode([]byte(strings.TrimSpace(blob)))
	if block == nil || block.Type != armorType {
		return nil, openFailed("no armored message found")
	}
	if len(strings.TrimSpace(string(rest))) != 0 {
		return nil, openFailed("trailing data after armored message")
	}
	if block.Headers[hdrVersion] != envelopeVersion {
		return nil, openFailed("unsupported envelope version " + block.Headers[hdrVersion])
	}
	open, ok := openers[block.Headers[hdrCipher]]
	if !ok {
		return nil, openFailed("unsupported cipher suite " + block.Headers[hdrCipher])
	}
	kdf, err := ParseKDFLabel(block.Headers[hdrKDF])
	if err != nil {
		return nil, openFailed(err.Error())
	}
	kdf.Salt, err = base64.StdEncoding.DecodeString(block.Headers[hdrSalt])
	if err != nil || len(kdf.Salt) < 16 {
		return nil, openFailed("malformed salt")
	}

	var pt []byte
	err = useKey(DeriveKey([]byte(passphrase), kdf), func(key []byte) error {
		var err error
		pt, err = open(key, block.Bytes, associatedData(block.Headers))
		return err
	})
	if err != nil {
		return nil, openFailed("bad passphrase or corrupt message")
	}
	return pt, nil
}

type cipherFunc func(key, in, aad []byte) ([]byte, error)

var (
	sealers = map[string]cipherFunc{
		SuiteXChaCha20Poly1305: sealXChaCha,
		SuiteAES256CTRHMAC:     sealCTRHMAC,
	}
	openers = map[string]cipherFunc{
		SuiteXChaCha20Poly1305: openXChaCha,
		SuiteAES256CTRHMAC:     openCTRHMAC,
	}
)

func associatedData(h map[string]string) []byte {
	return []byte(strings.Join([]string{
		"payload-persist/envelope",
		h[hdrVersion], h[hdrCipher], h[hdrKDF], h[hdrSalt],
	}, "|"))
}
