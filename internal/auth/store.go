package auth

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"payload-persist/internal/keylock"
	"payload-persist/internal/storage"
)

const credentialFile = "auth.json"

// Store keeps one Credential per user at "<username>/auth.json" and
// implements trust-on-first-use registration.
type Store struct {
	blobs  storage.BlobStore
	params Params
	locks  *keylock.Locker
	log    logrus.FieldLogger
}

type Option func(*Store)

// WithParams sets the derivation used for newly registered users. Existing
// records keep verifying under the method they were written with.
func WithParams(p Params) Option {
	return func(s *Store) { s.params = p }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

func NewStore(blobs storage.BlobStore, opts ...Option) *Store {
	s := &Store{
		blobs:  blobs,
		params: DefaultPBKDF2,
		locks:  keylock.New(),
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "auth")
	return s
}

func credentialKey(username string) (string, error) {
	return storage.Key(username, credentialFile)
}

// RegisterOrVerify registers username with password when no credential
// exists yet and reports true. Otherwise it reports whether password matches
// the stored credential. A malformed credential is never overwritten.
func (s *Store) RegisterOrVerify(ctx context.Context, username, password string) (bool, error) {
	key, err := credentialKey(username)
	if err != nil {
		return false, err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	raw, err := s.blobs.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.register(ctx, key, username, password)
	case err != nil:
		return false, errors.Wrapf(err, "read credential of %q", username)
	}
	return s.check(username, raw, password), nil
}

// Verify reports whether password matches the stored credential. An unknown
// user is not an error.
func (s *Store) Verify(ctx context.Context, username, password string) (bool, error) {
	key, err := credentialKey(username)
	if err != nil {
		return false, err
	}
	raw, err := s.blobs.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read credential of %q", username)
	}
	return s.check(username, raw, password), nil
}

func (s *Store) register(ctx context.Context, key, username, password string) (bool, error) {
	cred, err := HashPassword(s.params, password)
	if err != nil {
		return false, err
	}
	b, err := storage.EncodeJSON(cred)
	if err != nil {
		return false, errors.Wrap(err, "encode credential")
	}
	if err := s.blobs.Put(ctx, key, b); err != nil {
		return false, errors.Wrapf(err, "write credential of %q", username)
	}
	s.log.WithFields(logrus.Fields{"user": username, "method": cred.Method}).Info("registered user")
	return true, nil
}

func (s *Store) check(username string, raw []byte, password string) bool {
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		s.log.WithField("user", username).WithError(err).Warn("malformed credential record")
		return false
	}
	ok, err := VerifyPassword(password, cred)
	if err != nil {
		s.log.WithField("user", username).WithError(err).Warn("unusable credential record")
		return false
	}
	return ok
}
