// Package vault persists encrypted secret records per user and application,
// gated by the credential store.
package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"payload-persist/internal/auth"
	"payload-persist/internal/keylock"
	"payload-persist/internal/storage"
)

const (
	recordFile  = "secret.json"
	historyDir  = "history"
	historyTime = "20060102-150405"
)

var ErrNotFound = errors.New("vault: no record")

// Authenticator gates every repository operation.
type Authenticator interface {
	RegisterOrVerify(ctx context.Context, username, password string) (bool, error)
	Verify(ctx context.Context, username, password string) (bool, error)
}

type Repository struct {
	auth        Authenticator
	blobs       storage.BlobStore
	locks       *keylock.Locker
	keepHistory bool
	now         func() time.Time
	log         logrus.FieldLogger
}

type Option func(*Repository)

// WithHistory keeps a copy of each overwritten record under
// "<user>/<app>/history/".
func WithHistory(keep bool) Option {
	return func(r *Repository) { r.keepHistory = keep }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Repository) { r.log = l }
}

func New(authn Authenticator, blobs storage.BlobStore, opts ...Option) *Repository {
	r := &Repository{
		auth:  authn,
		blobs: blobs,
		locks: keylock.New(),
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "vault")
	return r
}

func recordKey(username, app string) (string, error) {
	if app == "auth.json" {
		return "", errors.Wrap(storage.ErrInvalidKey, "app name collides with the credential file")
	}
	return storage.Key(username, app, recordFile)
}

// Put registers or authenticates username and then replaces the record for
// app. It returns the storage key the record was written to.
func (r *Repository) Put(ctx context.Context, username, password, app string, rec Record) (string, error) {
	key, err := recordKey(username, app)
	if err != nil {
		return "", err
	}
	ok, err := r.auth.RegisterOrVerify(ctx, username, password)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", auth.ErrAuthFailed
	}

	b, err := rec.encode()
	if err != nil {
		return "", err
	}

	unlock := r.locks.Lock(key)
	defer unlock()

	if r.keepHistory {
		if err := r.snapshot(ctx, username, app, key); err != nil {
			return "", err
		}
	}
	if err := r.blobs.Put(ctx, key, b); err != nil {
		return "", errors.Wrapf(err, "store record %q", key)
	}
	r.log.WithFields(logrus.Fields{"user": username, "app": app}).Debug("stored record")
	return key, nil
}

// Get returns the stored record bytes exactly as written. Authentication
// failure hides whether the record exists.
func (r *Repository) Get(ctx context.Context, username, password, app string) ([]byte, error) {
	key, err := recordKey(username, app)
	if err != nil {
		return nil, err
	}
	if err := r.verify(ctx, username, password); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(key)
	defer unlock()

	b, err := r.blobs.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load record %q", key)
	}
	return b, nil
}

// History lists the keys of earlier records for app, oldest first.
func (r *Repository) History(ctx context.Context, username, password, app string) ([]string, error) {
	if _, err := recordKey(username, app); err != nil {
		return nil, err
	}
	if err := r.verify(ctx, username, password); err != nil {
		return nil, err
	}
	prefix, err := storage.Key(username, app, historyDir)
	if err != nil {
		return nil, err
	}
	return r.blobs.List(ctx, prefix+"/")
}

func (r *Repository) verify(ctx context.Context, username, password string) error {
	ok, err := r.auth.Verify(ctx, username, password)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrAuthFailed
	}
	return nil
}

// snapshot copies the current record, if any, into the history directory.
// Caller holds the record lock.
func (r *Repository) snapshot(ctx context.Context, username, app, key string) error {
	prev, err := r.blobs.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load record %q", key)
	}

	stamp := r.now().Format(historyTime)
	for i := 1; ; i++ {
		name := "secret-" + stamp + ".json"
		if i > 1 {
			name = fmt.Sprintf("secret-%s_%02d.json", stamp, i)
		}
		hkey, err := storage.Key(username, app, historyDir, name)
		if err != nil {
			return err
		}
		_, err = r.blobs.Get(ctx, hkey)
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Wrapf(r.blobs.Put(ctx, hkey, prev), "snapshot %q", hkey)
		}
		if err != nil {
			return errors.Wrapf(err, "probe %q", hkey)
		}
	}
}
