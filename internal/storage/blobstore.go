package storage

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// BlobStore persists opaque byte blobs under slash-separated keys such as
// "alice/github/secret.json". Put overwrites any previous value in full.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys that start with prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Key joins segments into a blob key. Every segment must be a single
// non-empty path element, so a user or application name can never escape its
// own subtree.
func Key(segments ...string) (string, error) {
	for _, s := range segments {
		if err := validSegment(s); err != nil {
			return "", err
		}
	}
	return strings.Join(segments, "/"), nil
}

func validSegment(s string) error {
	switch {
	case s == "":
		return errors.Wrap(ErrInvalidKey, "empty segment")
	case s == "." || s == "..":
		return errors.Wrapf(ErrInvalidKey, "segment %q", s)
	case strings.ContainsAny(s, "/\\\x00"):
		return errors.Wrapf(ErrInvalidKey, "segment %q contains a separator", s)
	}
	return nil
}

func validKey(key string) error {
	if key == "" {
		return errors.Wrap(ErrInvalidKey, "empty key")
	}
	for _, s := range strings.Split(key, "/") {
		if err := validSegment(s); err != nil {
			return err
		}
	}
	return nil
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Options selects and configures a BlobStore backend.
type Options struct {
	Backend         string
	Dir             string
	SQLitePath      string
	MongoURI        string
	MongoDB         string
	MongoCollection string
}

// Open builds the backend named by o.Backend.
func Open(ctx context.Context, o Options) (BlobStore, error) {
	switch strings.ToLower(o.Backend) {
	case "", BackendFile:
		fs, err := NewFileBlobStore(o.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case BackendSQLite:
		db, err := NewSQLiteBlobStore(ctx, o.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendMongo:
		m, err := NewMongoBlobStore(ctx, o.MongoURI, o.MongoDB, o.MongoCollection)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", o.Backend)
	}
}
