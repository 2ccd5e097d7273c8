package storage

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// FileBlobStore maps keys onto a directory tree rooted at dir: the key
// "alice/github/secret.json" lives at <dir>/alice/github/secret.json.
type FileBlobStore struct{ dir string }

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "cannot create store directory %q", dir)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (f *FileBlobStore) Dir() string { return f.dir }

func (f *FileBlobStore) path(key string) string {
	return filepath.Join(f.dir, filepath.FromSlash(key))
}

// Put writes through a temporary file and a rename so readers observe either
// the old or the new content, never a mix.
func (f *FileBlobStore) Put(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	p := f.path(key)
	// MkdirAll treats an existing directory as success, which absorbs races
	// between writers creating the same parent.
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return errors.Wrapf(err, "cannot create directory for %q", key)
	}
	if err := atomic.WriteFile(p, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "cannot write %q", key)
	}
	return os.Chmod(p, 0o600)
}

func (f *FileBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %q", key)
	}
	return b, nil
}

func (f *FileBlobStore) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List walks only the directory named by prefix up to its last slash, so a
// lookup under one user never touches another user's tree.
func (f *FileBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	root := f.dir
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		if err := validKey(prefix[:i]); err != nil {
			return nil, err
		}
		root = f.path(prefix[:i])
	}

	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot list store directory")
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileBlobStore) Close() error { return nil }
