package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseBlobStore runs the behaviour every backend must share.
func exerciseBlobStore(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "alice/github/secret.json")
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, s.Put(ctx, "alice/auth.json", []byte(`{"hash":"x"}`)))
	require.NoError(t, s.Put(ctx, "alice/github/secret.json", []byte("first, and longer")))
	require.NoError(t, s.Put(ctx, "alice/github/secret.json", []byte("second")))
	require.NoError(t, s.Put(ctx, "bob/auth.json", []byte("b")))

	got, err := s.Get(ctx, "alice/github/secret.json")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	keys, err := s.List(ctx, "alice/")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/auth.json", "alice/github/secret.json"}, keys)

	require.NoError(t, s.Delete(ctx, "bob/auth.json"))
	require.NoError(t, s.Delete(ctx, "bob/auth.json"), "deleting a missing key is not an error")
	_, err = s.Get(ctx, "bob/auth.json")
	assert.Equal(t, ErrNotFound, err)

	for _, bad := range []string{"", "../escape", "alice//x", "alice/./x", `a\b`} {
		assert.True(t, errors.Is(s.Put(ctx, bad, []byte("x")), ErrInvalidKey), "key %q", bad)
	}
}

func TestFileBlobStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileBlobStore(dir)
	require.NoError(t, err)
	defer s.Close()

	exerciseBlobStore(t, s)

	b, err := os.ReadFile(filepath.Join(dir, "alice", "github", "secret.json"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(b), "overwrite must not leave stale bytes behind")

	info, err := os.Stat(filepath.Join(dir, "alice", "github", "secret.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileBlobStoreListWalksPrefixDirectory(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for _, k := range []string{"alice/github/secret.json", "alice/gitlab/secret.json", "alicia/x/secret.json"} {
		require.NoError(t, s.Put(ctx, k, []byte("x")))
	}

	keys, err := s.List(ctx, "alice/github/")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/github/secret.json"}, keys)

	keys, err = s.List(ctx, "alice/git")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/github/secret.json", "alice/gitlab/secret.json"}, keys)

	keys, err = s.List(ctx, "ali")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	keys, err = s.List(ctx, "nobody/app/history/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = s.List(ctx, "../")
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestEncodeJSON(t *testing.T) {
	b, err := EncodeJSON(map[string]string{"a": "<&>"})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": \"<&>\"\n}", string(b))
}

func TestSQLiteBlobStore(t *testing.T) {
	s, err := NewSQLiteBlobStore(context.Background(), filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	defer s.Close()

	exerciseBlobStore(t, s)
}

func TestSQLiteListTreatsWildcardsLiterally(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteBlobStore(ctx, filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "a%/x", []byte("1")))
	require.NoError(t, s.Put(ctx, "ab/x", []byte("2")))

	keys, err := s.List(ctx, "a%/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a%/x"}, keys)
}

func TestMongoBlobStore(t *testing.T) {
	uri := os.Getenv("VAULT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("VAULT_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := NewMongoBlobStore(ctx, uri, "payload_persist_test", "blobs_"+filepath.Base(t.TempDir()))
	require.NoError(t, err)
	defer func() {
		_ = s.coll.Drop(ctx)
		_ = s.Close()
	}()

	exerciseBlobStore(t, s)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileBlobStore{}, s)

	s, err = Open(ctx, Options{Backend: BackendSQLite, SQLitePath: filepath.Join(dir, "v.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBlobStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Backend: "etcd"})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	k, err := Key("alice", "github", "secret.json")
	require.NoError(t, err)
	assert.Equal(t, "alice/github/secret.json", k)

	for _, seg := range []string{"", ".", "..", "a/b", `a\b`, "a\x00b"} {
		_, err := Key("alice", seg)
		assert.True(t, errors.Is(err, ErrInvalidKey), "segment %q", seg)
	}
}
