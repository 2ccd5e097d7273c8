package vault

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payload-persist/internal/auth"
	"payload-persist/internal/storage"
)

var fastKDF = auth.Params{Algorithm: auth.AlgoPBKDF2, Iterations: 1000, SaltLen: 16, KeyLen: 32}

func newTestRepo(t *testing.T, opts ...Option) (*Repository, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := storage.NewFileBlobStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })
	logger, _ := test.NewNullLogger()
	creds := auth.NewStore(blobs, auth.WithParams(fastKDF), auth.WithLogger(logger))
	return New(creds, blobs, append([]Option{WithLogger(logger)}, opts...)...), dir
}

func TestPutRegistersAndWritesLayout(t *testing.T) {
	ctx := context.Background()
	repo, dir := newTestRepo(t)

	key, err := repo.Put(ctx, "alice", "pw", "github", Record{AppUsername: "alice@gh", Password: "CT", Timestamp: "20240101-000000"})
	require.NoError(t, err)
	assert.Equal(t, "alice/github/secret.json", key)

	assert.FileExists(t, filepath.Join(dir, "alice", "auth.json"))
	b, err := os.ReadFile(filepath.Join(dir, "alice", "github", "secret.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"app_username":"alice@gh","password":"CT","timestamp":"20240101-000000"}`, string(b))

	got, err := repo.Get(ctx, "alice", "pw", "github")
	require.NoError(t, err)
	assert.Equal(t, b, got, "retrieve returns the stored bytes unchanged")
}

func TestPutKeepsHTMLCharactersLiteral(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	name := strings.Repeat("<", 100) + "&>"
	_, err := repo.Put(ctx, "alice", "pw", "github", Record{AppUsername: name, Password: "CT"})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "alice", "pw", "github")
	require.NoError(t, err)
	assert.Contains(t, string(got), name)
	assert.NotContains(t, string(got), `\u003c`)
	assert.Less(t, len(got), 2*len(name))
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	_, err := repo.Put(ctx, "alice", "pw", "github", Record{AppUsername: "u", Password: "FIRST-AND-LONGER"})
	require.NoError(t, err)
	_, err = repo.Put(ctx, "alice", "pw", "github", Record{AppUsername: "u", Password: "SECOND"})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "alice", "pw", "github")
	require.NoError(t, err)
	assert.Contains(t, string(got), "SECOND")
	assert.NotContains(t, string(got), "FIRST")
}

func TestAuthGate(t *testing.T) {
	ctx := context.Background()
	repo, dir := newTestRepo(t)

	_, err := repo.Put(ctx, "alice", "pw", "github", Record{Password: "CT"})
	require.NoError(t, err)

	_, err = repo.Put(ctx, "alice", "wrong", "github", Record{Password: "EVIL"})
	assert.Equal(t, auth.ErrAuthFailed, err)

	_, err = repo.Put(ctx, "alice", "wrong", "gitlab", Record{Password: "EVIL"})
	assert.Equal(t, auth.ErrAuthFailed, err)
	assert.NoDirExists(t, filepath.Join(dir, "alice", "gitlab"))

	_, err = repo.Get(ctx, "alice", "wrong", "github")
	assert.Equal(t, auth.ErrAuthFailed, err)

	// Unknown users look exactly like wrong passwords and are not registered by reads.
	_, err = repo.Get(ctx, "mallory", "pw", "github")
	assert.Equal(t, auth.ErrAuthFailed, err)
	assert.NoDirExists(t, filepath.Join(dir, "mallory"))

	got, err := repo.Get(ctx, "alice", "pw", "github")
	require.NoError(t, err)
	assert.Contains(t, string(got), `"CT"`)
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	_, err := repo.Put(ctx, "alice", "pw", "github", Record{Password: "CT"})
	require.NoError(t, err)

	_, err = repo.Get(ctx, "alice", "pw", "nonexistent")
	assert.Equal(t, ErrNotFound, err)
}

func TestRejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	repo, dir := newTestRepo(t)

	for _, tc := range []struct{ user, app string }{
		{"..", "github"},
		{"alice", "../bob"},
		{"alice", "."},
		{"alice", "auth.json"},
		{"a/b", "github"},
	} {
		_, err := repo.Put(ctx, tc.user, "pw", tc.app, Record{Password: "CT"})
		assert.True(t, errors.Is(err, storage.ErrInvalidKey), "%+v: %v", tc, err)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing may be registered or written for rejected names")
}

func TestHistoryKeepsOverwrittenRecords(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, WithHistory(true))
	repo.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }

	for _, ct := range []string{"ONE", "TWO", "THREE"} {
		_, err := repo.Put(ctx, "alice", "pw", "github", Record{Password: ct})
		require.NoError(t, err)
	}

	keys, err := repo.History(ctx, "alice", "pw", "github")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"alice/github/history/secret-20240506-070809.json",
		"alice/github/history/secret-20240506-070809_02.json",
	}, keys)

	got, err := repo.Get(ctx, "alice", "pw", "github")
	require.NoError(t, err)
	assert.Contains(t, string(got), "THREE")

	_, err = repo.History(ctx, "alice", "wrong", "github")
	assert.Equal(t, auth.ErrAuthFailed, err)
}

func TestHistoryDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	for _, ct := range []string{"ONE", "TWO"} {
		_, err := repo.Put(ctx, "alice", "pw", "github", Record{Password: ct})
		require.NoError(t, err)
	}
	keys, err := repo.History(ctx, "alice", "pw", "github")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestConcurrentPutsLeaveOneWholeRecord(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	_, err := repo.Put(ctx, "alice", "pw", "github", Record{Password: "seed"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, ct := range []string{"AAAA", "BBBB", "CCCC", "DDDD"} {
		wg.Add(1)
		go func(ct string) {
			defer wg.Done()
			_, err := repo.Put(ctx, "alice", "pw", "github", Record{Password: ct})
			assert.NoError(t, err)
		}(ct)
	}
	wg.Wait()

	got, err := repo.Get(ctx, "alice", "pw", "github")
	require.NoError(t, err)
	var hits int
	for _, ct := range []string{"AAAA", "BBBB", "CCCC", "DDDD"} {
		if strings.Contains(string(got), ct) {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}
