package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allConfigKeys lists every VAULT_ env var that Load() reads.
var allConfigKeys = []string{
	"VAULT_HOST",
	"VAULT_PORT",
	"VAULT_BASE_DIR",
	"VAULT_FRAMING",
	"VAULT_MAX_REQUEST_BYTES",
	"VAULT_MAX_ACK_BYTES",
	"VAULT_READ_TIMEOUT",
	"VAULT_STORAGE",
	"VAULT_SQLITE_PATH",
	"VAULT_MONGO_URI",
	"VAULT_MONGO_DB",
	"VAULT_MONGO_COLLECTION",
	"VAULT_PASSWORD_KDF",
	"VAULT_KEEP_HISTORY",
	"VAULT_AUDIT_LOG",
	"VAULT_RATE_LIMIT",
	"VAULT_LOG_LEVEL",
	"VAULT_LOG_FORMAT",
}

// isolateConfigEnv unsets all VAULT_ env vars for the duration of the test.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range allConfigKeys {
		if orig, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, orig) })
		} else {
			t.Cleanup(func() { os.Unsetenv(key) })
		}
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:65432", cfg.Addr())
	assert.Equal(t, "db", cfg.BaseDir)
	assert.Equal(t, "length-prefixed", cfg.Framing)
	assert.Equal(t, 8192, cfg.MaxRequestBytes)
	assert.Equal(t, 1024, cfg.MaxAckBytes)
	assert.Zero(t, cfg.ReadTimeout)
	assert.Equal(t, "file", cfg.Storage)
	assert.Equal(t, "pbkdf2", cfg.PasswordKDF)
	assert.False(t, cfg.KeepHistory)
	assert.Empty(t, cfg.AuditLog)
	assert.Zero(t, cfg.RateLimit)
}

func TestLoad_Success(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("VAULT_HOST", "0.0.0.0")
	t.Setenv("VAULT_PORT", "9000")
	t.Setenv("VAULT_FRAMING", "raw")
	t.Setenv("VAULT_READ_TIMEOUT", "30s")
	t.Setenv("VAULT_STORAGE", "sqlite")
	t.Setenv("VAULT_PASSWORD_KDF", "argon2id")
	t.Setenv("VAULT_KEEP_HISTORY", "true")
	t.Setenv("VAULT_RATE_LIMIT", "60")
	t.Setenv("VAULT_LOG_FORMAT", "json")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, "raw", cfg.Framing)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Storage)
	assert.Equal(t, "argon2id", cfg.PasswordKDF)
	assert.True(t, cfg.KeepHistory)
	assert.Equal(t, 60, cfg.RateLimit)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"port not a number": {"VAULT_PORT", "http"},
		"port out of range": {"VAULT_PORT", "70000"},
		"bad framing":       {"VAULT_FRAMING", "websocket"},
		"bad duration":      {"VAULT_READ_TIMEOUT", "soon"},
		"bad bool":          {"VAULT_KEEP_HISTORY", "maybe"},
		"bad storage":       {"VAULT_STORAGE", "etcd"},
		"mongo without uri": {"VAULT_STORAGE", "mongo"},
		"bad kdf":           {"VAULT_PASSWORD_KDF", "md5"},
		"negative limit":    {"VAULT_RATE_LIMIT", "-1"},
		"bad log level":     {"VAULT_LOG_LEVEL", "loud"},
		"zero max request":  {"VAULT_MAX_REQUEST_BYTES", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			isolateConfigEnv(t)
			t.Setenv(kv[0], kv[1])

			cfg, err := Load()

			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}

func TestStorageOptions(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = "/srv/vault"
	cfg.Storage = "sqlite"

	opts := cfg.StorageOptions()

	assert.Equal(t, "sqlite", opts.Backend)
	assert.Equal(t, filepath.Join("/srv/vault", "vault.db"), opts.SQLitePath)
	assert.Equal(t, "/srv/vault", opts.Dir)
}
