// Package config loads vault configuration from VAULT_* environment variables.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"payload-persist/internal/protocol"
	"payload-persist/internal/storage"
)

const (
	KDFPBKDF2   = "pbkdf2"
	KDFArgon2id = "argon2id"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is shared by the server and the command-line client. The client
// only reads the address, framing and size limits.
type Config struct {
	Host            string
	Port            int
	BaseDir         string
	Framing         string
	MaxRequestBytes int
	MaxAckBytes     int
	// ReadTimeout bounds how long the server waits for a request. Zero
	// waits forever.
	ReadTimeout time.Duration

	Storage         string
	SQLitePath      string
	MongoURI        string
	MongoDB         string
	MongoCollection string

	PasswordKDF string
	KeepHistory bool
	AuditLog    string
	// RateLimit is the number of connections accepted per minute from one
	// remote IP. Zero disables limiting.
	RateLimit int

	LogLevel  string
	LogFormat string
}

func Default() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            65432,
		BaseDir:         "db",
		Framing:         protocol.FramingLengthPrefixed,
		MaxRequestBytes: protocol.DefaultMaxRequestBytes,
		MaxAckBytes:     protocol.DefaultMaxAckBytes,
		Storage:         storage.BackendFile,
		MongoDB:         "payload_persist",
		MongoCollection: "blobs",
		PasswordKDF:     KDFPBKDF2,
		LogLevel:        "info",
		LogFormat:       LogFormatText,
	}
}

// Load starts from Default, applies every VAULT_* variable that is set and
// validates the result.
func Load() (*Config, error) {
	c := Default()

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var err error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errors.Errorf("%s has invalid integer %q", key, v)
				return
			}
			*dst = n
		}
	}

	str("VAULT_HOST", &c.Host)
	num("VAULT_PORT", &c.Port)
	str("VAULT_BASE_DIR", &c.BaseDir)
	str("VAULT_FRAMING", &c.Framing)
	num("VAULT_MAX_REQUEST_BYTES", &c.MaxRequestBytes)
	num("VAULT_MAX_ACK_BYTES", &c.MaxAckBytes)
	str("VAULT_STORAGE", &c.Storage)
	str("VAULT_SQLITE_PATH", &c.SQLitePath)
	str("VAULT_MONGO_URI", &c.MongoURI)
	str("VAULT_MONGO_DB", &c.MongoDB)
	str("VAULT_MONGO_COLLECTION", &c.MongoCollection)
	str("VAULT_PASSWORD_KDF", &c.PasswordKDF)
	str("VAULT_AUDIT_LOG", &c.AuditLog)
	num("VAULT_RATE_LIMIT", &c.RateLimit)
	str("VAULT_LOG_LEVEL", &c.LogLevel)
	str("VAULT_LOG_FORMAT", &c.LogFormat)
	if err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("VAULT_READ_TIMEOUT"); ok {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return nil, errors.Errorf("VAULT_READ_TIMEOUT has invalid duration %q", v)
		}
		c.ReadTimeout = d
	}
	if v, ok := os.LookupEnv("VAULT_KEEP_HISTORY"); ok {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return nil, errors.Errorf("VAULT_KEEP_HISTORY has invalid boolean %q", v)
		}
		c.KeepHistory = b
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if _, err := protocol.ParseFraming(c.Framing); err != nil {
		return err
	}
	if c.MaxRequestBytes <= 0 || c.MaxAckBytes <= 0 {
		return errors.New("message size limits must be positive")
	}
	if c.ReadTimeout < 0 {
		return errors.New("read timeout must not be negative")
	}
	switch c.Storage {
	case storage.BackendFile, storage.BackendSQLite:
	case storage.BackendMongo:
		if c.MongoURI == "" {
			return errors.New("VAULT_MONGO_URI is required for mongo storage")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage)
	}
	if c.BaseDir == "" {
		return errors.New("base directory must not be empty")
	}
	if c.PasswordKDF != KDFPBKDF2 && c.PasswordKDF != KDFArgon2id {
		return errors.Errorf("unknown password KDF %q", c.PasswordKDF)
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log level")
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		return errors.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StorageOptions maps the config onto storage.Open. The SQLite database
// defaults to vault.db inside the base directory.
func (c *Config) StorageOptions() storage.Options {
	sqlitePath := c.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(c.BaseDir, "vault.db")
	}
	return storage.Options{
		Backend:         c.Storage,
		Dir:             c.BaseDir,
		SQLitePath:      sqlitePath,
		MongoURI:        c.MongoURI,
		MongoDB:         c.MongoDB,
		MongoCollection: c.MongoCollection,
	}
}
