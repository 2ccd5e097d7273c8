package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS blobs (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteBlobStore keeps blobs in a single table of an SQLite database file.
// One writer connection avoids "database is locked" errors under WAL.
type SQLiteBlobStore struct {
	db *sql.DB
}

func NewSQLiteBlobStore(ctx context.Context, path string) (*SQLiteBlobStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create blobs table")
	}
	return &SQLiteBlobStore{db: db}, nil
}

func (s *SQLiteBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	const query = `INSERT OR REPLACE INTO blobs (key, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`
	if _, err := s.db.ExecContext(ctx, query, key, data); err != nil {
		return errors.Wrapf(err, "put %q", key)
	}
	return nil
}

func (s *SQLiteBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %q", key)
	}
	return data, nil
}

func (s *SQLiteBlobStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "delete %q", key)
	}
	return nil
}

func (s *SQLiteBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	// instr instead of LIKE so wildcards in user-chosen names match literally.
	const query = `SELECT key FROM blobs WHERE ? = '' OR instr(key, ?) = 1 ORDER BY key`
	rows, err := s.db.QueryContext(ctx, query, prefix, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteBlobStore) Close() error { return s.db.Close() }
