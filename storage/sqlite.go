package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/beaconhq/go-client-sdk/api"
)

// SQLiteStore persists the credential pair in a small key/value table so it
// survives process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("migrate credentials table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (api.CredentialPair, error) {
	var pair api.CredentialPair

	access, err := s.get(ctx, api.CredentialKey_AccessToken)
	if err != nil {
		return pair, err
	}
	refresh, err := s.get(ctx, api.CredentialKey_RefreshToken)
	if err != nil {
		return pair, err
	}
	pair.AccessToken = access
	pair.RefreshToken = refresh
	return pair, nil
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return value, nil
}

// Save replaces both keys in one transaction; an empty token removes its key.
func (s *SQLiteStore) Save(ctx context.Context, pair api.CredentialPair) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save credentials tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	values := map[string]string{
		api.CredentialKey_AccessToken:  pair.AccessToken,
		api.CredentialKey_RefreshToken: pair.RefreshToken,
	}
	for key, value := range values {
		if value == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value); err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save credentials tx: %w", err)
	}
	return nil
}

//goland:noinspection SqlWithoutWhere
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials;`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
