// Package storage is the typed persistence adapter over SQLite. It owns the
// schema, the settings singletons, rule and blocklist tables, client
// profiles, and the query log.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sentinel/pkg/logging"
	"sentinel/pkg/secrets"

	_ "modernc.org/sqlite"
)

// stmtTimeout bounds every statement issued through the store.
const stmtTimeout = 30 * time.Second

// Store is the SQLite-backed persistence adapter.
type Store struct {
	db     *sql.DB
	cipher *secrets.Cipher
	logger *logging.Logger
}

// Open opens (creating if needed) the database at path, applies pragmas and
// pending migrations, and returns the store.
func Open(path string, cipher *secrets.Cipher, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(30 * time.Second)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return &Store{db: db, cipher: cipher, logger: logger}, nil
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cipher exposes the secrets cipher, used by cluster apply to re-encrypt
// incoming secrets with the local key.
func (s *Store) Cipher() *secrets.Cipher {
	return s.cipher
}

// opCtx attaches the statement timeout unless the caller already set a
// tighter deadline.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, stmtTimeout)
}
