package kv

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBTX abstracts the database access layer. It is implemented by both
// *sql.DB and *sql.Tx, allowing the store to work with either a database
// connection or a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres implements Store on a single Postgres table. The quota is not
// enforced by the database; the configured ceiling is applied the same way
// the memory store applies it, before each write.
type Postgres struct {
	db    DBTX
	quota int64
}

// NewPostgres creates a Postgres-backed store with the given quota ceiling.
// A non-positive quota falls back to DefaultQuotaBytes.
func NewPostgres(db DBTX, quota int64) *Postgres {
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}
	return &Postgres{db: db, quota: quota}
}

// Migrate applies the embedded schema migrations for the kv table.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply kv migrations: %w", err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM kv_entries WHERE key = $1`

	var value []byte
	err := p.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, nil
}

// Set writes value under key, enforcing the configured quota against the
// projected usage after the write.
func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	used, err := p.BytesInUse(ctx)
	if err != nil {
		return err
	}

	projected := used + EntrySize(key, value)
	if existing, err := p.Get(ctx, key); err == nil {
		projected -= EntrySize(key, existing)
	}
	if projected > p.quota {
		return fmt.Errorf("%w: %d of %d bytes", ErrQuotaExceeded, projected, p.quota)
	}

	query := `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is a no-op.
func (p *Postgres) Remove(ctx context.Context, key string) error {
	query := `DELETE FROM kv_entries WHERE key = $1`
	if _, err := p.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}
	return nil
}

// Keys lists every key currently present.
func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	query := `SELECT key FROM kv_entries ORDER BY key`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating key rows: %w", err)
	}
	return keys, nil
}

// BytesInUse reports the summed size of all keys and values.
func (p *Postgres) BytesInUse(ctx context.Context) (int64, error) {
	query := `SELECT COALESCE(SUM(OCTET_LENGTH(key) + OCTET_LENGTH(value)), 0) FROM kv_entries`

	var used int64
	if err := p.db.QueryRowContext(ctx, query).Scan(&used); err != nil {
		return 0, fmt.Errorf("failed to compute bytes in use: %w", err)
	}
	return used, nil
}

// Quota returns the configured capacity ceiling in bytes.
func (p *Postgres) Quota() int64 {
	return p.quota
}
