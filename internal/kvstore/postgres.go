package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store on a single PostgreSQL table, using
// per-statement atomicity for the single-key contract.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key-value store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the kv_entries table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at
			ON kv_entries (expires_at) WHERE expires_at IS NOT NULL;
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore get: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::BIGINT > 0 THEN NOW() + ($3::BIGINT || ' microseconds')::INTERVAL END)
		ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, ttl.Microseconds())
	if err != nil {
		return fmt.Errorf("kvstore set: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key)
	if err != nil {
		return false, fmt.Errorf("kvstore delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	// Expired counters restart at 1; the ttl of a live counter is preserved.
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, '1'::BYTEA, CASE WHEN $2::BIGINT > 0 THEN NOW() + ($2::BIGINT || ' microseconds')::INTERVAL END)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW() THEN '1'::BYTEA
				ELSE (convert_from(kv_entries.value, 'UTF8')::BIGINT + 1)::TEXT::BYTEA
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW() THEN EXCLUDED.expires_at
				ELSE kv_entries.expires_at
			END
		RETURNING convert_from(value, 'UTF8')::BIGINT
	`, key, ttl.Microseconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kvstore incr: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kv_entries
		SET expires_at = CASE WHEN $2::BIGINT > 0 THEN NOW() + ($2::BIGINT || ' microseconds')::INTERVAL END
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key, ttl.Microseconds())
	if err != nil {
		return false, fmt.Errorf("kvstore expire: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) Scan(ctx context.Context, prefix string, limit, offset int) ([]KV, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv_entries
		WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY key
		LIMIT $2 OFFSET $3
	`, prefix, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("kvstore scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			continue
		}
		result = append(result, kv)
	}
	return result, rows.Err()
}

// Sweep deletes expired rows. Intended to be called periodically.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("kvstore sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
