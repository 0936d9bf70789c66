package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createKVTableSQL = `CREATE TABLE IF NOT EXISTS kv_entries (
        key        TEXT PRIMARY KEY,
        value      BYTEA NOT NULL,
        written_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        expires_at TIMESTAMPTZ NOT NULL
    );`

	createKVExpiryIndexSQL = `CREATE INDEX IF NOT EXISTS kv_entries_expires_at_idx ON kv_entries (expires_at);`

	getEntrySQL = `SELECT value
    FROM kv_entries
    WHERE key = $1
      AND expires_at > now();`

	upsertEntrySQL = `INSERT INTO kv_entries (
        key,
        value,
        written_at,
        expires_at
    ) VALUES (
        $1, $2, now(), now() + make_interval(secs => $3)
    )
    ON CONFLICT (key) DO UPDATE
    SET
        value      = EXCLUDED.value,
        written_at = EXCLUDED.written_at,
        expires_at = EXCLUDED.expires_at;`

	insertEntryIfAbsentSQL = `INSERT INTO kv_entries (
        key,
        value,
        written_at,
        expires_at
    ) VALUES (
        $1, $2, now(), now() + make_interval(secs => $3)
    )
    ON CONFLICT (key) DO UPDATE
    SET
        value      = EXCLUDED.value,
        written_at = EXCLUDED.written_at,
        expires_at = EXCLUDED.expires_at
    WHERE kv_entries.expires_at <= now()
    RETURNING key;`

	deleteEntrySQL = `DELETE FROM kv_entries WHERE key = $1;`

	purgeExpiredSQL = `DELETE FROM kv_entries WHERE expires_at <= now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock(hashtext($1));`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock(hashtext($1));`
)

// Store is the PostgreSQL key/value backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the kv table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createKVTableSQL, createKVExpiryIndexSQL} {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure kv schema: %w", execErr)
		}
	}
	return nil
}

// Get returns the live value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	var value []byte
	if scanErr := pool.QueryRow(ctx, getEntrySQL, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get kv entry: %w", scanErr)
	}
	return value, true, nil
}

// Put replaces the value for key.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertEntrySQL, key, value, ttlSeconds(ttl)); execErr != nil {
		return fmt.Errorf("put kv entry: %w", execErr)
	}
	return nil
}

// PutIfAbsent writes only when the key has no live value.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var written string
	scanErr := pool.QueryRow(ctx, insertEntryIfAbsentSQL, key, value, ttlSeconds(ttl)).Scan(&written)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("put kv entry if absent: %w", scanErr)
	}
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteEntrySQL, key); execErr != nil {
		return fmt.Errorf("delete kv entry: %w", execErr)
	}
	return nil
}

// PurgeExpired deletes expired rows.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, purgeExpiredSQL)
	if execErr != nil {
		return 0, fmt.Errorf("purge expired kv entries: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// TryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is bound to the acquiring connection, so ttl is not used.
func (s *Store) TryLock(ctx context.Context, key string, _ time.Duration) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort: the lock is dropped with the session if this fails.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func ttlSeconds(ttl time.Duration) float64 {
	secs := ttl.Seconds()
	if secs < 1 {
		secs = 1
	}
	return secs
}

var (
	_ Backend = (*Store)(nil)
	_ Purger  = (*Store)(nil)
)
