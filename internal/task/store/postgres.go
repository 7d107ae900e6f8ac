package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentcom/agentcom/internal/common/database"
	apperrors "github.com/agentcom/agentcom/internal/common/errors"
)

// hubLockID is the advisory lock key guarding the single-instance
// invariant. One hub per database.
const hubLockID = 0x61676e74 // "agnt"

// PostgresStore implements Store on a PostgreSQL database. A session-level
// advisory lock held for the process lifetime rejects a second hub instance
// against the same database.
type PostgresStore struct {
	db       *database.DB
	lockConn *pgxpool.Conn
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the schema and acquires the instance lock.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}

	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// The advisory lock is session-scoped, so it must live on a dedicated
	// connection pinned for the process lifetime.
	conn, err := db.Pool().Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, hubLockID).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, fmt.Errorf("another hub instance already holds the store lock")
	}

	s.lockConn = conn
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks_active (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks_dead (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL
	);
	`

	_, err := s.db.Exec(ctx, schema)
	return err
}

// Put writes value under key, replacing any previous value.
func (s *PostgresStore) Put(ctx context.Context, table, key string, value []byte) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	_, err := s.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, table),
		key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *PostgresStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if !validTables[table] {
		return nil, apperrors.InvalidArgs("table", table)
	}
	var value []byte
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, table), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("task", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return value, nil
}

// Delete removes key from the table.
func (s *PostgresStore) Delete(ctx context.Context, table, key string) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, table), key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Sync is a no-op: with synchronous_commit enabled every committed write
// is durable before Exec returns.
func (s *PostgresStore) Sync(ctx context.Context, table string) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	return nil
}

// Fold iterates every key/value pair in the table.
func (s *PostgresStore) Fold(ctx context.Context, table string, fn func(key string, value []byte) error) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT key, value FROM %s`, table))
	if err != nil {
		return fmt.Errorf("fold %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close releases the advisory lock connection. The pool itself is owned by
// the caller.
func (s *PostgresStore) Close() error {
	if s.lockConn != nil {
		s.lockConn.Release()
		s.lockConn = nil
	}
	return nil
}
