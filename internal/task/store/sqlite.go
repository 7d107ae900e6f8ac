package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/agentcom/agentcom/internal/common/errors"
)

// SQLiteStore implements Store on a single SQLite database file. The file
// is opened in exclusive locking mode so a second hub instance against the
// same store fails at startup.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath. WAL journaling
// with synchronous=FULL makes every committed write durable, and the
// exclusive locking mode enforces the single-instance invariant.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_synchronous=FULL&_locking_mode=EXCLUSIVE&_busy_timeout=1000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema (is another hub running against %s?): %w", dbPath, err)
	}

	return s, nil
}

// initSchema creates the tables if they don't exist. The first write also
// acquires the exclusive file lock.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks_active (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks_dead (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Put writes value under key, replacing any previous value.
func (s *SQLiteStore) Put(ctx context.Context, table, key string, value []byte) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, table),
		key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if !validTables[table] {
		return nil, apperrors.InvalidArgs("table", table)
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return value, nil
}

// Delete removes key from the table.
func (s *SQLiteStore) Delete(ctx context.Context, table, key string) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, table), key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Sync is a no-op: synchronous=FULL makes every committed write durable
// before ExecContext returns.
func (s *SQLiteStore) Sync(ctx context.Context, table string) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	return nil
}

// Fold iterates every key/value pair in the table.
func (s *SQLiteStore) Fold(ctx context.Context, table string, fn func(key string, value []byte) error) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s`, table))
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

// Close closes the database file and releases the exclusive lock.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
