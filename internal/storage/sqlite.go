package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	_ "modernc.org/sqlite"
)

// SQLiteStore satisfies the Store contract through a single ACID
// database file. Multi-key atomicity and crash recovery come from the
// engine; the per-key lock map still serialises Update critical sections
// above the driver.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	locks  *keyLocks
}

// OpenSQLite opens (or creates) storage.db at the given path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "storage", "backend", "sqlite"),
		locks:  newKeyLocks(),
	}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, key Key) (json.RawMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// Write implements Store.
func (s *SQLiteStore) Write(ctx context.Context, key Key, value json.RawMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key.String(), []byte(value))
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	return nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, key Key, mutate func(json.RawMessage) (json.RawMessage, error)) error {
	if err := key.Validate(); err != nil {
		return err
	}
	p := key.String()
	s.locks.Lock(p)
	defer s.locks.Unlock(p)

	prev, err := s.Read(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next, err := mutate(prev)
	if err != nil {
		return err
	}
	return s.Write(ctx, key, next)
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("storage: remove %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: %s: %w", key, ErrNotFound)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, prefix Key) ([]Key, error) {
	query := `SELECT key FROM kv`
	args := []any{}
	if len(prefix) > 0 {
		if err := prefix.Validate(); err != nil {
			return nil, err
		}
		query += ` WHERE key = ? OR key LIKE ?`
		args = append(args, prefix.String(), prefix.String()+"/%")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, ParseKey(k))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Transaction implements Store. The engine gives atomicity; the sorted
// lock acquisition keeps overlapping transactions linearisable with the
// Update path.
func (s *SQLiteStore) Transaction(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	keys := make([]Key, 0, len(ops))
	for _, op := range ops {
		if err := op.Key.Validate(); err != nil {
			return err
		}
		keys = append(keys, op.Key)
	}
	unlock := s.locks.LockAll(keys)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Type {
		case OpPut:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				op.Key.String(), []byte(op.Value)); err != nil {
				return fmt.Errorf("storage: tx put %s: %w", op.Key, err)
			}
		case OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key.String()); err != nil {
				return fmt.Errorf("storage: tx delete %s: %w", op.Key, err)
			}
		default:
			return fmt.Errorf("storage: unknown op type %q", op.Type)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}
