package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/circlejoin/internal/kv"
)

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.getValueStmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv(key, value, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Scan reads every row before invoking fn so callbacks may use the store
// without holding a pooled connection open.
func (s *Store) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv ORDER BY key`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	type entry struct {
		key   string
		value []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err = rows.Scan(&e.key, &e.value); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}
