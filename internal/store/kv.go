package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SetData stores an opaque blob under a key, replacing any previous
// value.
func (s *Store) SetData(ctx context.Context, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store: set data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv_store (key, value) VALUES ($1, $2)`, key, value); err != nil {
		return fmt.Errorf("store: set data: %w", err)
	}
	return tx.Commit()
}

// GetData returns the blob stored under key, or ErrNotFound.
func (s *Store) GetData(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get data: %w", err)
	}
	return value, nil
}

// DeleteData removes a key. Deleting an absent key is not an error.
func (s *Store) DeleteData(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store: delete data: %w", err)
	}
	return nil
}
