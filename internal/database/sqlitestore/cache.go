package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"verdict/internal/moderation"
)

// CacheStore implements moderation.Cache using SQLite.
type CacheStore struct {
	db *sql.DB
}

// NewCacheStore creates a CacheStore backed by the given database.
// The database must already have the schema applied (see Open).
func NewCacheStore(db *sql.DB) *CacheStore {
	return &CacheStore{db: db}
}

// Ensure CacheStore implements the interface at compile time.
var _ moderation.Cache = (*CacheStore)(nil)

func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM moderation_cache WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

func (s *CacheStore) Put(ctx context.Context, key string, val []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation_cache (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, val)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *CacheStore) Merge(ctx context.Context, key string, fn moderation.MergeFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merge %s: %w", key, err)
	}
	defer tx.Rollback()

	var old []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM moderation_cache WHERE key = ?`, key).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("merge %s: %w", key, err)
	}

	val, err := fn(old)
	if err != nil {
		return err
	}
	if val == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM moderation_cache WHERE key = ?`, key)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO moderation_cache (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, val)
	}
	if err != nil {
		return fmt.Errorf("merge %s: %w", key, err)
	}
	return tx.Commit()
}

// Scan reads every matching row before calling fn, so fn may write to the cache.
func (s *CacheStore) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM moderation_cache WHERE key >= ? ORDER BY key`, prefix)
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}

	type kv struct {
		key string
		val []byte
	}
	var matched []kv
	for rows.Next() {
		var r kv
		if err := rows.Scan(&r.key, &r.val); err != nil {
			rows.Close()
			return err
		}
		if !strings.HasPrefix(r.key, prefix) {
			break
		}
		matched = append(matched, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range matched {
		if err := fn(r.key, r.val); err != nil {
			return err
		}
	}
	return nil
}
