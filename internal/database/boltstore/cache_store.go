package boltstore

import (
	"bytes"
	"context"
	"fmt"

	"verdict/internal/moderation"
	"verdict/internal/tracing"

	bolt "go.etcd.io/bbolt"
)

// CacheStore persists engine snapshots in a single bucket.
type CacheStore struct {
	db *bolt.DB
}

var _ moderation.Cache = (*CacheStore)(nil)

// Get returns a copy of the value at key, or nil if absent.
func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := tracing.StoreSpan(ctx, "bolt", "get", key)
	defer span.End()

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCache)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			// bolt values are only valid for the life of the transaction
			out = bytes.Clone(v)
		}
		return nil
	})
	tracing.EndWithError(span, err)
	return out, err
}

// Put stores val at key.
func (s *CacheStore) Put(ctx context.Context, key string, val []byte) error {
	_, span := tracing.StoreSpan(ctx, "bolt", "put", key)
	defer span.End()

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCache)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketCache)
		}
		return bucket.Put([]byte(key), val)
	})
	tracing.EndWithError(span, err)
	return err
}

// Merge replaces the value at key with fn(old) inside one write transaction.
func (s *CacheStore) Merge(ctx context.Context, key string, fn moderation.MergeFunc) error {
	_, span := tracing.StoreSpan(ctx, "bolt", "merge", key)
	defer span.End()

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCache)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketCache)
		}

		var old []byte
		if v := bucket.Get([]byte(key)); v != nil {
			old = bytes.Clone(v)
		}
		val, err := fn(old)
		if err != nil {
			return err
		}
		if val == nil {
			return bucket.Delete([]byte(key))
		}
		return bucket.Put([]byte(key), val)
	})
	tracing.EndWithError(span, err)
	return err
}

// Scan calls fn for every key with the given prefix, in key order.
func (s *CacheStore) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	_, span := tracing.StoreSpan(ctx, "bolt", "scan", prefix)
	defer span.End()

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCache)
		if bucket == nil {
			return nil
		}

		p := []byte(prefix)
		c := bucket.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), bytes.Clone(v)); err != nil {
				return err
			}
		}
		return nil
	})
	tracing.EndWithError(span, err)
	return err
}

// Count returns the number of cached keys.
func (s *CacheStore) Count() int {
	var n int
	s.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(BucketCache); bucket != nil {
			n = bucket.Stats().KeyN
		}
		return nil
	})
	return n
}
