package boltstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"verdict/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestCacheStore(t *testing.T) {
	ctx := context.Background()
	cache := setupTestStore(t).CacheStore()

	t.Run("get missing key", func(t *testing.T) {
		val, err := cache.Get(ctx, "reports:missing")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, "subs:labeler", []byte(`{"v":1}`)))
		val, err := cache.Get(ctx, "subs:labeler")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"v":1}`), val)
	})

	t.Run("merge creates updates and deletes", func(t *testing.T) {
		key := "labels:abc:moderation"
		require.NoError(t, cache.Merge(ctx, key, func(old []byte) ([]byte, error) {
			assert.Nil(t, old)
			return []byte("1"), nil
		}))
		require.NoError(t, cache.Merge(ctx, key, func(old []byte) ([]byte, error) {
			return append(old, '2'), nil
		}))
		val, err := cache.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("12"), val)

		require.NoError(t, cache.Merge(ctx, key, func([]byte) ([]byte, error) { return nil, nil }))
		val, err = cache.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("merge error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := cache.Merge(ctx, "subs:labeler", func([]byte) ([]byte, error) { return []byte("x"), boom })
		assert.ErrorIs(t, err, boom)
		val, _ := cache.Get(ctx, "subs:labeler")
		assert.Equal(t, []byte(`{"v":1}`), val)
	})

	t.Run("scan by prefix in key order", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, "mutes:b", []byte("b")))
		require.NoError(t, cache.Put(ctx, "mutes:a", []byte("a")))
		require.NoError(t, cache.Put(ctx, "mutesx", []byte("x")))

		var keys []string
		require.NoError(t, cache.Scan(ctx, "mutes:", func(key string, val []byte) error {
			keys = append(keys, key)
			return nil
		}))
		assert.Equal(t, []string{"mutes:a", "mutes:b"}, keys)

		stop := errors.New("stop")
		err := cache.Scan(ctx, "mutes:", func(string, []byte) error { return stop })
		assert.ErrorIs(t, err, stop)
	})

	t.Run("concurrent merges do not lose updates", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, cache.Merge(ctx, "counter", func(old []byte) ([]byte, error) {
					return append(old, '.'), nil
				}))
			}()
		}
		wg.Wait()
		val, err := cache.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Len(t, val, 20)
	})
}

func TestCacheStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "verdict.db")

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, store.CacheStore().Put(ctx, "cursor:reports:network", []byte("42")))
	require.NoError(t, store.Close())

	store, err = Open(Options{Path: dbPath})
	require.NoError(t, err)
	defer store.Close()

	val, err := store.CacheStore().Get(ctx, "cursor:reports:network")
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), val)
	assert.Equal(t, 1, store.CacheStore().Count())
}

func TestCacheStore_BacksEngineSnapshots(t *testing.T) {
	ctx := context.Background()
	cache := setupTestStore(t).CacheStore()

	cfg := moderation.DefaultConfig()
	c, err := moderation.NewCoordinator(cfg, moderation.WithCache(cache))
	require.NoError(t, err)
	require.NoError(t, c.AddPersonalMute(ctx, "viewer", moderation.MuteEntry{Kind: moderation.MuteKeyword, Value: "spoiler"}))
	c.Close()

	restored, err := moderation.NewCoordinator(cfg, moderation.WithCache(cache))
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, restored.Restore(ctx))
	assert.Len(t, restored.Mutes().PersonalMutes("viewer"), 1)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t).ModerationStore()

	t.Run("empty log", func(t *testing.T) {
		entries, err := store.ListAuditLog(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("newest first with limit", func(t *testing.T) {
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			require.NoError(t, store.LogAction(ctx, moderation.AuditEntry{
				ID:        fmt.Sprintf("entry%d", i),
				Action:    moderation.AuditSubscribeLabeler,
				TargetID:  fmt.Sprintf("labeler%d", i),
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		entries, err := store.ListAuditLog(ctx, 3)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "entry4", entries[0].ID)
		assert.Equal(t, "entry3", entries[1].ID)
		assert.Equal(t, "entry2", entries[2].ID)
		assert.Equal(t, moderation.AuditSubscribeLabeler, entries[0].Action)
	})
}
