package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// Cache is the persisted key-value cache shared by all stores.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns nil, nil when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, val []byte) error
	// Merge atomically replaces the value at key with fn(old). fn receives nil
	// when the key is absent; returning nil deletes the key.
	Merge(ctx context.Context, key string, fn MergeFunc) error
	// Scan calls fn for every key with the given prefix, in key order
	Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error
}

// MergeFunc computes a new value from the current one
type MergeFunc func(old []byte) ([]byte, error)

// AuditLog records subscription changes
type AuditLog interface {
	LogAction(ctx context.Context, entry AuditEntry) error
	ListAuditLog(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Store type prefixes for cache keys
const (
	storeReports       = "reports"
	storeLabels        = "labels"
	storeMutes         = "mutes"
	storePersonalMutes = "pmutes"
	storeCursor        = "cursor"
	storeSubs          = "subs"
)

func cacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// snapshotVersion is bumped whenever a snapshot payload changes shape.
// Decoders accept older versions and ignore unknown fields from newer ones.
const snapshotVersion = 1

// compressThreshold is the encoded size above which snapshots are zstd-compressed
const compressThreshold = 1024

// zstd frames start with this magic number
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

type envelope struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

var (
	codecOnce    sync.Once
	zstdEncoder  *zstd.Encoder
	zstdDecoder  *zstd.Decoder
	codecInitErr error
)

func initCodec() error {
	codecOnce.Do(func() {
		zstdEncoder, codecInitErr = zstd.NewWriter(nil)
		if codecInitErr != nil {
			return
		}
		zstdDecoder, codecInitErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return codecInitErr
}

func encodeSnapshot(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	raw, err := json.Marshal(envelope{Version: snapshotVersion, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(raw) <= compressThreshold {
		return raw, nil
	}
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("failed to init zstd: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeSnapshot(raw []byte, v any) (int, error) {
	if bytes.HasPrefix(raw, zstdMagic) {
		if err := initCodec(); err != nil {
			return 0, fmt.Errorf("failed to init zstd: %w", err)
		}
		decompressed, err := zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to decompress snapshot: %w", err)
		}
		raw = decompressed
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Version < 1 {
		return env.Version, fmt.Errorf("unsupported snapshot version %d", env.Version)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return env.Version, fmt.Errorf("failed to unmarshal snapshot v%d: %w", env.Version, err)
	}
	return env.Version, nil
}

// mergeSnapshot decodes the snapshot at key into a T, lets fn mutate it and
// writes it back. fn returning false deletes the key.
func mergeSnapshot[T any](ctx context.Context, c Cache, key string, fn func(cur *T) bool) error {
	if c == nil {
		return nil
	}
	return c.Merge(ctx, key, func(old []byte) ([]byte, error) {
		var cur T
		if old != nil {
			if _, err := decodeSnapshot(old, &cur); err != nil {
				return nil, err
			}
		}
		if !fn(&cur) {
			return nil, nil
		}
		return encodeSnapshot(&cur)
	})
}

// scanSnapshots decodes every snapshot under prefix
func scanSnapshots[T any](ctx context.Context, c Cache, prefix string, fn func(key string, snap *T) error) error {
	if c == nil {
		return nil
	}
	return c.Scan(ctx, prefix, func(key string, val []byte) error {
		var snap T
		if _, err := decodeSnapshot(val, &snap); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return fn(key, &snap)
	})
}

// MemCache is an in-memory Cache bounded by an LRU. It backs tests and
// deployments that run without a database.
type MemCache struct {
	mu   sync.Mutex
	data *lru.Cache[string, []byte]
}

// NewMemCache creates a MemCache holding at most size keys
func NewMemCache(size int) (*MemCache, error) {
	data, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &MemCache{data: data}, nil
}

var _ Cache = (*MemCache)(nil)

func (m *MemCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data.Get(key)
	if !ok {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

func (m *MemCache) Put(ctx context.Context, key string, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Add(key, bytes.Clone(val))
	return nil
}

func (m *MemCache) Merge(ctx context.Context, key string, fn MergeFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, _ := m.data.Get(key)
	next, err := fn(bytes.Clone(old))
	if err != nil {
		return err
	}
	if next == nil {
		m.data.Remove(key)
		return nil
	}
	m.data.Add(key, next)
	return nil
}

func (m *MemCache) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	m.mu.Lock()
	keys := m.data.Keys()
	vals := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			v, _ := m.data.Peek(k)
			vals[k] = bytes.Clone(v)
		}
	}
	m.mu.Unlock()

	matched := make([]string, 0, len(vals))
	for k := range vals {
		matched = append(matched, k)
	}
	sort.Strings(matched)

	for _, k := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, vals[k]); err != nil {
			return err
		}
	}
	return nil
}
