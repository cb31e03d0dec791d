package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/account"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, key string) (account.Record, error) {
	data, err := s.rdb.Get(ctx, recordKey(key)).Bytes()
	if err == nil {
		var rec account.Record
		if json.Unmarshal(data, &rec) == nil {
			return rec, nil
		}
	}

	// Cache miss: read from primary.
	rec, err := s.primary.Get(ctx, key)
	if err != nil {
		return account.Record{}, err
	}

	s.cacheRecord(ctx, rec)
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) List(ctx context.Context, prefix string) ([]account.Record, error) {
	return s.primary.List(ctx, prefix)
}

// --- Write-through (write to primary, invalidate cache) ---

// Update runs fn against the primary store. Reads inside the transaction
// bypass the cache. Every key written is invalidated once the transaction
// commits.
func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var written []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		written = written[:0]
		return fn(&trackingTx{Tx: tx, written: &written})
	})
	if err != nil {
		return err
	}

	if len(written) > 0 {
		keys := make([]string, len(written))
		for i, k := range written {
			keys[i] = recordKey(k)
		}
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

type trackingTx struct {
	Tx
	written *[]string
}

func (t *trackingTx) Put(ctx context.Context, rec account.Record) error {
	if err := t.Tx.Put(ctx, rec); err != nil {
		return err
	}
	*t.written = append(*t.written, rec.Key)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheRecord(ctx context.Context, rec account.Record) {
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, recordKey(rec.Key), data, s.ttl)
	}
}

func recordKey(key string) string { return fmt.Sprintf("account:%s", key) }
