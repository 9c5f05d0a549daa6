package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"civicsync/internal/bootstrap/logging"
	domain "civicsync/internal/domain/offline"
	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

const cacheKeyPrefix = "cache:"

// CacheStore keeps remote results with a TTL. It is best-effort: storage
// failures are logged and behave like a miss, never like an error.
type CacheStore struct {
	store      ports.KVStore
	defaultTTL time.Duration
	now        func() time.Time
}

func NewCacheStore(store ports.KVStore, defaultTTL time.Duration, now func() time.Time) *CacheStore {
	if now == nil {
		now = time.Now
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &CacheStore{store: store, defaultTTL: defaultTTL, now: now}
}

func (c *CacheStore) DefaultTTL() time.Duration { return c.defaultTTL }

// Set overwrites the entry for key. A non-positive ttl uses the default TTL.
func (c *CacheStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrKeyRequired
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errs.Wrapf(err, "encode cache value for %q", key)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	data, err := json.Marshal(domain.NewCacheEntry(key, raw, c.now(), ttl))
	if err != nil {
		return errs.Wrapf(err, "encode cache entry for %q", key)
	}
	if err := c.store.Set(ctx, cacheKeyPrefix+key, string(data)); err != nil {
		c.logStorage(ctx, "set", key, err)
	}
	return nil
}

// Get decodes the unexpired value for key into out. It reports false on a
// miss, on expiry (the entry is evicted), or when the value does not decode.
func (c *CacheStore) Get(ctx context.Context, key string, out any) bool {
	entry, ok := c.Entry(ctx, key)
	if !ok {
		return false
	}
	if out == nil {
		return true
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		logging.Warn(c.logCtx(ctx), "cached value does not decode into target",
			slog.String("key", entry.Key), slog.Any("err", errs.Loggable(err)))
		return false
	}
	return true
}

// GetCached is the typed form of CacheStore.Get.
func GetCached[T any](ctx context.Context, c *CacheStore, key string) (T, bool) {
	var out T
	if !c.Get(ctx, key, &out) {
		var zero T
		return zero, false
	}
	return out, true
}

// Entry returns the raw unexpired entry for key.
func (c *CacheStore) Entry(ctx context.Context, key string) (domain.CacheEntry, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.CacheEntry{}, false
	}

	entry, found, err := c.load(ctx, key)
	if err != nil {
		c.logStorage(ctx, "get", key, err)
		var se *domain.StorageError
		if !errors.As(err, &se) {
			c.Remove(ctx, key)
		}
		return domain.CacheEntry{}, false
	}
	if !found {
		return domain.CacheEntry{}, false
	}
	if !entry.ValidAt(c.now()) {
		c.Remove(ctx, key)
		return domain.CacheEntry{}, false
	}
	return entry, true
}

func (c *CacheStore) IsValid(ctx context.Context, key string) bool {
	_, ok := c.Entry(ctx, key)
	return ok
}

func (c *CacheStore) Remove(ctx context.Context, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if err := c.store.Remove(ctx, cacheKeyPrefix+key); err != nil {
		c.logStorage(ctx, "remove", key, err)
	}
}

// Clear removes every cache entry. Other namespaces sharing the store are untouched.
func (c *CacheStore) Clear(ctx context.Context) {
	for _, key := range c.Keys(ctx) {
		c.Remove(ctx, key)
	}
}

// Keys lists every cached key, expired or not, without the namespace prefix.
func (c *CacheStore) Keys(ctx context.Context) []string {
	stored, err := c.store.Keys(ctx, cacheKeyPrefix)
	if err != nil {
		c.logStorage(ctx, "keys", cacheKeyPrefix, err)
		return nil
	}

	keys := make([]string, 0, len(stored))
	for _, k := range stored {
		keys = append(keys, strings.TrimPrefix(k, cacheKeyPrefix))
	}
	return keys
}

// Cleanup evicts expired and undecodable entries and returns how many were removed.
func (c *CacheStore) Cleanup(ctx context.Context) int {
	now := c.now()
	removed := 0
	for _, key := range c.Keys(ctx) {
		if ctx.Err() != nil {
			break
		}
		entry, found, err := c.load(ctx, key)
		if err != nil {
			var se *domain.StorageError
			if errors.As(err, &se) {
				c.logStorage(ctx, "cleanup", key, err)
				continue
			}
		} else if !found || entry.ValidAt(now) {
			continue
		}
		c.Remove(ctx, key)
		removed++
	}

	if removed > 0 {
		logging.Info(c.logCtx(ctx), "cache cleanup evicted entries", slog.Int("removed", removed))
	}
	return removed
}

// load distinguishes storage failures (*StorageError) from corrupt entries (plain error).
func (c *CacheStore) load(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	raw, found, err := c.store.Get(ctx, cacheKeyPrefix+key)
	if err != nil {
		return domain.CacheEntry{}, false, &domain.StorageError{Op: "get", Key: cacheKeyPrefix + key, Err: err}
	}
	if !found {
		return domain.CacheEntry{}, false, nil
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return domain.CacheEntry{}, false, errs.Wrapf(err, "decode cache entry %q", key)
	}
	return entry, true, nil
}

func (c *CacheStore) logStorage(ctx context.Context, op, key string, err error) {
	logging.Warn(c.logCtx(ctx), "cache storage failure treated as miss",
		slog.String("op", op),
		slog.String("key", key),
		slog.Any("err", errs.Loggable(err)),
	)
}

func (c *CacheStore) logCtx(ctx context.Context) context.Context {
	return logging.WithComponent(ctx, "offline.cache")
}
