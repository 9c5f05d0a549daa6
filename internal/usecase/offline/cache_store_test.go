package offline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "civicsync/internal/domain/offline"
	"civicsync/internal/infrastructure/kvstore"
)

type countingStore struct {
	*kvstore.MemoryStore
	mu      sync.Mutex
	removes map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: kvstore.NewMemoryStore(), removes: map[string]int{}}
}

func (s *countingStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	s.removes[key]++
	s.mu.Unlock()
	return s.MemoryStore.Remove(ctx, key)
}

type module struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func twelveModules() []module {
	out := make([]module, 0, 12)
	for i := 1; i <= 12; i++ {
		out = append(out, module{ID: i, Title: "Module"})
	}
	return out
}

func TestCacheStoreExpiresAfterTTL(t *testing.T) {
	clock := newFixedClock()
	cache := NewCacheStore(kvstore.NewMemoryStore(), 0, clock.Now)
	ctx := context.Background()

	if err := cache.Set(ctx, "modules:all", twelveModules(), 5*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := GetCached[[]module](ctx, cache, "modules:all")
	if !ok || len(got) != 12 {
		t.Fatalf("GetCached() = %d items, ok=%v; want 12", len(got), ok)
	}

	clock.Advance(6 * time.Second)
	if _, ok := GetCached[[]module](ctx, cache, "modules:all"); ok {
		t.Fatalf("GetCached() after 6s returned a value, want absent")
	}
	if keys := cache.Keys(ctx); len(keys) != 0 {
		t.Fatalf("Keys() = %v, expired entry should be evicted on read", keys)
	}
}

func TestCacheStoreExpiryBoundaryIsExclusive(t *testing.T) {
	clock := newFixedClock()
	cache := NewCacheStore(kvstore.NewMemoryStore(), 0, clock.Now)
	ctx := context.Background()
	_ = cache.Set(ctx, "news:latest", "headline", time.Minute)

	clock.Advance(time.Minute - time.Millisecond)
	if !cache.IsValid(ctx, "news:latest") {
		t.Fatalf("IsValid() just before expiry = false")
	}
	clock.Advance(time.Millisecond)
	if cache.IsValid(ctx, "news:latest") {
		t.Fatalf("IsValid() at writtenAt+ttl = true, want stale")
	}
}

func TestCacheStoreExpiredReadRemovesOnce(t *testing.T) {
	clock := newFixedClock()
	store := newCountingStore()
	cache := NewCacheStore(store, 0, clock.Now)
	ctx := context.Background()
	_ = cache.Set(ctx, "events:week", []string{"town hall"}, time.Second)

	clock.Advance(2 * time.Second)
	for range 3 {
		var out []string
		if cache.Get(ctx, "events:week", &out) {
			t.Fatalf("Get() resurrected expired entry: %v", out)
		}
	}
	if n := store.removes[cacheKeyPrefix+"events:week"]; n != 1 {
		t.Fatalf("removes = %d, want exactly 1", n)
	}
}

func TestCacheStoreDefaultTTL(t *testing.T) {
	clock := newFixedClock()
	cache := NewCacheStore(kvstore.NewMemoryStore(), 10*time.Second, clock.Now)
	ctx := context.Background()
	_ = cache.Set(ctx, "k", 1, 0)

	entry, ok := cache.Entry(ctx, "k")
	if !ok || entry.TTL() != 10*time.Second {
		t.Fatalf("Entry() = %+v, ok=%v; want default ttl", entry, ok)
	}
}

func TestCacheStoreSetRejectsEmptyKey(t *testing.T) {
	cache := NewCacheStore(kvstore.NewMemoryStore(), 0, nil)
	if err := cache.Set(context.Background(), "  ", 1, time.Second); !errors.Is(err, domain.ErrKeyRequired) {
		t.Fatalf("Set(empty) error = %v", err)
	}
}

func TestCacheStoreStorageFailureIsMiss(t *testing.T) {
	store := &flakyStore{MemoryStore: kvstore.NewMemoryStore()}
	cache := NewCacheStore(store, 0, nil)
	ctx := context.Background()
	_ = cache.Set(ctx, "k", "v", time.Minute)

	store.failGet = true
	if cache.IsValid(ctx, "k") {
		t.Fatalf("IsValid() with failing store = true")
	}
	store.failGet = false
	if !cache.IsValid(ctx, "k") {
		t.Fatalf("entry removed after a transient read failure")
	}

	store.failSet = true
	if err := cache.Set(ctx, "k2", "v", time.Minute); err != nil {
		t.Fatalf("Set() with failing store error = %v, want swallowed", err)
	}
}

func TestCacheStoreRemovesCorruptEntry(t *testing.T) {
	store := kvstore.NewMemoryStore()
	cache := NewCacheStore(store, 0, nil)
	ctx := context.Background()
	_ = store.Set(ctx, cacheKeyPrefix+"broken", "{not json")

	if cache.IsValid(ctx, "broken") {
		t.Fatalf("IsValid(corrupt) = true")
	}
	if _, found, _ := store.Get(ctx, cacheKeyPrefix+"broken"); found {
		t.Fatalf("corrupt entry still stored")
	}
}

func TestCacheStoreKeysCleanupClear(t *testing.T) {
	clock := newFixedClock()
	store := kvstore.NewMemoryStore()
	cache := NewCacheStore(store, 0, clock.Now)
	ctx := context.Background()
	_ = store.Set(ctx, "user_pref:theme", "dark")
	_ = cache.Set(ctx, "a", 1, time.Second)
	_ = cache.Set(ctx, "b", 2, time.Hour)
	_ = cache.Set(ctx, "c", 3, time.Second)

	clock.Advance(2 * time.Second)
	if keys := cache.Keys(ctx); len(keys) != 3 {
		t.Fatalf("Keys() = %v, want expired keys listed too", keys)
	}
	if removed := cache.Cleanup(ctx); removed != 2 {
		t.Fatalf("Cleanup() = %d, want 2", removed)
	}
	if keys := cache.Keys(ctx); len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("Keys() after cleanup = %v", keys)
	}

	cache.Clear(ctx)
	if keys := cache.Keys(ctx); len(keys) != 0 {
		t.Fatalf("Keys() after clear = %v", keys)
	}
	if _, found, _ := store.Get(ctx, "user_pref:theme"); !found {
		t.Fatalf("Clear() removed a key outside the cache namespace")
	}
}
