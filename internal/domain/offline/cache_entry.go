package offline

import (
	"encoding/json"
	"time"
)

// CacheEntry is a remote result stored with its validity window.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	WrittenAt time.Time       `json:"writtenAt"`
	TTLMillis int64           `json:"ttlMs"`
}

func NewCacheEntry(key string, value json.RawMessage, writtenAt time.Time, ttl time.Duration) CacheEntry {
	return CacheEntry{
		Key:       key,
		Value:     value,
		WrittenAt: writtenAt,
		TTLMillis: ttlMillis(ttl),
	}
}

// ttlMillis rounds ttl up so a positive sub-millisecond lifetime is not stored
// as zero.
func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ttl > 0 && ttl%time.Millisecond != 0 {
		ms++
	}
	return ms
}

func (e CacheEntry) TTL() time.Duration {
	return time.Duration(e.TTLMillis) * time.Millisecond
}

func (e CacheEntry) ExpiresAt() time.Time {
	return e.WrittenAt.Add(e.TTL())
}

// ValidAt reports whether e may be served at now. The window is half-open:
// a read at exactly WrittenAt+TTL is already stale.
func (e CacheEntry) ValidAt(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}
