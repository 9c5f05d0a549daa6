package offline

import (
	"testing"
	"time"
)

func TestCacheEntryValidityWindowIsHalfOpen(t *testing.T) {
	written := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	entry := NewCacheEntry("modules:all", []byte(`[]`), written, 5*time.Second)

	if !entry.ValidAt(written) {
		t.Fatalf("entry must be valid at write time")
	}
	if !entry.ValidAt(written.Add(5*time.Second - time.Millisecond)) {
		t.Fatalf("entry must be valid just before expiry")
	}
	if entry.ValidAt(written.Add(5 * time.Second)) {
		t.Fatalf("entry must be stale at writtenAt+ttl")
	}
	if entry.TTL() != 5*time.Second {
		t.Fatalf("TTL() = %v", entry.TTL())
	}
}

func TestCacheEntrySubMillisecondTTLRoundsUp(t *testing.T) {
	written := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	entry := NewCacheEntry("k", []byte(`1`), written, 300*time.Microsecond)

	if entry.TTL() != time.Millisecond {
		t.Fatalf("TTL() = %v, want 1ms", entry.TTL())
	}
	if !entry.ValidAt(written) {
		t.Fatalf("entry with a positive ttl must be valid at write time")
	}
	if got := NewCacheEntry("k", nil, written, 1500*time.Microsecond).TTL(); got != 2*time.Millisecond {
		t.Fatalf("TTL(1.5ms) = %v, want 2ms", got)
	}
}
