package ports

import (
	"context"
)

// KVStore is the persistent key-value capability the offline layer is built on.
// Adapters may be backed by SQLite/Redis or memory.
//
// Writes are atomic per key. There is no multi-key transaction; adapters that can
// offer one expose it through UnitOfWork.
type KVStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string) error
	// SetIfAbsent stores value only when key does not exist yet and reports
	// whether it did.
	SetIfAbsent(ctx context.Context, key string, value string) (bool, error)
	Remove(ctx context.Context, key string) error
	// Keys lists stored keys starting with prefix in ascending order.
	// An empty prefix lists every key.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
