package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// Prefix namespaces every key, e.g. "civicsync:". Optional.
	Prefix string

	// Timeout bounds each command. Default is one second.
	Timeout time.Duration
}

// RedisStore keeps offline state in a redis database. Keys are never given a
// redis TTL; cache expiry is decided by the offline layer.
type RedisStore struct {
	opts RedisStoreOpts
}

var _ ports.KVStore = (*RedisStore)(nil)

func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, errors.New("nil redis client")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &RedisStore{opts: opts}, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := checkContext(ctx); err != nil {
		return nil, nil, err
	}
	c, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	return c, cancel, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	trimmedKey, err := requireKey(key)
	if err != nil {
		return "", false, err
	}
	c, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()

	v, err := s.opts.Client.Get(c, s.opts.Prefix+trimmedKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, errs.Wrap(err, "redis get")
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string) error {
	trimmedKey, err := requireKey(key)
	if err != nil {
		return err
	}
	c, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return errs.Wrap(s.opts.Client.Set(c, s.opts.Prefix+trimmedKey, value, 0).Err(), "redis set")
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value string) (bool, error) {
	trimmedKey, err := requireKey(key)
	if err != nil {
		return false, err
	}
	c, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	created, err := s.opts.Client.SetNX(c, s.opts.Prefix+trimmedKey, value, 0).Result()
	if err != nil {
		return false, errs.Wrap(err, "redis setnx")
	}
	return created, nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	trimmedKey, err := requireKey(key)
	if err != nil {
		return err
	}
	c, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return errs.Wrap(s.opts.Client.Del(c, s.opts.Prefix+trimmedKey).Err(), "redis del")
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	c, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	pattern := escapeGlob(s.opts.Prefix+prefix) + "*"
	iter := s.opts.Client.Scan(c, 0, pattern, 256).Iterator()

	seen := make(map[string]struct{})
	for iter.Next(c) {
		// SCAN may return a key more than once.
		seen[strings.TrimPrefix(iter.Val(), s.opts.Prefix)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Wrap(err, "redis scan")
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
