package offline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"civicsync/internal/bootstrap/logging"
	domain "civicsync/internal/domain/offline"
	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

// Cache lookup results reported to OfflineMetrics.
const (
	lookupOfflineHit  = "offline_hit"
	lookupOfflineMiss = "offline_miss"
	lookupFallbackHit = "fallback_hit"
	lookupRemote      = "remote"
)

// RemoteCall performs one read against the remote API.
type RemoteCall[T any] func(ctx context.Context) (T, error)

// Handler replays a queued action of one kind.
type Handler func(ctx context.Context, action domain.QueuedAction) error

// Gateway is the feature layer's entry point: cached reads with offline
// fallback, queued writes, and the dispatch table used during sync.
type Gateway struct {
	cache    *CacheStore
	monitor  *ConnectivityMonitor
	queue    *ActionQueue
	fallback ports.RemoteDispatcher
	metrics  ports.OfflineMetrics

	mu       sync.RWMutex
	handlers map[string]Handler

	group singleflight.Group
}

// NewGateway wires the gateway. fallback handles every kind without a
// registered Handler and may be nil.
func NewGateway(cache *CacheStore, monitor *ConnectivityMonitor, queue *ActionQueue, fallback ports.RemoteDispatcher, metrics ports.OfflineMetrics) *Gateway {
	return &Gateway{
		cache:    cache,
		monitor:  monitor,
		queue:    queue,
		fallback: fallback,
		metrics:  metricsOrNop(metrics),
		handlers: make(map[string]Handler),
	}
}

// Register routes queued actions of kind to h, replacing any earlier handler.
func (g *Gateway) Register(kind string, h Handler) {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[kind] = h
}

func (g *Gateway) handler(kind string) (Handler, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.handlers[kind]
	return h, ok
}

// Dispatch replays action through its registered handler or the fallback dispatcher.
func (g *Gateway) Dispatch(ctx context.Context, action domain.QueuedAction) error {
	if h, ok := g.handler(action.Kind); ok {
		return h(ctx, action)
	}
	if g.fallback == nil {
		return errs.Wrapf(domain.ErrNoDispatcher, "kind %q", action.Kind)
	}
	_, err := g.fallback.Dispatch(ctx, ports.RemoteRequest{
		ID:       action.ID,
		Kind:     action.Kind,
		Endpoint: action.Endpoint,
		Method:   action.Method,
		Payload:  action.Payload,
	})
	return err
}

// Enqueue records a mutation for later replay. It is the only queue operation
// available to feature code.
func (g *Gateway) Enqueue(ctx context.Context, in domain.ActionInput) (domain.QueuedAction, error) {
	return g.queue.Enqueue(ctx, in)
}

// Online reports the monitor's current state.
func (g *Gateway) Online() bool {
	return g.monitor.Current()
}

type execConfig struct {
	useCache bool
	ttl      time.Duration
}

type ExecOption func(*execConfig)

// WithoutCache disables the cache fallback. Successful results are still cached.
func WithoutCache() ExecOption {
	return func(c *execConfig) { c.useCache = false }
}

func WithCache(use bool) ExecOption {
	return func(c *execConfig) { c.useCache = use }
}

// WithTTL sets the TTL of the cached result; zero or less uses the cache default.
func WithTTL(ttl time.Duration) ExecOption {
	return func(c *execConfig) { c.ttl = ttl }
}

// Execute runs call with offline support.
//
// Online, the call result is cached under key and returned; when the call
// fails a valid cached value is returned instead, if the cache is in use.
// Offline, only a valid cached value can answer; otherwise the error wraps
// ErrNoConnectivityAndNoCache. Concurrent online calls for the same key and
// result type share one remote call. Execute never queues mutations.
func Execute[T any](ctx context.Context, g *Gateway, key string, call RemoteCall[T], opts ...ExecOption) (T, error) {
	cfg := execConfig{useCache: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	var zero T
	key = strings.TrimSpace(key)
	if key == "" {
		return zero, domain.ErrKeyRequired
	}
	logCtx := logging.WithComponent(ctx, "offline.gateway")

	if !g.monitor.Current() {
		if cfg.useCache {
			if v, ok := GetCached[T](ctx, g.cache, key); ok {
				g.metrics.ObserveCacheLookup(lookupOfflineHit)
				return v, nil
			}
		}
		g.metrics.ObserveCacheLookup(lookupOfflineMiss)
		return zero, errs.Wrapf(domain.ErrNoConnectivityAndNoCache, "read %q", key)
	}

	shared, err, _ := g.group.Do(flightKey[T](key), func() (any, error) {
		v, err := call(ctx)
		if err != nil {
			return nil, err
		}
		if err := g.cache.Set(ctx, key, v, cfg.ttl); err != nil {
			logging.Warn(logCtx, "cache write after remote call failed",
				slog.String("key", key), slog.Any("err", errs.Loggable(err)))
		}
		return v, nil
	})
	if err == nil {
		g.metrics.ObserveCacheLookup(lookupRemote)
		if v, ok := shared.(T); ok {
			return v, nil
		}
		return zero, nil
	}

	if cfg.useCache {
		if v, ok := GetCached[T](ctx, g.cache, key); ok {
			g.metrics.ObserveCacheLookup(lookupFallbackHit)
			logging.Info(logCtx, "remote call failed, served cached value",
				slog.String("key", key), slog.Any("err", errs.Loggable(err)))
			return v, nil
		}
	}
	return zero, errs.Wrapf(err, "remote call for %q", key)
}

// flightKey keeps callers that decode the same key into different types apart.
func flightKey[T any](key string) string {
	var zero T
	return fmt.Sprintf("%s|%T", key, &zero)
}
