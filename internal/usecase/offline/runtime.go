package offline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/ports"
)

type Options struct {
	CacheTTL         time.Duration
	CleanupInterval  time.Duration
	Policy           RetryPolicy
	CallTimeout      time.Duration
	Debounce         time.Duration
	RetryInterval    time.Duration
	CompactThreshold int
	// InitialOnline is assumed until the first connectivity probe answers.
	InitialOnline bool
}

func DefaultOptions() Options {
	return Options{
		CacheTTL:         5 * time.Minute,
		CleanupInterval:  10 * time.Minute,
		Policy:           DefaultRetryPolicy(),
		CallTimeout:      15 * time.Second,
		Debounce:         2 * time.Second,
		RetryInterval:    time.Minute,
		CompactThreshold: 256,
	}
}

type Deps struct {
	Store        ports.KVStore
	UnitOfWork   ports.UnitOfWork
	Connectivity ports.ConnectivityProvider
	Dispatcher   ports.RemoteDispatcher
	Metrics      ports.OfflineMetrics
	Sink         ports.TelemetrySink
	Now          func() time.Time
}

// Runtime holds the one instance per process of every offline component.
type Runtime struct {
	Cache       *CacheStore
	Queue       *ActionQueue
	Monitor     *ConnectivityMonitor
	Coordinator *SyncCoordinator
	Gateway     *Gateway

	cleanupInterval time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRuntime(deps Deps, opts Options) (*Runtime, error) {
	if deps.Store == nil {
		return nil, errors.New("offline runtime: kv store is required")
	}
	if deps.Connectivity == nil {
		return nil, errors.New("offline runtime: connectivity provider is required")
	}

	cache := NewCacheStore(deps.Store, opts.CacheTTL, deps.Now)
	queue := NewActionQueue(deps.Store, deps.UnitOfWork, deps.Now, opts.CompactThreshold)
	monitor := NewConnectivityMonitor(deps.Connectivity, opts.InitialOnline)
	gateway := NewGateway(cache, monitor, queue, deps.Dispatcher, deps.Metrics)
	coordinator := NewSyncCoordinator(queue, monitor, gateway, CoordinatorOptions{
		Policy:        opts.Policy,
		CallTimeout:   opts.CallTimeout,
		Debounce:      opts.Debounce,
		RetryInterval: opts.RetryInterval,
		Now:           deps.Now,
		Metrics:       deps.Metrics,
		Sink:          deps.Sink,
	})

	return &Runtime{
		Cache:           cache,
		Queue:           queue,
		Monitor:         monitor,
		Coordinator:     coordinator,
		Gateway:         gateway,
		cleanupInterval: opts.CleanupInterval,
	}, nil
}

// Start reads connectivity and lets SyncState follow it. Nothing is drained
// until StartBackground.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := r.Monitor.Start(ctx); err != nil {
		return err
	}
	r.Coordinator.Start(ctx)
	r.started = true
	return nil
}

// StartBackground turns on automatic drains and periodic cache cleanup.
func (r *Runtime) StartBackground(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.cancel == nil && r.cleanupInterval > 0 {
		bgCtx, cancel := context.WithCancel(logging.WithComponent(context.WithoutCancel(ctx), "offline.runtime"))
		r.cancel = cancel
		r.wg.Add(1)
		go r.cleanupLoop(bgCtx)
	}
	r.mu.Unlock()

	r.Coordinator.StartBackground(ctx)
	return nil
}

func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.started = false
	r.mu.Unlock()

	r.Coordinator.Stop()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.Monitor.Close()
}

func (r *Runtime) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Cache.Cleanup(ctx); removed > 0 {
				logging.Debug(ctx, "periodic cache cleanup", slog.Int("removed", removed))
			}
		}
	}
}
