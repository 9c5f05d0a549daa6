package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "civicsync/internal/domain/offline"
	"civicsync/internal/infrastructure/connectivity"
	"civicsync/internal/infrastructure/kvstore"
	"civicsync/internal/ports"
)

type recordingRemote struct {
	mu   sync.Mutex
	reqs []ports.RemoteRequest
	err  error
}

func (r *recordingRemote) Dispatch(_ context.Context, req ports.RemoteRequest) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil, r.err
}

type gatewayHarness struct {
	provider *connectivity.ManualProvider
	cache    *CacheStore
	gateway  *Gateway
	remote   *recordingRemote
}

func newGatewayHarness(t *testing.T, online bool) *gatewayHarness {
	t.Helper()
	provider := connectivity.NewManualProvider(online)
	monitor := NewConnectivityMonitor(provider, online)
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("monitor Start() error = %v", err)
	}
	t.Cleanup(monitor.Close)

	store := kvstore.NewMemoryStore()
	cache := NewCacheStore(store, time.Minute, nil)
	queue := NewActionQueue(store, nil, nil, 0)
	remote := &recordingRemote{}
	return &gatewayHarness{
		provider: provider,
		cache:    cache,
		gateway:  NewGateway(cache, monitor, queue, remote, nil),
		remote:   remote,
	}
}

type callCounter struct {
	n atomic.Int32
}

func (c *callCounter) call(value []string, err error) RemoteCall[[]string] {
	return func(context.Context) ([]string, error) {
		c.n.Add(1)
		return value, err
	}
}

func TestExecuteOfflineServesCacheWithoutCalling(t *testing.T) {
	h := newGatewayHarness(t, false)
	ctx := context.Background()
	_ = h.cache.Set(ctx, "news:latest", []string{"budget vote"}, time.Hour)

	var calls callCounter
	got, err := Execute(ctx, h.gateway, "news:latest", calls.call(nil, nil), WithTTL(time.Hour))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(got) != 1 || got[0] != "budget vote" {
		t.Fatalf("Execute() = %v", got)
	}
	if calls.n.Load() != 0 {
		t.Fatalf("remote call invoked %d times while offline", calls.n.Load())
	}
}

func TestExecuteOfflineWithoutCacheFails(t *testing.T) {
	h := newGatewayHarness(t, false)
	ctx := context.Background()

	var calls callCounter
	_, err := Execute(ctx, h.gateway, "news:latest", calls.call(nil, nil))
	if !errors.Is(err, domain.ErrNoConnectivityAndNoCache) {
		t.Fatalf("Execute() error = %v, want ErrNoConnectivityAndNoCache", err)
	}

	_ = h.cache.Set(ctx, "news:latest", []string{"x"}, time.Hour)
	_, err = Execute(ctx, h.gateway, "news:latest", calls.call(nil, nil), WithoutCache())
	if !errors.Is(err, domain.ErrNoConnectivityAndNoCache) {
		t.Fatalf("Execute(WithoutCache) error = %v", err)
	}
	if calls.n.Load() != 0 {
		t.Fatalf("remote call invoked while offline")
	}
}

func TestExecuteOnlineCachesResult(t *testing.T) {
	h := newGatewayHarness(t, true)
	ctx := context.Background()

	var calls callCounter
	got, err := Execute(ctx, h.gateway, "events:week", calls.call([]string{"town hall"}, nil), WithTTL(time.Hour))
	if err != nil || len(got) != 1 {
		t.Fatalf("Execute() = %v, %v", got, err)
	}
	entry, ok := h.cache.Entry(ctx, "events:week")
	if !ok || entry.TTL() != time.Hour {
		t.Fatalf("cache entry = %+v, ok=%v", entry, ok)
	}

	h.provider.Set(false)
	offline, err := Execute(ctx, h.gateway, "events:week", calls.call(nil, nil))
	if err != nil || offline[0] != "town hall" {
		t.Fatalf("Execute() offline = %v, %v", offline, err)
	}
	if calls.n.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.n.Load())
	}
}

func TestExecuteOnlineFailureFallsBackToCache(t *testing.T) {
	h := newGatewayHarness(t, true)
	ctx := context.Background()
	_ = h.cache.Set(ctx, "modules:all", []string{"cached"}, time.Hour)

	var calls callCounter
	got, err := Execute(ctx, h.gateway, "modules:all", calls.call(nil, errors.New("connection reset")))
	if err != nil {
		t.Fatalf("Execute() error = %v, want cached fallback", err)
	}
	if len(got) != 1 || got[0] != "cached" {
		t.Fatalf("Execute() = %v", got)
	}
	if calls.n.Load() != 1 {
		t.Fatalf("calls = %d, want the remote tried first", calls.n.Load())
	}
}

func TestExecuteOnlineFailurePropagates(t *testing.T) {
	h := newGatewayHarness(t, true)
	ctx := context.Background()
	remoteErr := errors.New("500 internal")

	var calls callCounter
	if _, err := Execute(ctx, h.gateway, "modules:all", calls.call(nil, remoteErr)); !errors.Is(err, remoteErr) {
		t.Fatalf("Execute() error = %v, want remote error", err)
	}

	_ = h.cache.Set(ctx, "modules:all", []string{"cached"}, time.Hour)
	if _, err := Execute(ctx, h.gateway, "modules:all", calls.call(nil, remoteErr), WithoutCache()); !errors.Is(err, remoteErr) {
		t.Fatalf("Execute(WithoutCache) error = %v, want remote error", err)
	}
}

func TestExecuteSharesConcurrentCalls(t *testing.T) {
	h := newGatewayHarness(t, true)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	call := func(context.Context) ([]string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []string{"shared"}, nil
	}

	var wg sync.WaitGroup
	results := make([][]string, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = Execute(ctx, h.gateway, "polls:open", call)
	}()
	<-started
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = Execute(ctx, h.gateway, "polls:open", call)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("remote calls = %d, want 1 shared call", n)
	}
	for i, r := range results {
		if len(r) != 1 || r[0] != "shared" {
			t.Fatalf("results[%d] = %v", i, r)
		}
	}
}

func TestGatewayDispatchRouting(t *testing.T) {
	h := newGatewayHarness(t, true)
	ctx := context.Background()

	var handled []string
	h.gateway.Register("poll.vote", func(_ context.Context, a domain.QueuedAction) error {
		handled = append(handled, a.ID)
		return nil
	})

	vote := domain.QueuedAction{ID: "1", Kind: "poll.vote", Endpoint: "/polls/1/votes", Method: "POST"}
	progress := domain.QueuedAction{ID: "2", Kind: "lesson.progress", Endpoint: "/progress", Method: "PUT", Payload: json.RawMessage(`{"pct":50}`)}
	if err := h.gateway.Dispatch(ctx, vote); err != nil {
		t.Fatalf("Dispatch(vote) error = %v", err)
	}
	if err := h.gateway.Dispatch(ctx, progress); err != nil {
		t.Fatalf("Dispatch(progress) error = %v", err)
	}

	if len(handled) != 1 || handled[0] != "1" {
		t.Fatalf("handled = %v", handled)
	}
	if len(h.remote.reqs) != 1 {
		t.Fatalf("remote requests = %+v", h.remote.reqs)
	}
	req := h.remote.reqs[0]
	if req.ID != "2" || req.Method != "PUT" || req.Endpoint != "/progress" || string(req.Payload) != `{"pct":50}` {
		t.Fatalf("remote request = %+v", req)
	}
}

func TestGatewayDispatchWithoutFallback(t *testing.T) {
	provider := connectivity.NewManualProvider(true)
	store := kvstore.NewMemoryStore()
	g := NewGateway(NewCacheStore(store, 0, nil), NewConnectivityMonitor(provider, true), NewActionQueue(store, nil, nil, 0), nil, nil)

	err := g.Dispatch(context.Background(), domain.QueuedAction{ID: "1", Kind: "unknown"})
	if !errors.Is(err, domain.ErrNoDispatcher) {
		t.Fatalf("Dispatch() error = %v, want ErrNoDispatcher", err)
	}
}

func TestGatewayEnqueueDoesNotDedupe(t *testing.T) {
	h := newGatewayHarness(t, false)
	ctx := context.Background()
	in, _ := domain.NewActionInput("poll.vote", "/polls/1/votes", "POST", map[string]string{"choice": "yes"})

	first, err := h.gateway.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	second, err := h.gateway.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("Enqueue() reused id %s", first.ID)
	}
}
