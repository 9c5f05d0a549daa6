package offline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "civicsync/internal/domain/offline"
	"civicsync/internal/infrastructure/connectivity"
	"civicsync/internal/infrastructure/kvstore"
	"civicsync/internal/ports"
)

type scriptedDispatcher struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	before func(action domain.QueuedAction)

	started chan struct{}
	release chan struct{}
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{fail: map[string]error{}}
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, action domain.QueuedAction) error {
	d.mu.Lock()
	d.calls = append(d.calls, action.Kind)
	err := d.fail[action.Kind]
	before := d.before
	started, release := d.started, d.release
	d.mu.Unlock()

	if before != nil {
		before(action)
	}
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *scriptedDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *scriptedDispatcher) setFail(kind string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, kind)
		return
	}
	d.fail[kind] = err
}

type recordingSink struct {
	mu     sync.Mutex
	events []ports.TelemetryEvent
}

func (s *recordingSink) Publish(_ context.Context, event ports.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Name)
	}
	return out
}

type syncHarness struct {
	provider    *connectivity.ManualProvider
	monitor     *ConnectivityMonitor
	queue       *ActionQueue
	dispatcher  *scriptedDispatcher
	sink        *recordingSink
	clock       *fixedClock
	coordinator *SyncCoordinator
}

func newSyncHarness(t *testing.T, online bool, opts CoordinatorOptions) *syncHarness {
	t.Helper()

	h := &syncHarness{
		provider:   connectivity.NewManualProvider(online),
		dispatcher: newScriptedDispatcher(),
		sink:       &recordingSink{},
		clock:      newFixedClock(),
	}
	h.monitor = NewConnectivityMonitor(h.provider, online)
	if err := h.monitor.Start(context.Background()); err != nil {
		t.Fatalf("monitor Start() error = %v", err)
	}
	h.queue = NewActionQueue(kvstore.NewMemoryStore(), nil, h.clock.Now, 0)

	if opts.Now == nil {
		opts.Now = h.clock.Now
	}
	if opts.Sink == nil {
		opts.Sink = h.sink
	}
	h.coordinator = NewSyncCoordinator(h.queue, h.monitor, h.dispatcher, opts)
	h.coordinator.Start(context.Background())

	t.Cleanup(func() {
		h.coordinator.Stop()
		h.monitor.Close()
	})
	return h
}

func (h *syncHarness) kinds(t *testing.T) string {
	t.Helper()
	all, err := h.queue.All(context.Background())
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	return actionKinds(all)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSyncCoordinatorIsolatesPartialFailure(t *testing.T) {
	h := newSyncHarness(t, false, CoordinatorOptions{Policy: RetryPolicy{MaxAttempts: 3}})
	mustEnqueue(t, h.queue, "A", map[string]int{"n": 1})
	mustEnqueue(t, h.queue, "B", map[string]int{"n": 2})
	mustEnqueue(t, h.queue, "C", map[string]int{"n": 3})
	h.dispatcher.setFail("B", errors.New("503 service unavailable"))

	h.provider.Set(true)
	result, err := h.coordinator.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync() error = %v", err)
	}

	if got := h.dispatcher.Calls(); len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("dispatch order = %v, want FIFO A,B,C", got)
	}
	if result.Attempted != 3 || result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("ForceSync() result = %+v", result)
	}

	remaining, _ := h.queue.All(context.Background())
	if len(remaining) != 1 || remaining[0].Kind != "B" || remaining[0].RetryCount != 1 {
		t.Fatalf("remaining = %+v, want only B with retryCount 1", remaining)
	}
	if remaining[0].LastError != "503 service unavailable" {
		t.Fatalf("LastError = %q", remaining[0].LastError)
	}

	st := h.coordinator.State()
	if st.SyncInProgress || st.LastSyncAt == nil || !st.LastSyncAt.Equal(h.clock.now) {
		t.Fatalf("State() = %+v", st)
	}
}

func TestSyncCoordinatorSingleFlight(t *testing.T) {
	h := newSyncHarness(t, true, CoordinatorOptions{Policy: RetryPolicy{MaxAttempts: 3}})
	mustEnqueue(t, h.queue, "A", nil)
	mustEnqueue(t, h.queue, "B", nil)

	h.dispatcher.started = make(chan struct{}, 1)
	h.dispatcher.release = make(chan struct{})

	type outcome struct {
		result domain.SyncResult
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.coordinator.ForceSync(context.Background())
		first <- outcome{res, err}
	}()
	<-h.dispatcher.started

	if !h.coordinator.State().SyncInProgress {
		t.Fatalf("SyncInProgress = false while a drain is running")
	}
	second, err := h.coordinator.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("second ForceSync() error = %v", err)
	}
	if !second.AlreadyRunning || second.Attempted != 0 {
		t.Fatalf("second ForceSync() = %+v, want AlreadyRunning no-op", second)
	}

	close(h.dispatcher.release)
	got := <-first
	if got.err != nil || got.result.Succeeded != 2 {
		t.Fatalf("first ForceSync() = %+v, %v", got.result, got.err)
	}
	if calls := h.dispatcher.Calls(); len(calls) != 2 {
		t.Fatalf("dispatch calls = %v, want exactly one per action", calls)
	}
}

func TestSyncCoordinatorForceSyncOffline(t *testing.T) {
	h := newSyncHarness(t, false, CoordinatorOptions{Policy: RetryPolicy{MaxAttempts: 3}})
	mustEnqueue(t, h.queue, "A", nil)

	_, err := h.coordinator.ForceSync(context.Background())
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("ForceSync() error = %v, want ErrNotConnected", err)
	}
	if calls := h.dispatcher.Calls(); len(calls) != 0 {
		t.Fatalf("dispatch calls = %v, want none", calls)
	}
	if st := h.coordinator.State(); st.LastSyncAt != nil {
		t.Fatalf("LastSyncAt set by rejected sync")
	}
}

func TestSyncCoordinatorKeepsDeadLetters(t *testing.T) {
	h := newSyncHarness(t, true, CoordinatorOptions{Policy: RetryPolicy{MaxAttempts: 2}})
	ctx := context.Background()
	a := mustEnqueue(t, h.queue, "A", nil)
	mustEnqueue(t, h.queue, "B", nil)
	h.dispatcher.setFail("A", errors.New("422 rejected"))
	h.dispatcher.setFail("B", errors.New("timeout"))

	if _, err := h.coordinator.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync() #1 error = %v", err)
	}
	h.dispatcher.setFail("B", nil)
	second, err := h.coordinator.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync() #2 error = %v", err)
	}
	if second.Exhausted != 1 || second.Succeeded != 1 {
		t.Fatalf("ForceSync() #2 = %+v, want A exhausted and B delivered", second)
	}

	third, _ := h.coordinator.ForceSync(ctx)
	if third.DeadLettered != 1 || third.Attempted != 0 {
		t.Fatalf("ForceSync() #3 = %+v, want dead letter ignored", third)
	}
	if calls := h.dispatcher.Calls(); len(calls) != 4 {
		t.Fatalf("dispatch calls = %v, want 4", calls)
	}

	status, err := h.coordinator.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.PendingCount != 0 || status.DeadLetterCount != 1 || status.BreakdownByKind["A"] != 1 {
		t.Fatalf("Status() = %+v", status)
	}
	if len(status.DeadLetters) != 1 || status.DeadLetters[0].ID != a.ID || status.DeadLetters[0].LastError != "422 rejected" {
		t.Fatalf("DeadLetters = %+v", status.DeadLetters)
	}

	names := h.sink.names()
	deadLetterEvents := 0
	for _, n := range names {
		if n == EventActionDeadLetter {
			deadLetterEvents++
		}
	}
	if deadLetterEvents != 1 {
		t.Fatalf("telemetry events = %v, want one %s", names, EventActionDeadLetter)
	}

	if _, err := h.coordinator.Revive(ctx, a.ID); err != nil {
		t.Fatalf("Revive() error = %v", err)
	}
	h.dispatcher.setFail("A", nil)
	fourth, _ := h.coordinator.ForceSync(ctx)
	if fourth.Succeeded != 1 || h.kinds(t) != "" {
		t.Fatalf("after revive: result=%+v queue=%q", fourth, h.kinds(t))
	}
}

func TestSyncCoordinatorRespectsBackoff(t *testing.T) {
	h := newSyncHarness(t, true, CoordinatorOptions{Policy: RetryPolicy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Minute },
	}})
	ctx := context.Background()
	mustEnqueue(t, h.queue, "A", nil)
	h.dispatcher.setFail("A", errors.New("boom"))

	if _, err := h.coordinator.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync() error = %v", err)
	}
	h.dispatcher.setFail("A", nil)

	h.clock.Advance(30 * time.Second)
	early, _ := h.coordinator.ForceSync(ctx)
	if early.Skipped != 1 || early.Attempted != 0 {
		t.Fatalf("ForceSync() inside backoff = %+v", early)
	}
	if a, _ := h.queue.All(ctx); a[0].RetryCount != 1 {
		t.Fatalf("retryCount = %d, skipped action must not be charged", a[0].RetryCount)
	}

	h.clock.Advance(30 * time.Second)
	due, _ := h.coordinator.ForceSync(ctx)
	if due.Succeeded != 1 {
		t.Fatalf("ForceSync() after backoff = %+v", due)
	}
}

func TestSyncCoordinatorStopsWhenConnectivityDropsMidDrain(t *testing.T) {
	h := newSyncHarness(t, true, CoordinatorOptions{Policy: RetryPolicy{MaxAttempts: 3}})
	mustEnqueue(t, h.queue, "A", nil)
	mustEnqueue(t, h.queue, "B", nil)
	mustEnqueue(t, h.queue, "C", nil)
	h.dispatcher.before = func(action domain.QueuedAction) {
		if action.Kind == "A" {
			h.provider.Set(false)
		}
	}

	result, err := h.coordinator.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync() error = %v", err)
	}
	if result.Succeeded != 1 || result.Skipped != 2 {
		t.Fatalf("ForceSync() = %+v, want A delivered and B,C left", result)
	}
	if got := h.kinds(t); got != "B,C" {
		t.Fatalf("queue = %s", got)
	}
}

func TestSyncCoordinatorTimesOutSlowCalls(t *testing.T) {
	h := newSyncHarness(t, true, CoordinatorOptions{
		Policy:      RetryPolicy{MaxAttempts: 3},
		CallTimeout: 20 * time.Millisecond,
	})
	mustEnqueue(t, h.queue, "A", nil)
	h.dispatcher.release = make(chan struct{})

	result, err := h.coordinator.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync() error = %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("ForceSync() = %+v, want timeout counted as failure", result)
	}
	a, _ := h.queue.All(context.Background())
	if a[0].RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", a[0].RetryCount)
	}
}

func TestSyncCoordinatorReconnectDrainIsDebounced(t *testing.T) {
	h := newSyncHarness(t, false, CoordinatorOptions{
		Policy:   RetryPolicy{MaxAttempts: 3},
		Debounce: 40 * time.Millisecond,
	})
	h.coordinator.StartBackground(context.Background())
	mustEnqueue(t, h.queue, "A", nil)

	// A flap back offline inside the window cancels the drain.
	h.provider.Set(true)
	h.provider.Set(false)
	time.Sleep(100 * time.Millisecond)
	if calls := h.dispatcher.Calls(); len(calls) != 0 {
		t.Fatalf("dispatch calls after flap = %v, want none", calls)
	}

	h.provider.Set(true)
	waitFor(t, time.Second, func() bool { return h.kinds(t) == "" })
	if calls := h.dispatcher.Calls(); len(calls) != 1 {
		t.Fatalf("dispatch calls = %v, want one reconnect drain", calls)
	}
}

func TestSyncCoordinatorStatusIsReadOnly(t *testing.T) {
	h := newSyncHarness(t, true, CoordinatorOptions{Policy: RetryPolicy{MaxAttempts: 3}})
	mustEnqueue(t, h.queue, "progress", nil)
	mustEnqueue(t, h.queue, "progress", nil)
	mustEnqueue(t, h.queue, "bookmark", nil)

	before := h.coordinator.State()
	status, err := h.coordinator.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.IsOnline || status.PendingCount != 3 || status.BreakdownByKind["progress"] != 2 {
		t.Fatalf("Status() = %+v", status)
	}
	if after := h.coordinator.State(); after != before {
		t.Fatalf("State changed by Status: %+v -> %+v", before, after)
	}
	if calls := h.dispatcher.Calls(); len(calls) != 0 {
		t.Fatalf("Status dispatched %v", calls)
	}
}

func TestSyncCoordinatorPicksUpActionsFromSharedStore(t *testing.T) {
	h := newSyncHarness(t, true, CoordinatorOptions{})
	ctx := context.Background()
	mustEnqueue(t, h.queue, "local", nil)

	cli := NewActionQueue(h.queue.store, nil, nil, 0)
	mustEnqueue(t, cli, "from.cli", nil)

	status, err := h.coordinator.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.PendingCount != 2 {
		t.Fatalf("PendingCount = %d, want 2", status.PendingCount)
	}

	mustEnqueue(t, cli, "from.cli.later", nil)
	result, err := h.coordinator.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync() error = %v", err)
	}
	if result.Succeeded != 3 {
		t.Fatalf("ForceSync() = %+v, want 3 succeeded", result)
	}
	if got := strings.Join(h.dispatcher.Calls(), ","); got != "local,from.cli,from.cli.later" {
		t.Fatalf("dispatch order = %s", got)
	}
	if got := h.kinds(t); got != "" {
		t.Fatalf("queue after drain = %s", got)
	}
}
