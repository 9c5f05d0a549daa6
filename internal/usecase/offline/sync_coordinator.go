package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"civicsync/internal/bootstrap/logging"
	domain "civicsync/internal/domain/offline"
	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

// Drain triggers, reported in SyncResult, logs and metrics.
const (
	TriggerManual    = "manual"
	TriggerReconnect = "reconnect"
	TriggerRetry     = "retry"
	TriggerStart     = "start"
)

// Telemetry event names.
const (
	EventSyncStart        = "sync.start"
	EventSyncComplete     = "sync.complete"
	EventActionFailed     = "action.failed"
	EventActionDeadLetter = "action.dead_letter"
)

// ActionDispatcher replays one queued action against the remote API.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action domain.QueuedAction) error
}

type CoordinatorOptions struct {
	Policy RetryPolicy
	// CallTimeout bounds each replayed call; zero means no timeout.
	CallTimeout time.Duration
	// Debounce delays the reconnect drain; going offline inside the window cancels it.
	Debounce time.Duration
	// RetryInterval drives periodic drains while online; zero disables them.
	RetryInterval time.Duration
	Now           func() time.Time
	Metrics       ports.OfflineMetrics
	Sink          ports.TelemetrySink
}

// SyncCoordinator owns SyncState and is the only component that drains or
// otherwise mutates queued actions.
type SyncCoordinator struct {
	queue      *ActionQueue
	monitor    *ConnectivityMonitor
	dispatcher ActionDispatcher

	policy        RetryPolicy
	callTimeout   time.Duration
	debounce      time.Duration
	retryInterval time.Duration
	now           func() time.Time
	metrics       ports.OfflineMetrics
	sink          ports.TelemetrySink

	running atomic.Bool

	mu          sync.Mutex
	state       domain.SyncState
	unsubscribe func()
	auto        bool
	stopped     bool
	timer       *time.Timer
	bgCtx       context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewSyncCoordinator(queue *ActionQueue, monitor *ConnectivityMonitor, dispatcher ActionDispatcher, opts CoordinatorOptions) *SyncCoordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SyncCoordinator{
		queue:         queue,
		monitor:       monitor,
		dispatcher:    dispatcher,
		policy:        opts.Policy,
		callTimeout:   opts.CallTimeout,
		debounce:      opts.Debounce,
		retryInterval: opts.RetryInterval,
		now:           now,
		metrics:       metricsOrNop(opts.Metrics),
		sink:          sinkOrNop(opts.Sink),
		state:         domain.SyncState{IsOnline: monitor.Current()},
	}
}

// Start subscribes to connectivity so SyncState follows the monitor.
// Automatic drains stay off until StartBackground.
func (c *SyncCoordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return
	}
	c.bgCtx, c.cancel = context.WithCancel(logging.WithComponent(context.WithoutCancel(ctx), "offline.sync"))
	c.stopped = false
	c.state.IsOnline = c.monitor.Current()
	c.unsubscribe = c.monitor.Subscribe(c.onConnectivity)
}

// StartBackground enables reconnect drains and the retry ticker, and drains
// once right away when online.
func (c *SyncCoordinator) StartBackground(ctx context.Context) {
	c.Start(ctx)

	c.mu.Lock()
	if c.auto || c.stopped {
		c.mu.Unlock()
		return
	}
	c.auto = true
	bgCtx := c.bgCtx
	if c.retryInterval > 0 {
		c.wg.Add(1)
		go c.retryLoop(bgCtx)
	}
	c.mu.Unlock()

	c.reportDepth(bgCtx)
	if c.monitor.Current() {
		c.runBackground(TriggerStart)
	}
}

// Stop detaches from connectivity, cancels pending triggers and waits for a
// background drain to finish its current call.
func (c *SyncCoordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.auto = false
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.wg.Wait()
}

// ForceSync drains the queue now. It fails with ErrNotConnected when offline
// and returns AlreadyRunning when another drain holds the single flight.
func (c *SyncCoordinator) ForceSync(ctx context.Context) (domain.SyncResult, error) {
	if !c.monitor.Current() {
		return domain.SyncResult{Trigger: TriggerManual}, domain.ErrNotConnected
	}
	return c.drain(logging.WithComponent(ctx, "offline.sync"), TriggerManual)
}

func (c *SyncCoordinator) State() domain.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	if st.LastSyncAt != nil {
		at := *st.LastSyncAt
		st.LastSyncAt = &at
	}
	return st
}

// Status summarizes SyncState and the queue without changing either.
func (c *SyncCoordinator) Status(ctx context.Context) (domain.SyncStatus, error) {
	if err := c.queue.Refresh(ctx); err != nil {
		return domain.SyncStatus{}, errs.Wrap(err, "refresh action queue")
	}
	actions, err := c.queue.All(ctx)
	if err != nil {
		return domain.SyncStatus{}, errs.Wrap(err, "read action queue")
	}

	st := c.State()
	status := domain.SyncStatus{
		IsOnline:        st.IsOnline,
		SyncInProgress:  st.SyncInProgress,
		LastSyncAt:      st.LastSyncAt,
		BreakdownByKind: make(map[string]int),
	}
	for _, a := range actions {
		status.BreakdownByKind[a.Kind]++
		if c.policy.Exhausted(a) {
			status.DeadLetterCount++
			status.DeadLetters = append(status.DeadLetters, domain.DeadLetter{
				ID:         a.ID,
				Kind:       a.Kind,
				RetryCount: a.RetryCount,
				LastError:  a.LastError,
			})
			continue
		}
		status.PendingCount++
	}
	return status, nil
}

// Revive clears the retry bookkeeping of a dead-lettered action so the next
// drain replays it.
func (c *SyncCoordinator) Revive(ctx context.Context, id string) (domain.QueuedAction, error) {
	action, err := c.queue.ResetRetry(ctx, id)
	if err != nil {
		return domain.QueuedAction{}, err
	}
	logging.Info(logging.WithComponent(ctx, "offline.sync"), "queued action revived",
		slog.String("action_id", action.ID), slog.String("kind", action.Kind))
	c.reportDepth(ctx)
	return action, nil
}

// Discard drops a queued action without replaying it.
func (c *SyncCoordinator) Discard(ctx context.Context, id string) error {
	if err := c.queue.RemoveByID(ctx, id); err != nil {
		return err
	}
	logging.Warn(logging.WithComponent(ctx, "offline.sync"), "queued action discarded",
		slog.String("action_id", id))
	c.reportDepth(ctx)
	return nil
}

// DiscardAll drops every queued action, dead letters included.
func (c *SyncCoordinator) DiscardAll(ctx context.Context) error {
	if err := c.queue.Clear(ctx); err != nil {
		return err
	}
	c.reportDepth(ctx)
	return nil
}

func (c *SyncCoordinator) onConnectivity(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasOnline := c.state.IsOnline
	c.state.IsOnline = online
	if !online {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		return
	}
	if wasOnline || !c.auto || c.stopped {
		return
	}

	if c.debounce <= 0 {
		go c.runBackground(TriggerReconnect)
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		if c.timer == timer {
			c.timer = nil
		}
		c.mu.Unlock()
		c.runBackground(TriggerReconnect)
	})
	c.timer = timer
}

func (c *SyncCoordinator) runBackground(trigger string) {
	c.mu.Lock()
	if c.stopped || c.bgCtx == nil {
		c.mu.Unlock()
		return
	}
	ctx := c.bgCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if !c.monitor.Current() {
			return
		}
		if _, err := c.drain(ctx, trigger); err != nil {
			logging.Warn(ctx, "background drain failed",
				slog.String("trigger", trigger), slog.Any("err", errs.Loggable(err)))
		}
	}()
}

func (c *SyncCoordinator) retryLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.monitor.Current() {
				continue
			}
			if _, err := c.drain(ctx, TriggerRetry); err != nil {
				logging.Warn(ctx, "retry drain failed", slog.Any("err", errs.Loggable(err)))
			}
		}
	}
}

func (c *SyncCoordinator) drain(ctx context.Context, trigger string) (domain.SyncResult, error) {
	result := domain.SyncResult{Trigger: trigger}
	if !c.running.CompareAndSwap(false, true) {
		result.AlreadyRunning = true
		logging.Debug(ctx, "drain already running", slog.String("trigger", trigger))
		return result, nil
	}
	defer c.running.Store(false)

	c.setInProgress(true, false)
	started := time.Now()
	c.publish(ctx, EventSyncStart, map[string]any{"trigger": trigger})

	// Other processes sharing the store may have enqueued since the last drain.
	if err := c.queue.Refresh(ctx); err != nil {
		c.setInProgress(false, false)
		return result, errs.Wrap(err, "refresh action queue")
	}
	actions, err := c.queue.All(ctx)
	if err != nil {
		c.setInProgress(false, false)
		return result, errs.Wrap(err, "snapshot action queue")
	}

	for i, action := range actions {
		if ctx.Err() != nil || !c.monitor.Current() {
			result.Skipped += len(actions) - i
			logging.Info(ctx, "drain interrupted, leaving remaining actions queued",
				slog.Int("remaining", len(actions)-i))
			break
		}
		if c.policy.Exhausted(action) {
			result.DeadLettered++
			continue
		}
		if !c.policy.Due(action, c.now()) {
			result.Skipped++
			continue
		}

		result.Attempted++
		if err := c.replay(ctx, action); err != nil {
			result.Failed++
			c.recordFailure(ctx, action, err, &result)
			continue
		}

		result.Succeeded++
		if err := c.queue.RemoveByID(ctx, action.ID); err != nil {
			// The action stays queued and is replayed again later.
			logging.Warn(ctx, "remove replayed action failed",
				slog.String("action_id", action.ID), slog.Any("err", errs.Loggable(err)))
		}
	}

	c.setInProgress(false, true)
	elapsed := time.Since(started)
	c.metrics.ObserveDrain(trigger, elapsed)
	c.reportDepth(ctx)

	logging.Info(ctx, "drain finished",
		slog.String("trigger", trigger),
		slog.Int("attempted", result.Attempted),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Int("dead_lettered", result.DeadLettered),
		slog.Duration("elapsed", elapsed),
	)
	c.publish(ctx, EventSyncComplete, map[string]any{
		"trigger":      trigger,
		"attempted":    result.Attempted,
		"succeeded":    result.Succeeded,
		"failed":       result.Failed,
		"skipped":      result.Skipped,
		"deadLettered": result.DeadLettered,
	})
	return result, nil
}

func (c *SyncCoordinator) replay(ctx context.Context, action domain.QueuedAction) (err error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errs.WithStack(fmt.Errorf("dispatch panicked: %v", r))
		}
		c.metrics.ObserveDispatch(action.Kind, err == nil, time.Since(started))
	}()

	if err := c.dispatcher.Dispatch(ctx, action); err != nil {
		return &domain.RemoteCallError{ActionID: action.ID, ActionKind: action.Kind, Err: err}
	}
	return nil
}

func (c *SyncCoordinator) recordFailure(ctx context.Context, action domain.QueuedAction, cause error, result *domain.SyncResult) {
	logging.Warn(ctx, "replay failed",
		slog.String("action_id", action.ID),
		slog.String("kind", action.Kind),
		slog.Any("err", errs.Loggable(cause)),
	)

	lastErr := cause
	var rce *domain.RemoteCallError
	if errors.As(cause, &rce) {
		lastErr = rce.Err
	}
	updated, err := c.queue.IncrementRetry(ctx, action.ID, lastErr)
	if err != nil {
		logging.Error(ctx, "record retry failed",
			slog.String("action_id", action.ID), slog.Any("err", errs.Loggable(err)))
		return
	}
	c.publish(ctx, EventActionFailed, map[string]any{
		"id":         updated.ID,
		"kind":       updated.Kind,
		"retryCount": updated.RetryCount,
		"error":      updated.LastError,
	})

	if c.policy.Exhausted(updated) {
		result.Exhausted++
		logging.Warn(ctx, "action reached retry ceiling, kept as dead letter",
			slog.String("action_id", updated.ID),
			slog.Int("retry_count", updated.RetryCount),
		)
		c.publish(ctx, EventActionDeadLetter, map[string]any{
			"id":         updated.ID,
			"kind":       updated.Kind,
			"retryCount": updated.RetryCount,
		})
	}
}

func (c *SyncCoordinator) setInProgress(inProgress, completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.SyncInProgress = inProgress
	if completed {
		at := c.now().UTC()
		c.state.LastSyncAt = &at
	}
}

func (c *SyncCoordinator) reportDepth(ctx context.Context) {
	status, err := c.Status(ctx)
	if err != nil {
		return
	}
	c.metrics.SetQueueDepth(status.PendingCount, status.DeadLetterCount)
}

func (c *SyncCoordinator) publish(ctx context.Context, name string, attrs map[string]any) {
	event := ports.TelemetryEvent{Name: name, At: c.now().UTC(), Attrs: attrs}
	if err := c.sink.Publish(ctx, event); err != nil {
		logging.Debug(ctx, "telemetry publish failed",
			slog.String("event", name), slog.Any("err", errs.Loggable(err)))
	}
}
