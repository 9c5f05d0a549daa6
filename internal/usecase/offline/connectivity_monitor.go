package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

// ConnectivityMonitor tracks the best-known online state reported by a
// ConnectivityProvider and fans transitions out to subscribers.
//
// Listeners run synchronously, one transition at a time, in subscription
// order. A listener must not call Refresh.
type ConnectivityMonitor struct {
	provider ports.ConnectivityProvider

	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners []monitorListener
	detach    func()
	logCtx    context.Context

	// serializes observe so listeners see transitions in order
	notifyMu sync.Mutex
}

type monitorListener struct {
	id uint64
	fn func(online bool)
}

func NewConnectivityMonitor(provider ports.ConnectivityProvider, initial bool) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		provider: provider,
		online:   initial,
		logCtx:   logging.WithComponent(context.Background(), "offline.connectivity"),
	}
}

// Start attaches to the provider and probes once. A failed probe keeps the
// initial state.
func (m *ConnectivityMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.detach != nil {
		m.mu.Unlock()
		return nil
	}
	m.logCtx = logging.WithComponent(context.WithoutCancel(ctx), "offline.connectivity")
	m.detach = m.provider.OnChange(m.observe)
	m.mu.Unlock()

	online, err := m.provider.FetchOnce(ctx)
	if err != nil {
		logging.Warn(m.logCtx, "initial connectivity probe failed",
			slog.Bool("assumed_online", m.Current()), slog.Any("err", errs.Loggable(err)))
		return nil
	}
	m.observe(online)
	return nil
}

// Close detaches from the provider. Subscribers stay registered.
func (m *ConnectivityMonitor) Close() {
	m.mu.Lock()
	detach := m.detach
	m.detach = nil
	m.mu.Unlock()

	if detach != nil {
		detach()
	}
}

func (m *ConnectivityMonitor) Current() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for every transition. The returned func removes it
// and is safe to call more than once.
func (m *ConnectivityMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, monitorListener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Refresh actively probes the provider and records the result.
func (m *ConnectivityMonitor) Refresh(ctx context.Context) (bool, error) {
	online, err := m.provider.FetchOnce(ctx)
	if err != nil {
		return m.Current(), errs.Wrap(err, "probe connectivity")
	}
	m.observe(online)
	return online, nil
}

func (m *ConnectivityMonitor) observe(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]monitorListener, len(m.listeners))
	copy(listeners, m.listeners)
	logCtx := m.logCtx
	m.mu.Unlock()

	logging.Info(logCtx, "connectivity changed", slog.Bool("online", online))
	for _, l := range listeners {
		m.call(logCtx, l, online)
	}
}

func (m *ConnectivityMonitor) call(ctx context.Context, l monitorListener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "connectivity listener panicked",
				slog.Uint64("listener", l.id),
				slog.Any("err", errs.Loggable(errs.WithStack(fmt.Errorf("listener panic: %v", r)))))
		}
	}()
	l.fn(online)
}
