package connectivity

import (
	"context"
	"sync"

	"civicsync/internal/ports"
)

// ManualProvider reports whatever state it was last told. It backs the
// "manual" connectivity mode and tests.
type ManualProvider struct {
	listeners listenerSet

	mu     sync.Mutex
	online bool
}

var _ ports.ConnectivityProvider = (*ManualProvider)(nil)

func NewManualProvider(online bool) *ManualProvider {
	return &ManualProvider{online: online}
}

// Set records the state and signals every listener, even when unchanged,
// the way a platform re-announces its state.
func (p *ManualProvider) Set(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()

	p.listeners.notify(online)
}

func (p *ManualProvider) OnChange(fn func(online bool)) func() {
	return p.listeners.add(fn)
}

func (p *ManualProvider) FetchOnce(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online, nil
}
