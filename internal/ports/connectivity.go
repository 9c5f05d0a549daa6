package ports

import "context"

// ConnectivityProvider is the platform network-state signal.
type ConnectivityProvider interface {
	// OnChange registers fn for every state signal the platform reports.
	// The returned func detaches it.
	OnChange(fn func(online bool)) (cancel func())
	// FetchOnce actively probes the current state.
	FetchOnce(ctx context.Context) (bool, error)
}
