package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

type ProbeOpts struct {
	// URL is requested with HEAD; any HTTP response counts as online.
	URL string
	// Interval between passive probes. Default 15s.
	Interval time.Duration
	// Timeout per probe. Default 3s.
	Timeout time.Duration
	// Client is optional.
	Client *http.Client
}

// ProbeProvider derives connectivity from periodic HTTP reachability checks of
// the API host.
type ProbeProvider struct {
	opts      ProbeOpts
	listeners listenerSet

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    bool
	hasLast bool
}

var _ ports.ConnectivityProvider = (*ProbeProvider)(nil)

func NewProbeProvider(opts ProbeOpts) (*ProbeProvider, error) {
	if opts.URL == "" {
		return nil, errors.New("probe url is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &ProbeProvider{opts: opts}, nil
}

func (p *ProbeProvider) OnChange(fn func(online bool)) func() {
	return p.listeners.add(fn)
}

func (p *ProbeProvider) FetchOnce(ctx context.Context) (bool, error) {
	if ctx == nil {
		return false, errors.New("context is required")
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.opts.URL, nil)
	if err != nil {
		return false, errs.Wrap(err, "build probe request")
	}

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, errs.Wrap(ctx.Err(), "probe cancelled")
		}
		return false, nil
	}
	_ = resp.Body.Close()
	return true, nil
}

// Start launches the polling loop. Listeners hear every probe result.
func (p *ProbeProvider) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(logging.WithComponent(loopCtx, "connectivity.probe"), p.done)
}

func (p *ProbeProvider) Close() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *ProbeProvider) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		online, err := p.FetchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn(ctx, "connectivity probe failed", slog.Any("err", errs.Loggable(err)))
		} else {
			p.record(ctx, online)
			p.listeners.notify(online)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *ProbeProvider) record(ctx context.Context, online bool) {
	p.mu.Lock()
	changed := !p.hasLast || p.last != online
	p.last, p.hasLast = online, true
	p.mu.Unlock()

	if changed {
		logging.Info(ctx, "connectivity probe state", slog.Bool("online", online), slog.String("url", p.opts.URL))
	}
}
