package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

// FileProvider reads connectivity from a status file kept by an external
// network agent. The file holds "online" or "offline"; a missing file means
// offline.
type FileProvider struct {
	path      string
	listeners listenerSet

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ ports.ConnectivityProvider = (*FileProvider)(nil)

func NewFileProvider(path string) (*FileProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("connectivity file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.Wrapf(err, "resolve connectivity file %q", path)
	}
	return &FileProvider{path: abs}, nil
}

func (p *FileProvider) OnChange(fn func(online bool)) func() {
	return p.listeners.add(fn)
}

func (p *FileProvider) FetchOnce(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errs.Wrapf(err, "read connectivity file %q", p.path)
	}
	return ParseState(string(raw))
}

// ParseState accepts online/offline, up/down, true/false and 1/0.
func ParseState(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "online", "up", "true", "1":
		return true, nil
	case "offline", "down", "false", "0", "":
		return false, nil
	default:
		return false, errors.New("unrecognized connectivity state " + strings.TrimSpace(raw))
	}
}

// Start watches the file's directory so that atomic replace-by-rename is seen.
func (p *FileProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(err, "create fsnotify watcher")
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return errs.Wrapf(err, "watch %q", filepath.Dir(p.path))
	}

	p.watcher = watcher
	p.done = make(chan struct{})
	go p.loop(logging.WithComponent(context.WithoutCancel(ctx), "connectivity.file"), watcher, p.done)
	return nil
}

func (p *FileProvider) Close() error {
	p.mu.Lock()
	watcher, done := p.watcher, p.done
	p.watcher = nil
	p.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return errs.Wrap(err, "close fsnotify watcher")
}

func (p *FileProvider) loop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			online, err := p.FetchOnce(ctx)
			if err != nil {
				logging.Warn(ctx, "read connectivity file failed", slog.Any("err", errs.Loggable(err)))
				continue
			}
			p.listeners.notify(online)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn(ctx, "fsnotify error", slog.Any("err", errs.Loggable(err)))
		}
	}
}
