package invalidate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/radovskyb/watcher"

	"buildcore/internal/ctxlog"
)

// Watch polls root recursively every interval and emits change events with
// paths relative to root. The channel is closed when ctx ends or the watcher
// stops.
func Watch(ctx context.Context, root string, interval time.Duration) (<-chan Event, error) {
	logger := ctxlog.FromContext(ctx)
	if interval < time.Millisecond {
		return nil, fmt.Errorf("watch %s: poll interval %v is too short", root, interval)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	w := watcher.New()
	w.FilterOps(watcher.Create, watcher.Write, watcher.Remove, watcher.Rename, watcher.Move, watcher.Chmod)
	if err := w.AddRecursive(abs); err != nil {
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	out := make(chan Event)
	started := make(chan error, 1)
	go func() {
		started <- w.Start(interval)
	}()
	go func() {
		defer close(out)
		defer w.Close()
		emit := func(p string, kind Kind) bool {
			rel, err := filepath.Rel(abs, p)
			if err != nil {
				return true
			}
			select {
			case out <- Event{Path: CleanPath(rel), Kind: kind}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-started:
				if err != nil {
					logger.Error("file watcher failed to start", "root", abs, "error", err)
				}
				return
			case err := <-w.Error:
				if err == watcher.ErrWatchedFileDeleted {
					logger.Warn("watched root deleted", "root", abs)
					return
				}
				logger.Warn("file watcher error", "root", abs, "error", err)
			case <-w.Closed:
				return
			case ev := <-w.Event:
				if !forward(ev, emit, logger) {
					return
				}
			}
		}
	}()

	// Events are only detected once polling has begun.
	ready := make(chan struct{})
	go func() {
		w.Wait()
		close(ready)
	}()
	select {
	case <-ready:
		return out, nil
	case <-ctx.Done():
		return out, nil
	case <-time.After(5 * time.Second):
		return out, fmt.Errorf("watch %s: watcher did not start", abs)
	}
}

func forward(ev watcher.Event, emit func(string, Kind) bool, logger *slog.Logger) bool {
	switch ev.Op {
	case watcher.Create:
		return emit(ev.Path, Created)
	case watcher.Write, watcher.Chmod:
		if ev.IsDir() {
			return true
		}
		return emit(ev.Path, Modified)
	case watcher.Remove:
		return emit(ev.Path, Removed)
	case watcher.Rename, watcher.Move:
		if !emit(ev.OldPath, Removed) {
			return false
		}
		return emit(ev.Path, Created)
	default:
		logger.Debug("ignoring file event", "event", ev.String())
		return true
	}
}
