package policy

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the engine when the policy file changes or on SIGHUP.
// Blocks until ctx is cancelled. Editors replace files rather than write
// in place, so the watch covers the directory and filters by name.
func (e *Engine) Watch(ctx context.Context, path string) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var fsEvents chan fsnotify.Event
	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			return err
		}
		fsEvents = make(chan fsnotify.Event, 1)
		go forwardFileEvents(ctx, watcher, path, fsEvents)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			e.logger.Info("SIGHUP received, reloading policies")
			e.Reload(ctx)
		case <-fsEvents:
			// Coalesce editor write bursts into one reload.
			debounce = time.After(250 * time.Millisecond)
		case <-debounce:
			debounce = nil
			e.logger.Info("Policy file changed, reloading policies")
			e.Reload(ctx)
		}
	}
}

func forwardFileEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, out chan<- fsnotify.Event) {
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
