package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader swaps in a policy read from source.
type Reloader interface {
	Reload(ctx context.Context, source PolicySource) error
}

const defaultWatchDebounce = 250 * time.Millisecond

// PolicyWatcher reloads a YAML policy whenever its file changes.
type PolicyWatcher struct {
	source   FileSource
	reloader Reloader
	logger   *slog.Logger
	debounce time.Duration
}

// NewPolicyWatcher builds a watcher for source.Path.
func NewPolicyWatcher(source FileSource, reloader Reloader, logger *slog.Logger) *PolicyWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{source: source, reloader: reloader, logger: logger, debounce: defaultWatchDebounce}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file through a rename are noticed. Bursts of events
// are collapsed into one reload.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rbac: policy watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.source.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("rbac: watch %s: %w", filepath.Dir(target), err)
	}
	w.logger.Info("watching policy file", slog.String("path", target))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			if err := w.reloader.Reload(ctx, w.source); err != nil {
				w.logger.Error("policy file reload failed", slog.String("path", target), slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", slog.Any("error", err))
		}
	}
}
