package audit

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch relays writes made to the log file by other processes into Changed
// notifications. It blocks until ctx is done. Only needed when something
// other than this FileLog appends to the file.
func (l *FileLog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("audit: create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("audit: watch %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)
	logger := slog.Default().With("component", "audit", "path", l.path)
	logger.DebugContext(ctx, "watching audit log for external writers")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				l.notify()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "audit watcher error", "error", err)
		}
	}
}
