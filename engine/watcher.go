package engine

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// newSourceWatcher watches the top level of each existing source directory.
// Paths that do not exist are logged and skipped. The returned slice lists the
// directories actually watched.
func newSourceWatcher(paths []string, logger *slog.Logger) (*fsnotify.Watcher, []string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}

	var watched []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			logger.Info("source path does not exist, skipping", "path", path)
			continue
		}
		if err := watcher.Add(path); err != nil {
			logger.Warn("cannot watch source path", "path", path, "error", err)
			continue
		}
		logger.Info("watching source", "path", path)
		watched = append(watched, path)
	}
	return watcher, watched, nil
}

// arrival reports whether ev announces a new file in a watched directory.
// Both a file renamed into place and a file created by a writer that is
// still copying into it show up as a create on the final name, so an
// arrival only starts the settle window.
func arrival(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Create)
}

// departure reports whether ev means the file is no longer at ev.Name.
func departure(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

// settleTick is the polling interval for plots waiting out their settle window.
func settleTick(settle time.Duration) time.Duration {
	tick := settle / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	return tick
}
