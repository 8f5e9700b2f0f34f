package runner

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// mtimeSlack absorbs coarse filesystem timestamps, which may trail the wall
// clock by a few milliseconds.
const mtimeSlack = 20 * time.Millisecond

// ArtifactWatcher records whether a file was created or written while it was
// open. It watches the parent directory so files created by rename count.
type ArtifactWatcher struct {
	path    string
	since   time.Time
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	written bool
	done    chan struct{}
}

// WatchArtifact starts watching path. The parent directory is created if it
// does not exist. When the watch cannot be set up the returned watcher still
// answers Written from the file's modification time.
func WatchArtifact(path string, logger *slog.Logger) *ArtifactWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &ArtifactWatcher{
		path:   filepath.Clean(path),
		since:  time.Now(),
		logger: logger,
		done:   make(chan struct{}),
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("create artifact dir", "dir", dir, "error", err)
		close(w.done)
		return w
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("artifact watcher unavailable", "error", err)
		close(w.done)
		return w
	}
	if err := fw.Add(dir); err != nil {
		logger.Warn("watch artifact dir", "dir", dir, "error", err)
		fw.Close()
		close(w.done)
		return w
	}
	w.watcher = fw
	go w.loop()
	return w
}

func (w *ArtifactWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.mu.Lock()
				w.written = true
				w.mu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("artifact watcher error", "error", err)
		}
	}
}

// Written reports whether the file was written since the watch started.
func (w *ArtifactWatcher) Written() bool {
	w.mu.Lock()
	written, since := w.written, w.since
	w.mu.Unlock()
	if written {
		return true
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	return !info.ModTime().Before(since.Add(-mtimeSlack))
}

// Close stops the watch.
func (w *ArtifactWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
