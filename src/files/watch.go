// C13 Sandbox Watch: another SPEC_FULL.md addition. Keeps a single
// non-recursive fsnotify watch on whatever directory a client last
// FILE_LIST'd, so create/write/remove/rename events there trigger a
// fresh listing push. Best effort: a watch failure never fails the
// FILE_LIST it decorates, mirroring the teacher's posture of degrading
// observability gracefully rather than failing the request it rides on.
package files

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch tracks the single directory a client is currently watching and
// notifies on change via a callback. Not safe for concurrent use by more
// than one goroutine at a time; callers serialize through their own
// connection's message loop, matching every other per-connection piece
// of state in this repo.
type Watch struct {
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	dir     string
	done    chan struct{}
}

// NewWatch creates an idle Watch. Call SetDirectory to start watching.
func NewWatch(logger *logrus.Logger) *Watch {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Watch{logger: logger}
}

// SetDirectory re-targets the watch at dir, tearing down any previous
// watch first. onChange is invoked (from an internal goroutine) whenever
// a create/write/remove/rename event fires for dir. Passing the same dir
// twice in a row is a no-op.
func (w *Watch) SetDirectory(dir string, onChange func()) {
	if w.dir == dir && w.watcher != nil {
		return
	}
	w.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.WithError(err).Warn("files: failed to create watcher")
		return
	}
	if err := watcher.Add(dir); err != nil {
		w.logger.WithError(err).WithField("dir", dir).Warn("files: failed to watch directory")
		watcher.Close()
		return
	}

	w.watcher = watcher
	w.dir = dir
	w.done = make(chan struct{})

	go w.loop(watcher, w.done, onChange)
}

func (w *Watch) loop(watcher *fsnotify.Watcher, done chan struct{}, onChange func()) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Debug("files: watcher error")
		case <-done:
			return
		}
	}
}

// Close tears down the current watch, if any. Safe to call repeatedly.
func (w *Watch) Close() {
	if w.watcher == nil {
		return
	}
	close(w.done)
	w.watcher.Close()
	w.watcher = nil
	w.dir = ""
	w.done = nil
}
