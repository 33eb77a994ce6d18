package logpipe

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies a consumer when a log file it cares about has been
// written to, so the Reporter's batched/issues display can print a
// captured log as soon as it is complete instead of polling the
// filesystem on a timer.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// NewWatcher watches dir for write/create events.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("logpipe: new watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("logpipe: watch %s: %w", dir, err)
	}
	return &Watcher{fsw: fsw}, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// WaitForClose blocks until name (a base filename within the watched
// directory) receives a write or the context is cancelled. It is a
// best-effort wake-up: the caller still re-reads the file itself, so a
// missed event only costs an extra poll, never a wrong result.
func (w *Watcher) WaitForClose(ctx context.Context, name string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				return
			}
		case <-w.fsw.Errors:
			// Diagnostic only; fall back to the caller's own polling.
		}
	}
}
