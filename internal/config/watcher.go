package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the ctrlproxy config directory for changes to
// config.yaml using fsnotify, reloading and re-validating the file on
// every write so that an operator can edit seed sessions/profiles without
// restarting the proxy.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// OnConfigChange is called with the freshly reloaded config every time
// config.yaml is written or created. A parse or validation failure is
// logged and the previous config is left in effect — a bad edit never
// takes down a running proxy.
type OnConfigChange func(*Config)

// NewWatcher creates a file watcher on dir, reloading path (a file within
// dir, usually "config.yaml") and invoking onChange whenever it changes.
func NewWatcher(dir, path string, onChange OnConfigChange) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{fsWatcher: fw, done: make(chan struct{})}
	go w.processEvents(path, onChange)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(path string, onChange OnConfigChange) {
	target := filepath.Base(path)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != target {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				slog.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
