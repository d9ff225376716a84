package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a configuration file for changes and keeps a Store in
// sync with it, following the original implementation's config_watcher.rs:
// it watches the file's parent directory rather than the file itself,
// since editors commonly replace a file via rename rather than an
// in-place write, and a watch on the file's own inode misses the rename.
// Events are filtered down to the path of interest and any Write or
// Create triggers a re-read.
type Watcher struct {
	path   string
	store  *Store
	logger *slog.Logger

	// Reloaded receives the new Config after each successful reload. It is
	// buffered so a slow consumer cannot stall the watch loop; a reload
	// that would overflow it is still applied to the Store and only the
	// notification is dropped.
	Reloaded chan *Config

	fsw *fsnotify.Watcher
	wg  sync.WaitGroup
}

// NewWatcher creates a Watcher for the config file at path, backed by
// store. If logger is nil, slog.Default() is used.
func NewWatcher(path string, store *Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		store:    store,
		logger:   logger,
		Reloaded: make(chan *Config, 1),
		fsw:      fsw,
	}, nil
}

// Start runs the watch loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher: fsnotify error", slog.Any("error", err))
			}
		}
	}()
}

// reload re-parses the watched file. On success it swaps the new Config
// into the Store and attempts a non-blocking notification on Reloaded. On
// failure it logs the error and leaves the Store's previous Config in
// place, matching the original implementation's "keep serving the last
// good config" behavior on a bad edit.
func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("config watcher: reload failed, keeping previous config",
			slog.String("path", w.path), slog.Any("error", err))
		return
	}
	for _, warning := range cfg.UnsupportedActions() {
		w.logger.Warn("config watcher: " + warning)
	}
	w.store.Replace(cfg)
	w.logger.Info("config watcher: reloaded", slog.String("path", w.path), slog.Int("rules", len(cfg.Rules)))

	select {
	case w.Reloaded <- cfg:
	default:
	}
}

// Stop ends the watch loop, if it is still running, and blocks until it
// has exited.
func (w *Watcher) Stop() {
	_ = w.fsw.Close()
	w.wg.Wait()
}
