package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the config file on change and hands the result to OnReload.
// Only values that are safe to change at runtime (selectors) are expected to be
// consumed by the callback; the rest needs a plugin reload.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)
	log      zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(path string, log zerolog.Logger, onReload func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		debounce: defaultDebounce,
		onReload: onReload,
		log:      log.With().Str("component", "config_watcher").Logger(),
	}
}

// Run blocks until ctx is done. The directory is watched rather than the file
// so that editors replacing the file atomically are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}
	target := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config_watch_error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("config_reload_failed")
		return
	}
	w.log.Info().Str("path", w.path).Msg("config_reloaded")
	w.onReload(cfg)
}
