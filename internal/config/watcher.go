package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes. Invalid revisions are
// logged and skipped; the last good config stays current.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(Config)
	log      zerolog.Logger

	mu      sync.RWMutex
	current Config
	reloads atomic.Uint32
}

// NewWatcher creates a watcher for path starting from the already loaded cfg.
func NewWatcher(path string, cfg Config, onReload func(Config), log zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		onReload: onReload,
		log:      log.With().Str("component", "config").Str("path", abs).Logger(),
		current:  cfg,
	}, nil
}

// SetDebounce overrides DefaultDebounce. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(w.path), err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Stop()
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	count := w.reloads.Add(1)
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Uint32("count", count).Msg("config reload failed; keeping previous config")
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.log.Info().Uint32("count", count).Int("models", len(cfg.Models)).Msg("config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Snapshot returns the last successfully loaded config.
func (w *Watcher) Snapshot() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ReloadCount returns the number of reload attempts.
func (w *Watcher) ReloadCount() uint32 { return w.reloads.Load() }
