package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is invoked with the freshly loaded config after the watched
// file changes and revalidates.
type ReloadHandler func(EngineConfig)

// Watcher hot-reloads the engine config file. Running workflows keep the
// config they were constructed with; only new workflows pick up changes.
type Watcher struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	mu       sync.RWMutex
	current  EngineConfig
	handlers []ReloadHandler
	// editors often replace files via rename; debounce coalesces the burst
	debounce time.Duration
}

// NewWatcher starts watching path's directory. The initial config must
// already be loaded and valid.
func NewWatcher(path string, initial EngineConfig, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		watcher:  fsw,
		current:  initial,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() EngineConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a handler called after each successful reload.
func (w *Watcher) OnReload(h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		// Keep the last valid config; a bad edit never breaks the engine.
		w.logger.Warn("Config reload rejected", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	handlers := make([]ReloadHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded",
		zap.String("path", w.path),
		zap.Int("max_global_cycles", cfg.MaxGlobalCycles),
		zap.Int("max_loops_per_task", cfg.MaxLoopsPerTask),
	)
	for _, h := range handlers {
		h(cfg)
	}
}
