package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReloadFunc receives the freshly parsed alias and trust tables after the
// config file changes on disk. Only these two tables hot-reload; every other
// setting requires a restart.
type ReloadFunc func(models ModelsConfig, trust TrustConfig)

// Watcher re-reads the config file when it changes and fans the reloadable
// tables out to registered callbacks. Editors replace files with
// rename+create, so the parent directory is watched rather than the file.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadFunc
	timer     *time.Timer
}

// NewWatcher creates a watcher for the given config file. A Watcher with an
// empty path is inert: StartWatching returns immediately.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
	if path == "" {
		return w, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	w.watcher = fw
	return w, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// StartWatching begins observing the config file until ctx is cancelled.
func (w *Watcher) StartWatching(ctx context.Context) error {
	if w.watcher == nil {
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("Config watcher error", zap.Error(err))
			}
		}
	}()

	w.logger.Info("Config hot-reload watching started",
		zap.String("path", w.path),
	)
	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	// Editors fire several events per save. Collapse them into one reload.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(w.path)
	if err := v.ReadInConfig(); err != nil {
		w.logger.Error("Config reload failed, keeping previous tables",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		w.logger.Error("Config reload parse failed, keeping previous tables",
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg.Models, cfg.Trust)
	}

	w.logger.Info("Config tables reloaded",
		zap.Int("aliases", len(cfg.Models.Aliases)),
		zap.Int("trusted_domains", len(cfg.Trust.Trusted)),
	)
}

// Close releases the underlying file watcher.
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
