package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file on change and hands valid configs to a
// callback. Editors often replace the file via rename, so the watch is on the
// parent directory and events are filtered by name.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(Config)
	fsw      *fsnotify.Watcher
}

func NewWatcher(path string, debounce time.Duration, onReload func(Config), logger *slog.Logger) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("onReload callback is required")
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger,
		onReload: onReload,
		fsw:      fsw,
	}, nil
}

// Run blocks until ctx is done, delivering debounced reloads. Invalid config
// revisions are logged and skipped; the previous config stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path, "broadcasters", len(cfg.Broadcasters))
			w.onReload(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
