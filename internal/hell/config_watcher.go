package hell

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/undergrid/hell/internal/config"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/logfields"
)

// ConfigWatcher reloads the daemons section of the config file when it changes
// on disk. Edits to server, supervisor, or retry settings still require a
// process restart.
type ConfigWatcher struct {
	configPath string
	ctrl       *Controller
	watcher    *fsnotify.Watcher

	mu         sync.Mutex
	stopChan   chan struct{}
	reloadChan chan struct{}
	debounce   time.Duration
}

// NewConfigWatcher builds a watcher for the config file at configPath.
func NewConfigWatcher(configPath string, ctrl *Controller) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, derrors.WrapError(err, derrors.CategoryRuntime, "create file watcher").Build()
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		_ = watcher.Close()
		return nil, derrors.WrapError(err, derrors.CategoryConfig, "resolve config path").
			WithContext("path", configPath).Build()
	}
	return &ConfigWatcher{
		configPath: absPath,
		ctrl:       ctrl,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
		reloadChan: make(chan struct{}, 1),
		debounce:   2 * time.Second,
	}, nil
}

// Start watches the directory holding the config file. Editors replace files
// by rename, so watching the directory is more reliable than the file itself.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return derrors.WrapError(err, derrors.CategoryFileSystem, "watch config directory").
			WithContext("path", cw.configPath).Build()
	}
	slog.Info("config watcher started", logfields.Path(cw.configPath))

	go cw.watchLoop(ctx)
	go cw.reloadLoop(ctx)
	return nil
}

// Stop halts the watcher goroutines and closes the filesystem watcher.
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	close(cw.stopChan)
	if err := cw.watcher.Close(); err != nil {
		slog.Error("config watcher close failed", logfields.Error(err))
	}
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	configFile := filepath.Base(cw.configPath)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Rename):
				cw.triggerReload()
			case event.Op.Has(fsnotify.Remove):
				slog.Warn("config file removed", logfields.Path(event.Name))
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", logfields.Error(err))
		}
	}
}

// reloadLoop collapses bursts of filesystem events into one reload.
func (cw *ConfigWatcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return
		case <-cw.stopChan:
			stopTimer()
			return
		case <-cw.reloadChan:
			stopTimer()
			timer = time.AfterFunc(cw.debounce, func() {
				if err := cw.performReload(ctx); err != nil {
					slog.Error("config reload failed", logfields.Error(err))
				}
			})
		}
	}
}

func (cw *ConfigWatcher) triggerReload() {
	select {
	case cw.reloadChan <- struct{}{}:
	default:
	}
}

// performReload parses the file and applies the daemons section. A file that
// fails to parse or validate leaves the running configuration untouched.
func (cw *ConfigWatcher) performReload(ctx context.Context) error {
	newCfg, err := config.Load(cw.configPath)
	if err != nil {
		return err
	}
	if err := cw.ctrl.ReloadDaemons(ctx, newCfg.Daemons); err != nil {
		return err
	}
	slog.Info("config reloaded", logfields.Path(cw.configPath), slog.Int("daemons", len(newCfg.Daemons)))
	return nil
}
