package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked with the old and new config whenever the
// watched file changes and reloads successfully.
type ChangeCallback func(oldConfig, newConfig *Config) error

// Watcher reloads configuration from disk whenever the backing file
// changes, debouncing rapid writes from editors/deploy tooling.
type Watcher struct {
	loader *Loader

	mu         sync.RWMutex
	config     *Config
	callbacks  []ChangeCallback
	lastReload time.Time

	fsw         *fsnotify.Watcher
	reloadDelay time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewWatcher creates a Watcher rooted at the directory containing
// configFile.
func NewWatcher(configFile string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		loader:      NewLoader(filepath.Dir(configFile)),
		fsw:         fsw,
		reloadDelay: time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start loads the initial config and begins watching for changes.
func (w *Watcher) Start(configFile string) error {
	cfg, err := w.loader.Load()
	if err != nil {
		return fmt.Errorf("config: initial load: %w", err)
	}
	w.mu.Lock()
	w.config = cfg
	w.mu.Unlock()

	if err := w.fsw.Add(configFile); err != nil {
		return fmt.Errorf("config: watch %s: %w", configFile, err)
	}
	go w.loop()
	return nil
}

// Stop tears down the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.cancel()
	return w.fsw.Close()
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback fired after every successful reload.
// A callback returning an error aborts the reload: the old config stays
// active.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			fmt.Printf("config watcher error: %v\n", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	now := time.Now()
	if now.Sub(w.lastReload) < w.reloadDelay {
		return
	}
	w.lastReload = now
	time.AfterFunc(w.reloadDelay, func() {
		if err := w.reload(); err != nil {
			fmt.Printf("config: reload failed: %v\n", err)
		}
	})
}

func (w *Watcher) reload() error {
	newCfg, err := w.loader.Load()
	if err != nil {
		return err
	}

	w.mu.RLock()
	oldCfg := w.config
	callbacks := append([]ChangeCallback(nil), w.callbacks...)
	w.mu.RUnlock()

	if err := ImmutableFieldsUnchanged(oldCfg, newCfg); err != nil {
		return err
	}

	for _, cb := range callbacks {
		if err := cb(oldCfg, newCfg); err != nil {
			return fmt.Errorf("config change callback: %w", err)
		}
	}

	w.mu.Lock()
	w.config = newCfg
	w.mu.Unlock()
	return nil
}

// ImmutableFieldsUnchanged rejects a reload that tries to change settings
// an already-Start()ed Engine cannot safely pick up at runtime: the
// failure mode is wired into every Connection at construction time.
func ImmutableFieldsUnchanged(oldConfig, newConfig *Config) error {
	if oldConfig.Engine.FailureMode != newConfig.Engine.FailureMode {
		return fmt.Errorf("config: engine.failure_mode cannot change without a restart")
	}
	return nil
}
