package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadSettle coalesces the burst of events editors produce for one save.
const reloadSettle = 250 * time.Millisecond

// ChangeFunc receives the previous and the freshly loaded configuration.
// Returning an error keeps the previous configuration current.
type ChangeFunc func(oldCfg, newCfg *Config) error

// Loader manages configuration loading and hot reload.
type Loader struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	watcher    *fsnotify.Watcher
	onChange   ChangeFunc
	logger     *zap.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewLoader creates a new configuration loader with file watching.
func NewLoader(configPath string, logger *zap.Logger) (*Loader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loader{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger.Named("config"),
		stopChan:   make(chan struct{}),
	}, nil
}

// Load loads the initial configuration from file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// StartWatching starts watching the configuration file for changes.
// The directory is watched so that atomic-rename saves are seen too.
func (l *Loader) StartWatching(onChange ChangeFunc) error {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	if err := l.watcher.Add(filepath.Dir(l.configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go l.watchLoop()

	l.logger.Info("Started watching configuration file",
		zap.String("path", l.configPath))

	return nil
}

// watchLoop runs the file watching loop.
func (l *Loader) watchLoop() {
	target := filepath.Clean(l.configPath)
	var settle *time.Timer
	var settleC <-chan time.Time

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(reloadSettle)
			} else {
				settle.Reset(reloadSettle)
			}
			settleC = settle.C

		case <-settleC:
			settleC = nil
			l.handleFileChange()

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", zap.Error(err))

		case <-l.stopChan:
			if settle != nil {
				settle.Stop()
			}
			return
		}
	}
}

// handleFileChange reloads the file and hands it to the change callback.
func (l *Loader) handleFileChange() {
	l.logger.Info("Configuration file changed, reloading...")

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		l.logger.Error("Failed to reload configuration, keeping previous",
			zap.String("path", l.configPath),
			zap.Error(err))
		return
	}

	l.mu.Lock()
	oldConfig := l.config
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		if err := onChange(oldConfig, cfg); err != nil {
			l.logger.Error("Failed to apply configuration changes",
				zap.Error(err))
			return
		}
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()

	l.logger.Info("Configuration reloaded successfully",
		zap.Int("servers", len(cfg.Servers)))
}

// GetConfig returns the current configuration (thread-safe).
func (l *Loader) GetConfig() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Stop stops the file watcher and cleanup resources.
func (l *Loader) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopChan)
		if cerr := l.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
			return
		}
		l.logger.Info("Stopped configuration file watcher")
	})
	return err
}
