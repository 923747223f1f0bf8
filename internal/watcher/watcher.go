// Package watcher provides file system monitoring for the bridge. It
// watches the configuration file and hot-applies changes to the running
// server without a restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/router-for-me/LMArenaBridge/internal/config"
	log "github.com/sirupsen/logrus"
)

// Watcher manages file watching for the configuration file.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	mu             sync.Mutex
	lastConfigHash string
}

// NewWatcher creates a new file watcher instance.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	watcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}

	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        watcher,
	}, nil
}

// Start begins watching the configuration file.
func (w *Watcher) Start(ctx context.Context) error {
	if errAdd := w.watcher.Add(w.configPath); errAdd != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, errAdd)
		return errAdd
	}
	log.Debugf("watching config file: %s", w.configPath)

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles file system events.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

// handleEvent processes one file system event. Rewrites that leave the file
// content unchanged are skipped via a content hash, since editors and the
// dynamic-config endpoint both rewrite the whole file.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}
	if event.Op&fsnotify.Write != fsnotify.Write && event.Op&fsnotify.Create != fsnotify.Create {
		return
	}

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	w.mu.Unlock()
	if unchanged {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.lastConfigHash = newHash
		w.mu.Unlock()
	}
}

// reloadConfig reloads the configuration and hands it to the callback.
func (w *Watcher) reloadConfig() bool {
	newConfig, errLoad := config.LoadConfig(w.configPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return false
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	return true
}
