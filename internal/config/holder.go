// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mxbridge/twidm/internal/log"
)

// Holder holds configuration with atomic reloading capability. It provides
// thread-safe access and supports hot reloading when the config file changes
// on disk. A reload that fails to load or validate keeps the old config.
type Holder struct {
	mu         sync.RWMutex
	current    Config
	configPath string
	logger     zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- Config
}

// NewHolder creates a configuration holder around an initial config.
func NewHolder(initial Config, configPath string) *Holder {
	return &Holder{
		current:    initial,
		configPath: configPath,
		logger:     log.WithComponent("config"),
	}
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Subscribe registers a channel that receives the new config after each
// successful reload. Sends are non-blocking; slow listeners miss updates.
func (h *Holder) Subscribe(ch chan<- Config) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// Reload re-reads the config file and atomically swaps the active config.
func (h *Holder) Reload(ctx context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := Load(h.configPath)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "config.reload_failed").
			Msg("keeping previous configuration")
		return fmt.Errorf("reload: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = newCfg
	h.mu.Unlock()

	if old.Logging.Level != newCfg.Logging.Level {
		if log.SetLevel(newCfg.Logging.Level) {
			h.logger.Info().
				Str(log.FieldOldState, old.Logging.Level).
				Str(log.FieldNewState, newCfg.Logging.Level).
				Msg("log level changed")
		}
	}

	h.listenerMu.RLock()
	for _, ch := range h.listeners {
		select {
		case ch <- newCfg:
		default:
		}
	}
	h.listenerMu.RUnlock()

	h.logger.Info().Str("event", "config.reload_done").Msg("configuration reloaded")
	return nil
}

// Watch blocks until ctx is done, reloading the config whenever the file is
// written. It is a no-op when the holder has no config path.
func (h *Holder) Watch(ctx context.Context) error {
	if h.configPath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(h.configPath); err != nil {
		return fmt.Errorf("config watch %s: %w", h.configPath, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op.Has(fsnotify.Write) || evt.Op.Has(fsnotify.Create) {
				if err := h.Reload(ctx); err != nil {
					h.logger.Warn().Err(err).Msg("hot reload failed")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
