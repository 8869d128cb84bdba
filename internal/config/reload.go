// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/metrics"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Holder holds configuration with atomic reloading capability.
// Only tunables take effect on reload; listeners decide what to apply.
type Holder struct {
	mu      sync.RWMutex
	current AppConfig
	loader  *Loader
	logger  zerolog.Logger

	// Debounce is read once when Watch starts.
	Debounce time.Duration

	reloadMu        sync.Mutex // serializes Reload
	listenersMu     sync.RWMutex
	reloadListeners []func(AppConfig)
}

// NewHolder creates a holder with the initial config.
func NewHolder(initial AppConfig, loader *Loader) *Holder {
	return &Holder{
		current:  initial,
		loader:   loader,
		logger:   log.WithComponent("config"),
		Debounce: DefaultDebounce,
	}
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers fn to run after every successful reload, in
// registration order. fn must not block.
func (h *Holder) OnReload(fn func(AppConfig)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.reloadListeners = append(h.reloadListeners, fn)
}

// Reload reloads configuration from file and validates it.
// If validation fails, the old configuration is kept and an error is returned.
func (h *Holder) Reload(_ context.Context) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	h.logger.Info().Str(log.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		metrics.IncConfigReload("failed")
		h.logger.Error().
			Err(err).
			Str(log.FieldEvent, "config.reload_failed").
			Msg("new configuration rejected, keeping current")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.logChanges(prev, next)
	h.notify(next)
	metrics.IncConfigReload("success")
	h.logger.Info().Str(log.FieldEvent, "config.reload_success").Msg("configuration reloaded successfully")
	return nil
}

func (h *Holder) notify(cfg AppConfig) {
	h.listenersMu.RLock()
	fns := slices.Clone(h.reloadListeners)
	h.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(cfg)
	}
}

// Watch reloads on config file changes and on SIGHUP until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up. Without a config file only SIGHUP is honored.
func (h *Holder) Watch(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var events <-chan fsnotify.Event
	var errs <-chan error
	path := h.loader.Path()
	if path != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer func() { _ = w.Close() }()
		if err := w.Add(filepath.Dir(path)); err != nil {
			return fmt.Errorf("watch config dir: %w", err)
		}
		events, errs = w.Events, w.Errors
		h.logger.Info().
			Str(log.FieldEvent, "config.watcher_started").
			Str(log.FieldPath, path).
			Msg("watching config file for changes")
	} else {
		h.logger.Info().
			Str(log.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
	}

	debounce := h.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(log.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case <-hup:
			h.logger.Info().Str(log.FieldEvent, "config.sighup").Msg("SIGHUP received")
			_ = h.Reload(ctx)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				h.logger.Debug().
					Str(log.FieldEvent, "config.file_changed").
					Str("op", ev.Op.String()).
					Msg("config file changed")
				timer.Reset(debounce)
			}

		case <-timer.C:
			_ = h.Reload(ctx)

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			h.logger.Error().Err(err).Str(log.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

// logChanges logs the tunables that differ between old and new.
func (h *Holder) logChanges(old, next AppConfig) {
	if !slices.Equal(old.Encoder.Candidates, next.Encoder.Candidates) {
		h.logger.Info().
			Interface("old", old.Encoder.Candidates).
			Interface("new", next.Encoder.Candidates).
			Msg("config changed: encoder.candidates")
	}
	if !slices.Equal(old.Encoder.Signatures, next.Encoder.Signatures) {
		h.logger.Info().
			Int("old", len(old.Encoder.Signatures)).
			Int("new", len(next.Encoder.Signatures)).
			Msg("config changed: encoder.signatures")
	}
	if old.Timing != next.Timing {
		h.logger.Info().
			Interface("old", old.Timing).
			Interface("new", next.Timing).
			Msg("config changed: timing")
	}
	if old.LogLevel != next.LogLevel {
		h.logger.Info().
			Str("old", old.LogLevel).
			Str("new", next.LogLevel).
			Msg("config changed: logLevel")
	}
	if old.Capture.Resolution != next.Capture.Resolution || old.Buffer != next.Buffer || old.API != next.API {
		h.logger.Warn().
			Str(log.FieldEvent, "config.restart_required").
			Msg("changed settings only apply after a daemon restart")
	}
}
