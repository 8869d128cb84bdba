// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SegmentWatcher reports segment files created in the buffer directory.
type SegmentWatcher struct {
	watcher *fsnotify.Watcher
	ext     string
	logger  zerolog.Logger
}

// NewSegmentWatcher registers the buffer directory with inotify. The
// directory must exist. Callers own the watcher until Run or Close.
func (l Layout) NewSegmentWatcher(logger zerolog.Logger) (*SegmentWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := watcher.Add(l.Dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch directory %s: %w", l.Dir, err)
	}
	return &SegmentWatcher{watcher: watcher, ext: l.SegmentExt(), logger: logger}, nil
}

// Close releases the watcher without running it.
func (sw *SegmentWatcher) Close() error { return sw.watcher.Close() }

// Run calls onSegment for every new segment until ctx is done, then closes
// the watcher.
func (sw *SegmentWatcher) Run(ctx context.Context, onSegment func(name string)) error {
	defer func() {
		_ = sw.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher channel closed")
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if sw.ext != "" && filepath.Ext(name) != sw.ext {
				continue
			}
			onSegment(name)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			sw.logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

// Watch is NewSegmentWatcher followed by Run.
func (l Layout) Watch(ctx context.Context, logger zerolog.Logger, onSegment func(name string)) error {
	sw, err := l.NewSegmentWatcher(logger)
	if err != nil {
		return err
	}
	return sw.Run(ctx, onSegment)
}
