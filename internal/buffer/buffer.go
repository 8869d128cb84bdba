// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package buffer describes the circular HLS buffer in volatile storage.
// The capture child writes and evicts segments; this package only prepares
// the directory and reads it back.
package buffer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/ringdvr/internal/media/ffmpeg"
)

const (
	DefaultDir             = "/dev/shm/hls_buffer"
	DefaultPlaylistName    = "playlist.m3u8"
	DefaultSegmentTemplate = "segment%06d.ts"
)

var (
	// ErrEmptyIndex means the playlist exists but references no segments.
	ErrEmptyIndex = errors.New("playlist has no segments")
	// ErrMissingSegment means the playlist references an evicted or unwritten file.
	ErrMissingSegment = errors.New("playlist references missing segment")
)

// Layout locates the buffer and its sizing.
type Layout struct {
	Dir             string
	Playlist        string // file name inside Dir
	SegmentPattern  string // printf pattern inside Dir
	SegmentDuration time.Duration
	Window          time.Duration
}

// DefaultLayout is a 15 minute window of 4 second segments in /dev/shm.
func DefaultLayout() Layout {
	return Layout{
		Dir:             DefaultDir,
		Playlist:        DefaultPlaylistName,
		SegmentPattern:  DefaultSegmentTemplate,
		SegmentDuration: 4 * time.Second,
		Window:          15 * time.Minute,
	}
}

// MaxSegments is Window / SegmentDuration, at least 1.
func (l Layout) MaxSegments() int {
	if l.SegmentDuration <= 0 {
		return 1
	}
	return max(1, int(l.Window/l.SegmentDuration))
}

// PlaylistPath is the absolute index path.
func (l Layout) PlaylistPath() string { return filepath.Join(l.Dir, l.Playlist) }

// HLSOutput returns the muxer settings that keep the child inside the window.
func (l Layout) HLSOutput() ffmpeg.HLSOutput {
	return ffmpeg.HLSOutput{
		Playlist:        l.PlaylistPath(),
		SegmentPattern:  filepath.Join(l.Dir, l.SegmentPattern),
		SegmentDuration: l.SegmentDuration,
		ListSize:        l.MaxSegments(),
	}
}

// SegmentExt is the extension of segment files, e.g. ".ts".
func (l Layout) SegmentExt() string { return filepath.Ext(l.SegmentPattern) }

// Validate checks the layout is usable.
func (l Layout) Validate() error {
	var errs []error
	if l.Dir == "" {
		errs = append(errs, errors.New("buffer dir is empty"))
	}
	if l.Playlist == "" || strings.ContainsRune(l.Playlist, filepath.Separator) {
		errs = append(errs, fmt.Errorf("invalid playlist name %q", l.Playlist))
	}
	if !strings.Contains(l.SegmentPattern, "%") || strings.ContainsRune(l.SegmentPattern, filepath.Separator) {
		errs = append(errs, fmt.Errorf("invalid segment pattern %q", l.SegmentPattern))
	}
	if l.SegmentDuration < time.Second {
		errs = append(errs, fmt.Errorf("segment duration %s below 1s", l.SegmentDuration))
	}
	if l.Window < l.SegmentDuration {
		errs = append(errs, fmt.Errorf("window %s shorter than one segment", l.Window))
	}
	return errors.Join(errs...)
}

// Reset removes everything in Dir and recreates it empty.
func (l Layout) Reset() error {
	if l.Dir == "" || filepath.Clean(l.Dir) == "/" {
		return fmt.Errorf("refusing to reset buffer dir %q", l.Dir)
	}
	if err := os.RemoveAll(l.Dir); err != nil {
		return fmt.Errorf("clear buffer: %w", err)
	}
	if err := os.MkdirAll(l.Dir, 0o750); err != nil {
		return fmt.Errorf("create buffer: %w", err)
	}
	return nil
}

// Stats is a point-in-time view of the buffer.
type Stats struct {
	Segments    int
	Bytes       int64
	MaxSegments int
}

// Stats counts segment files that the index currently references. Files the
// muxer has already dropped from the index but not yet unlinked are ignored.
func (l Layout) Stats() (Stats, error) {
	st := Stats{MaxSegments: l.MaxSegments()}

	idx, err := l.ReadIndex()
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	indexed := make(map[string]struct{}, len(idx.Segments))
	for _, s := range idx.Segments {
		indexed[filepath.Base(s.URI)] = struct{}{}
	}

	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return st, fmt.Errorf("scan buffer: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := indexed[e.Name()]; !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// evicted between ReadDir and Info
			continue
		}
		st.Segments++
		st.Bytes += info.Size()
	}
	return st, nil
}
