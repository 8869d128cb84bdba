// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Segment is one media entry of the playlist.
type Segment struct {
	URI      string
	Duration time.Duration
}

// Index is the parsed playlist.
type Index struct {
	TargetDuration time.Duration
	MediaSequence  int64
	Segments       []Segment
	Ended          bool
}

// Duration sums the segment durations.
func (ix Index) Duration() time.Duration {
	var d time.Duration
	for _, s := range ix.Segments {
		d += s.Duration
	}
	return d
}

// ReadIndex parses the buffer playlist.
func (l Layout) ReadIndex() (Index, error) {
	f, err := os.Open(l.PlaylistPath()) // #nosec G304 - path derived from configuration
	if err != nil {
		return Index{}, err
	}
	defer func() { _ = f.Close() }()
	return ParseIndex(f)
}

// ParseIndex reads a media playlist line by line.
func ParseIndex(r io.Reader) (Index, error) {
	var (
		ix      Index
		pending time.Duration
		sawHead bool
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "#EXTM3U":
			sawHead = true
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:")); err == nil {
				ix.TargetDuration = time.Duration(v) * time.Second
			}
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				ix.MediaSequence = v
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			val := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(val, ','); i >= 0 {
				val = val[:i]
			}
			if secs, err := strconv.ParseFloat(val, 64); err == nil {
				pending = time.Duration(secs * float64(time.Second))
			}
		case line == "#EXT-X-ENDLIST":
			ix.Ended = true
		case strings.HasPrefix(line, "#"):
			// other tags are irrelevant here
		default:
			ix.Segments = append(ix.Segments, Segment{URI: line, Duration: pending})
			pending = 0
		}
	}
	if err := sc.Err(); err != nil {
		return Index{}, fmt.Errorf("read playlist: %w", err)
	}
	if !sawHead {
		return Index{}, fmt.Errorf("read playlist: missing #EXTM3U header")
	}
	return ix, nil
}

// CheckIndex verifies the playlist is non-empty and every referenced
// segment is present and non-empty.
func (l Layout) CheckIndex() (Index, error) {
	ix, err := l.ReadIndex()
	if err != nil {
		return Index{}, err
	}
	if len(ix.Segments) == 0 {
		return ix, ErrEmptyIndex
	}
	for _, s := range ix.Segments {
		p := s.URI
		if !filepath.IsAbs(p) {
			p = filepath.Join(l.Dir, p)
		}
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			return ix, fmt.Errorf("%w: %s", ErrMissingSegment, s.URI)
		}
	}
	return ix, nil
}
