// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package device finds a working USB video and audio input by functional
// probing. A device that is present but busy or unable to deliver the
// requested format is skipped.
package device

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/media"
	"github.com/ManuGH/ringdvr/internal/media/ffmpeg"
	"github.com/ManuGH/ringdvr/internal/metrics"
)

// ErrNotFound means no candidate of the requested kind passed its probe.
// It is an expected outcome and is retried by the caller.
var ErrNotFound = errors.New("device not found")

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Device is an opaque input identifier: a v4l2 path or an ALSA device name.
type Device struct {
	ID   string
	Kind Kind
}

func (d Device) String() string { return string(d.Kind) + ":" + d.ID }

// Config holds probe tunables.
type Config struct {
	FFmpegBin    string
	ArecordBin   string
	VideoGlob    string // default /dev/video*
	SampleRate   int    // default 44100
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FFmpegBin == "" {
		c.FFmpegBin = "ffmpeg"
	}
	if c.ArecordBin == "" {
		c.ArecordBin = "arecord"
	}
	if c.VideoGlob == "" {
		c.VideoGlob = "/dev/video*"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Locator enumerates candidates in lexicographic order and returns the first
// one whose probe succeeds.
type Locator struct {
	cfg    Config
	logger zerolog.Logger
}

func NewLocator(cfg Config) *Locator {
	return &Locator{
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("device"),
	}
}

// FindVideo returns the first /dev/video* node able to deliver a frame at res.
func (l *Locator) FindVideo(ctx context.Context, res media.Resolution) (Device, error) {
	paths, err := filepath.Glob(l.cfg.VideoGlob)
	if err != nil {
		return Device{}, fmt.Errorf("glob %q: %w", l.cfg.VideoGlob, err)
	}
	slices.Sort(paths)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return Device{}, err
		}
		if l.probe(ctx, KindVideo, p, l.cfg.FFmpegBin, ffmpeg.VideoProbeArgs(p, res)) {
			return Device{ID: p, Kind: KindVideo}, nil
		}
	}
	return Device{}, ErrNotFound
}

// FindAudio returns the first USB ALSA card able to record at the configured
// sample rate, addressed as plughw:N,0.
func (l *Locator) FindAudio(ctx context.Context) (Device, error) {
	ids, err := l.listAudio(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Str(log.FieldKind, string(KindAudio)).Msg("audio enumeration failed")
		return Device{}, ErrNotFound
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Device{}, err
		}
		args := []string{"-D", id, "-f", "S16_LE", "-r", strconv.Itoa(l.cfg.SampleRate), "-d", "1", "/dev/null"}
		if l.probe(ctx, KindAudio, id, l.cfg.ArecordBin, args) {
			return Device{ID: id, Kind: KindAudio}, nil
		}
	}
	return Device{}, ErrNotFound
}

func (l *Locator) probe(ctx context.Context, kind Kind, id, bin string, args []string) bool {
	pctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
	defer cancel()

	tail, err := ffmpeg.Run(pctx, bin, args)
	metrics.RecordDeviceProbe(string(kind), err == nil)
	if err != nil {
		l.logger.Debug().
			Err(err).
			Str(log.FieldKind, string(kind)).
			Str(log.FieldDevice, id).
			Strs(log.FieldStderr, tail).
			Msg("device probe failed")
		return false
	}
	l.logger.Info().Str(log.FieldKind, string(kind)).Str(log.FieldDevice, id).Msg("device probe passed")
	return true
}

var usbCard = regexp.MustCompile(`(?i)^card (\d+):.*usb`)

func (l *Locator) listAudio(ctx context.Context) ([]string, error) {
	lctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
	defer cancel()

	// #nosec G204 - binary from configuration
	out, err := exec.CommandContext(lctx, l.cfg.ArecordBin, "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("%s -l: %w", l.cfg.ArecordBin, err)
	}
	return ParseALSACards(string(out)), nil
}
