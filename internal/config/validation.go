// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ringdvr/internal/media"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate reports every problem in cfg at once.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, field, fmt.Sprintf(format, args...)))
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, "must be > 0 (got %s)", d)
		}
	}
	nonNegative := func(field string, d time.Duration) {
		if d < 0 {
			add(field, "must be >= 0 (got %s)", d)
		}
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		add("logLevel", "%v", err)
	}

	if _, err := media.ParseResolution(cfg.Capture.Resolution); err != nil {
		add("capture.resolution", "%v", err)
	} else if !cfg.ResolutionAllowed(cfg.Capture.Resolution) {
		add("capture.resolution", "%s is not in allowedResolutions", cfg.Capture.Resolution)
	}
	for _, r := range cfg.Capture.AllowedResolutions {
		if _, err := media.ParseResolution(r); err != nil {
			add("capture.allowedResolutions", "%v", err)
		}
	}
	if cfg.Capture.FrameRate <= 0 {
		add("capture.frameRate", "must be > 0")
	}
	if cfg.Capture.SampleRate <= 0 {
		add("capture.sampleRate", "must be > 0")
	}
	positive("capture.probeTimeout", cfg.Capture.ProbeTimeout)

	if err := cfg.Layout().Validate(); err != nil {
		add("buffer", "%v", err)
	}

	if cfg.Tools.FFmpeg == "" {
		add("tools.ffmpeg", "must not be empty")
	}
	if cfg.Tools.FFprobe == "" {
		add("tools.ffprobe", "must not be empty")
	}
	if cfg.Tools.Arecord == "" {
		add("tools.arecord", "must not be empty")
	}

	if len(cfg.Encoder.Candidates) == 0 {
		add("encoder.candidates", "at least one candidate required")
	}
	for i, c := range cfg.Encoder.Candidates {
		if strings.TrimSpace(c.Name) == "" {
			add("encoder.candidates", "entry %d has no name", i)
		}
	}
	positive("encoder.validationDuration", cfg.Encoder.ValidationDuration)

	nonNegative("timing.deviceRetryDelay", cfg.Timing.DeviceRetryDelay)
	nonNegative("timing.encoderRetryDelay", cfg.Timing.EncoderRetryDelay)
	nonNegative("timing.crashRetryDelay", cfg.Timing.CrashRetryDelay)
	nonNegative("timing.settleDelay", cfg.Timing.SettleDelay)
	positive("timing.stopGrace", cfg.Timing.StopGrace)
	nonNegative("timing.stallTimeout", cfg.Timing.StallTimeout)
	if st := cfg.EffectiveStallTimeout(); st > 0 && st < cfg.Buffer.SegmentDuration {
		add("timing.stallTimeout", "%s is shorter than one segment (%s)", st, cfg.Buffer.SegmentDuration)
	}

	if cfg.Recordings.Dir == "" {
		add("recordings.dir", "must not be empty")
	}
	positive("recordings.remuxTimeout", cfg.Recordings.RemuxTimeout)
	positive("recordings.probeTimeout", cfg.Recordings.ProbeTimeout)

	if _, _, err := net.SplitHostPort(cfg.API.ListenAddr); err != nil {
		add("api.listenAddr", "%v", err)
	}
	if cfg.API.RateLimit < 0 {
		add("api.rateLimit", "must be >= 0")
	}
	positive("api.saveInterval", cfg.API.SaveInterval)
	if cfg.API.SaveBurst < 1 {
		add("api.saveBurst", "must be >= 1")
	}
	positive("api.shutdownTimeout", cfg.API.ShutdownTimeout)

	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.Exporter {
		case "grpc", "http":
		default:
			add("telemetry.exporter", "unsupported %q (grpc, http)", cfg.Telemetry.Exporter)
		}
		if cfg.Telemetry.Endpoint == "" {
			add("telemetry.endpoint", "required when telemetry is enabled")
		}
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		add("telemetry.samplingRate", "must be within [0, 1]")
	}

	return errors.Join(errs...)
}
