// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the capture components into a running service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/procfs"

	"github.com/ManuGH/ringdvr/internal/api"
	"github.com/ManuGH/ringdvr/internal/catalog"
	"github.com/ManuGH/ringdvr/internal/config"
	"github.com/ManuGH/ringdvr/internal/device"
	"github.com/ManuGH/ringdvr/internal/encoder"
	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/media"
	"github.com/ManuGH/ringdvr/internal/media/ffmpeg"
	"github.com/ManuGH/ringdvr/internal/snapshot"
	"github.com/ManuGH/ringdvr/internal/supervisor"
	"github.com/ManuGH/ringdvr/internal/sysinfo"
	"github.com/ManuGH/ringdvr/internal/telemetry"
)

// Options tweak Bootstrap for tests.
type Options struct {
	// ProcMount overrides /proc for free memory reporting.
	ProcMount string
}

// Bootstrap builds the App from a loaded configuration. Resources opened
// here are released by the manager's shutdown hooks.
func Bootstrap(ctx context.Context, holder *config.Holder, opts Options) (*App, error) {
	cfg := holder.Get()
	logger := log.WithComponent("daemon")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "ringdvr",
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := catalog.Open(cfg.Recordings.CatalogPath)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("catalog: %w", err), tp.Shutdown(ctx))
	}
	if res, err := store.Reconcile(ctx, cfg.Recordings.Dir, uuid.NewString); err != nil {
		logger.Warn().Err(err).Msg("catalog reconcile failed")
	} else if res.Removed > 0 || res.Added > 0 {
		logger.Info().Int("removed", res.Removed).Int("added", res.Added).Msg("catalog reconciled with recordings dir")
	}

	mount := opts.ProcMount
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	var mem supervisor.Memory
	if m, err := sysinfo.NewMemory(mount); err != nil {
		logger.Warn().Err(err).Msg("free memory reporting disabled")
	} else {
		mem = m
	}

	layout := cfg.Layout()
	input := ffmpeg.CaptureInput{
		InputFormat:   cfg.Capture.InputFormat,
		FrameRate:     cfg.Capture.FrameRate,
		AudioChannels: cfg.Capture.AudioChannels,
		SampleRate:    cfg.Capture.SampleRate,
	}
	encSpec := ffmpeg.EncoderSpec{
		VideoBitrate: cfg.Capture.VideoBitrate,
		GOP:          cfg.Capture.GOP,
		AudioBitrate: cfg.Capture.AudioBitrate,
	}

	locator := device.NewLocator(device.Config{
		FFmpegBin:    cfg.Tools.FFmpeg,
		ArecordBin:   cfg.Tools.Arecord,
		VideoGlob:    cfg.Capture.VideoGlob,
		SampleRate:   cfg.Capture.SampleRate,
		ProbeTimeout: cfg.Capture.ProbeTimeout,
	})
	negotiator := encoder.NewNegotiator(encoder.Config{
		FFmpegBin:  cfg.Tools.FFmpeg,
		Duration:   cfg.Encoder.ValidationDuration,
		Input:      input,
		Encoder:    encSpec,
		Candidates: cfg.Encoder.Candidates,
		Signatures: cfg.Encoder.Signatures,
	})
	saver := snapshot.New(snapshot.Config{
		Dir:          cfg.Recordings.Dir,
		Layout:       layout,
		FFmpegBin:    cfg.Tools.FFmpeg,
		FFprobeBin:   cfg.Tools.FFprobe,
		ProbeTimeout: cfg.Recordings.ProbeTimeout,
		RemuxTimeout: cfg.Recordings.RemuxTimeout,
	}, store)

	res, err := media.ParseResolution(cfg.Capture.Resolution)
	if err != nil {
		return nil, errors.Join(err, store.Close(), tp.Shutdown(ctx))
	}
	sup := supervisor.New(supervisor.Options{
		Locator:    locator,
		Negotiator: negotiator,
		Launcher:   &supervisor.FFmpegLauncher{Bin: cfg.Tools.FFmpeg, Input: input, Encoder: encSpec},
		Saver:      saver,
		Memory:     mem,
		Layout:     layout,
		Resolution: res,
		Timing:     TimingFrom(cfg),
	})

	srv := api.New(api.Config{
		Version:            cfg.Version,
		AllowedResolutions: cfg.Capture.AllowedResolutions,
		RateLimit:          cfg.API.RateLimit,
		SaveInterval:       cfg.API.SaveInterval,
		SaveBurst:          cfg.API.SaveBurst,
	}, sup, store)

	mgr, err := NewManager(ServerConfig{
		ListenAddr:      cfg.API.ListenAddr,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    cfg.Recordings.RemuxTimeout + cfg.Recordings.ProbeTimeout + 30*time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, srv.Handler())
	if err != nil {
		return nil, errors.Join(err, store.Close(), tp.Shutdown(ctx))
	}

	// LIFO: the supervisor stops first, then the catalog, then telemetry flushes.
	mgr.RegisterShutdownHook("telemetry", tp.Shutdown)
	mgr.RegisterShutdownHook("catalog", func(context.Context) error { return store.Close() })
	mgr.RegisterShutdownHook("supervisor", sup.Shutdown)

	return NewApp(AppOptions{
		Manager:    mgr,
		Holder:     holder,
		Supervisor: sup,
		Policy:     negotiator,
		Autostart:  cfg.Capture.Autostart,
	})
}

// TimingFrom maps the config section onto supervisor delays.
func TimingFrom(cfg config.AppConfig) supervisor.Timing {
	return supervisor.Timing{
		DeviceRetryDelay:  cfg.Timing.DeviceRetryDelay,
		EncoderRetryDelay: cfg.Timing.EncoderRetryDelay,
		CrashRetryDelay:   cfg.Timing.CrashRetryDelay,
		SettleDelay:       cfg.Timing.SettleDelay,
		StopGrace:         cfg.Timing.StopGrace,
		StallTimeout:      cfg.EffectiveStallTimeout(),
	}
}
