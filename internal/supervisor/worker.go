// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ringdvr/internal/device"
	"github.com/ManuGH/ringdvr/internal/encoder"
	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/media"
	"github.com/ManuGH/ringdvr/internal/media/ffmpeg/watchdog"
	"github.com/ManuGH/ringdvr/internal/metrics"
)

// run is the worker goroutine of one Start. It is the sole owner of the
// capture child.
func (s *Supervisor) run(ctx context.Context, gen uint64, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer s.finish(gen)

	logger := s.logger.With().Uint64(log.FieldGeneration, gen).Logger()

	// the previous worker may still be stopping its child
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	for ctx.Err() == nil {
		s.iterate(ctx, gen, logger)
	}
}

// finish moves the session to Stopped unless a newer Start took over.
func (s *Supervisor) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.sess.running = false
	s.sess.startedAt = time.Time{}
	s.setLocked(StateStopped, msgStopped)
	s.logger.Info().Uint64(log.FieldGeneration, gen).Msg("capture stopped")
}

// iterate runs one detect, validate, capture cycle including its retry delay.
func (s *Supervisor) iterate(ctx context.Context, gen uint64, logger zerolog.Logger) {
	timing := s.getTiming()

	s.mu.Lock()
	res := s.sess.resolution
	s.mu.Unlock()

	if !s.update(gen, func(ss *session) {
		ss.video, ss.audio = nil, nil
		ss.encoder = noEncoder
		ss.startedAt = time.Time{}
		// a retry keeps showing why it is retrying
		if ss.state != StateDetectingDevices {
			s.setLocked(StateDetectingDevices, msgDetecting)
		}
	}) {
		return
	}

	video, audio, err := s.findDevices(ctx, res)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, device.ErrNotFound) {
			logger.Warn().Err(err).Msg("device detection failed")
		}
		s.transition(gen, StateDetectingDevices, msgNoDevices)
		sleep(ctx, timing.DeviceRetryDelay)
		return
	}
	s.update(gen, func(ss *session) { ss.video, ss.audio = &video, &audio })
	logger.Info().Str("video", video.ID).Str("audio", audio.ID).Str(log.FieldResolution, res.String()).Msg("devices found")

	s.transition(gen, StateValidatingEncoder, msgValidating("encoders"))
	cand, err := s.negotiator.Negotiate(ctx, encoder.Request{Video: video, Audio: audio, Resolution: res}, func(c encoder.Candidate) {
		s.transition(gen, StateValidatingEncoder, msgValidating(c.Name))
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("encoder negotiation failed")
		s.transition(gen, StateValidatingEncoder, msgAllEncodersBad)
		sleep(ctx, timing.EncoderRetryDelay)
		return
	}

	reason := s.capture(ctx, gen, logger, LaunchSpec{
		Video:      video,
		Audio:      audio,
		Resolution: res,
		Encoder:    cand,
		Output:     s.layout.HLSOutput(),
	}, timing)
	if reason == "expected" {
		return
	}

	s.update(gen, func(ss *session) { ss.startedAt = time.Time{} })
	s.transition(gen, StateCrashedRetrying, msgCrashed)
	sleep(ctx, timing.CrashRetryDelay)
}

func (s *Supervisor) findDevices(ctx context.Context, res media.Resolution) (device.Device, device.Device, error) {
	video, err := s.locator.FindVideo(ctx, res)
	if err != nil {
		return device.Device{}, device.Device{}, fmt.Errorf("video: %w", err)
	}
	audio, err := s.locator.FindAudio(ctx)
	if err != nil {
		return device.Device{}, device.Device{}, fmt.Errorf("audio: %w", err)
	}
	return video, audio, nil
}

// capture resets the buffer, runs the child until it exits, is stopped or
// stalls, and returns the exit reason: expected, crash, stall or start_error.
func (s *Supervisor) capture(ctx context.Context, gen uint64, logger zerolog.Logger, spec LaunchSpec, timing Timing) (reason string) {
	defer func() { metrics.IncCaptureExit(reason) }()

	enc := spec.Encoder.Name
	logger = logger.With().Str(log.FieldEncoder, enc).Logger()

	if !s.transition(gen, StateCapturing, msgStarting(enc)) {
		return "expected"
	}
	if err := s.layout.Reset(); err != nil {
		logger.Error().Err(err).Str(log.FieldPath, s.layout.Dir).Msg("buffer reset failed")
		return "start_error"
	}

	child, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		logger.Error().Err(err).Msg("capture launch failed")
		return "start_error"
	}
	metrics.IncCaptureStart(enc)
	logger = logger.With().Int(log.FieldPID, child.PID()).Logger()

	started := s.update(gen, func(ss *session) {
		ss.encoder = enc
		ss.startedAt = s.now()
		ss.message = msgRecording(enc)
	})
	// Stop may have landed between Launch and the session update
	if !started {
		s.stopChild(child, timing.StopGrace, logger)
		return "expected"
	}
	logger.Info().Str(log.FieldPlaylistPath, spec.Output.Playlist).Msg("recording")

	var (
		stalled = make(chan error, 1)
		wdWg    sync.WaitGroup
	)
	wdCtx, wdCancel := context.WithCancel(ctx)
	defer func() {
		wdCancel()
		wdWg.Wait()
	}()
	if timing.StallTimeout > 0 {
		// without segment events the watchdog would only ever see silence
		sw, err := s.layout.NewSegmentWatcher(logger)
		if err != nil {
			logger.Warn().Err(err).Msg("segment watcher unavailable, stall detection disabled")
		} else {
			wd := watchdog.New(timing.StallTimeout, timing.StallTimeout)
			runCtx, stopWatchdog := context.WithCancel(wdCtx)
			wdWg.Add(2)
			go func() {
				defer wdWg.Done()
				if err := sw.Run(wdCtx, func(string) { wd.Beat() }); err != nil {
					logger.Warn().Err(err).Msg("segment watcher failed, stall detection disabled")
					stopWatchdog()
				}
			}()
			go func() {
				defer wdWg.Done()
				defer stopWatchdog()
				if err := wd.Run(runCtx); err != nil {
					stalled <- err
				}
			}()
		}
	}

	select {
	case <-child.Done():
		if ctx.Err() != nil {
			return "expected"
		}
		logger.Error().
			Err(fmt.Errorf("%w: %w", ErrProcessCrash, child.Err())).
			Int(log.FieldExitCode, child.ExitCode()).
			Strs(log.FieldStderr, child.Tail(20)).
			Msg("capture process crashed")
		return "crash"
	case <-ctx.Done():
		s.stopChild(child, timing.StopGrace, logger)
		return "expected"
	case err := <-stalled:
		logger.Error().
			Err(err).
			Dur("stall_timeout", timing.StallTimeout).
			Strs(log.FieldStderr, child.Tail(20)).
			Msg("capture stalled, terminating")
		s.stopChild(child, timing.StopGrace, logger)
		if ctx.Err() != nil {
			return "expected"
		}
		return "stall"
	}
}

func (s *Supervisor) stopChild(child Child, grace time.Duration, logger zerolog.Logger) {
	if err := child.Stop(grace); err != nil {
		logger.Error().Err(err).Msg("capture process did not terminate")
		return
	}
	logger.Info().Int(log.FieldExitCode, child.ExitCode()).Msg("capture process stopped")
}
