// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package supervisor drives the capture state machine: find devices,
// validate an encoder, run the long-lived capture child and restart it when
// it fails. All public methods are safe for concurrent use.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/ringdvr/internal/buffer"
	"github.com/ManuGH/ringdvr/internal/device"
	"github.com/ManuGH/ringdvr/internal/encoder"
	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/media"
	"github.com/ManuGH/ringdvr/internal/media/ffmpeg"
	"github.com/ManuGH/ringdvr/internal/metrics"
	"github.com/ManuGH/ringdvr/internal/snapshot"
)

// Locator finds a working device of each kind.
type Locator interface {
	FindVideo(ctx context.Context, res media.Resolution) (device.Device, error)
	FindAudio(ctx context.Context) (device.Device, error)
}

// Negotiator returns the first encoder candidate that validates.
type Negotiator interface {
	Negotiate(ctx context.Context, req encoder.Request, onAttempt func(encoder.Candidate)) (encoder.Candidate, error)
}

// Child is a running capture process. Only the worker touches it.
type Child interface {
	Done() <-chan struct{}
	Err() error
	ExitCode() int
	Stop(grace time.Duration) error
	Tail(n int) []string
	PID() int
}

// LaunchSpec is everything needed to start a capture child.
type LaunchSpec struct {
	Video      device.Device
	Audio      device.Device
	Resolution media.Resolution
	Encoder    encoder.Candidate
	Output     ffmpeg.HLSOutput
}

// Launcher starts capture children.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Child, error)
}

// Saver materializes the buffer.
type Saver interface {
	Save(ctx context.Context, req snapshot.Request) (snapshot.Result, error)
}

// Memory reports free RAM in MiB.
type Memory interface {
	FreeMB() (int64, error)
}

// Options wires a Supervisor.
type Options struct {
	Locator    Locator
	Negotiator Negotiator
	Launcher   Launcher
	Saver      Saver
	Memory     Memory // optional
	Layout     buffer.Layout
	Resolution media.Resolution
	Timing     Timing
}

// session is the single capture session. Guarded by Supervisor.mu.
type session struct {
	state      State
	message    string
	resolution media.Resolution
	encoder    string
	video      *device.Device
	audio      *device.Device
	startedAt  time.Time
	running    bool
}

// Supervisor owns the capture session and its worker goroutine.
type Supervisor struct {
	locator    Locator
	negotiator Negotiator
	launcher   Launcher
	saver      Saver
	memory     Memory
	layout     buffer.Layout
	logger     zerolog.Logger
	scans      singleflight.Group // coalesces buffer scans from concurrent Stats callers

	mu     sync.Mutex
	sess   session
	timing Timing
	gen    uint64 // incremented by every Start; stale workers compare against it
	saves  int    // saves in flight
	cancel context.CancelFunc
	done   chan struct{} // closed when the latest worker exits
	now    func() time.Time
}

// New creates a stopped Supervisor.
func New(opts Options) *Supervisor {
	res := opts.Resolution
	if res.IsZero() {
		res = media.MustParseResolution("640x480")
	}
	return &Supervisor{
		locator:    opts.Locator,
		negotiator: opts.Negotiator,
		launcher:   opts.Launcher,
		saver:      opts.Saver,
		memory:     opts.Memory,
		layout:     opts.Layout,
		logger:     log.WithComponent("supervisor"),
		timing:     opts.Timing,
		now:        time.Now,
		sess: session{
			state:      StateStopped,
			message:    msgStopped,
			resolution: res,
			encoder:    noEncoder,
		},
	}
}

// Start spawns the capture worker. It is a no-op while already running.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.running {
		return
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	prev := s.done
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.sess.running = true
	s.sess.video, s.sess.audio = nil, nil
	s.sess.encoder = noEncoder
	s.sess.startedAt = time.Time{}
	s.setLocked(StateDetectingDevices, msgDetecting)

	s.logger.Info().Uint64(log.FieldGeneration, gen).Str(log.FieldResolution, s.sess.resolution.String()).Msg("capture started")
	go s.run(ctx, gen, prev, done)
}

// Stop clears the run intent and asks the worker to terminate the child.
// It does not wait; use Shutdown to wait for the worker.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sess.running {
		return
	}
	s.sess.running = false
	s.cancel()
	s.setLocked(StateStopping, msgStopping)
	s.logger.Info().Uint64(log.FieldGeneration, s.gen).Msg("capture stop requested")
}

// Shutdown stops capture and waits for the worker to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart is Stop, a settle delay, then Start.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop()
	if !sleep(ctx, s.getTiming().SettleDelay) {
		return ctx.Err()
	}
	s.Start()
	return nil
}

// ChangeResolution validates res, stores it and restarts capture.
func (s *Supervisor) ChangeResolution(ctx context.Context, res string) error {
	r, err := media.ParseResolution(res)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.sess.resolution
	s.sess.resolution = r
	s.mu.Unlock()

	s.logger.Info().Str("from", old.String()).Str(log.FieldResolution, r.String()).Msg("resolution changed")
	return s.Restart(ctx)
}

// SetTiming replaces the delays. A delay already in progress is not cut short.
func (s *Supervisor) SetTiming(t Timing) {
	s.mu.Lock()
	s.timing = t
	s.mu.Unlock()
}

func (s *Supervisor) getTiming() Timing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing
}

// Save snapshots the buffer while capture continues. Outside the capturing
// state it fails with ErrNotRecording and leaves the status untouched.
func (s *Supervisor) Save(ctx context.Context) (snapshot.Result, error) {
	s.mu.Lock()
	if s.sess.state != StateCapturing {
		s.mu.Unlock()
		metrics.RecordSave("not_recording", 0)
		return snapshot.Result{}, ErrNotRecording
	}
	gen := s.gen
	enc := s.sess.encoder
	req := snapshot.Request{Encoder: enc, Resolution: s.sess.resolution.String()}
	s.saves++
	s.sess.message = msgSaving
	s.mu.Unlock()

	res, err := s.saver.Save(ctx, req)

	s.mu.Lock()
	s.saves--
	// restore only if the worker has not moved on meanwhile
	if s.saves == 0 && s.gen == gen && s.sess.state == StateCapturing && s.sess.message == msgSaving {
		s.sess.message = msgRecording(enc)
	}
	s.mu.Unlock()
	return res, err
}

// Stats is a consistent copy of the session plus buffer and host figures.
type Stats struct {
	Status           string  `json:"status"`
	State            State   `json:"state"`
	Resolution       string  `json:"resolution"`
	Encoder          string  `json:"encoder"`
	VideoDevice      string  `json:"video_device,omitempty"`
	AudioDevice      string  `json:"audio_device,omitempty"`
	UptimeSeconds    float64 `json:"uptime"`
	BufferedSegments int     `json:"buffered_segments"`
	MaxSegments      int     `json:"max_segments"`
	BufferSizeMB     float64 `json:"buffer_size_mb"`
	FreeRAMMB        int64   `json:"free_ram_mb"`
	Running          bool    `json:"running"`
}

// Stats never holds the session lock while scanning the buffer.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Status:      s.sess.message,
		State:       s.sess.state,
		Resolution:  s.sess.resolution.String(),
		Encoder:     s.sess.encoder,
		MaxSegments: s.layout.MaxSegments(),
		Running:     s.sess.running,
	}
	if s.sess.video != nil {
		st.VideoDevice = s.sess.video.ID
	}
	if s.sess.audio != nil {
		st.AudioDevice = s.sess.audio.ID
	}
	if s.sess.running && !s.sess.startedAt.IsZero() {
		st.UptimeSeconds = s.now().Sub(s.sess.startedAt).Seconds()
	}
	s.mu.Unlock()

	if bs, err := s.bufferStats(); err == nil {
		st.BufferedSegments = bs.Segments
		st.BufferSizeMB = float64(bs.Bytes) / (1024 * 1024)
		metrics.SetBufferStats(bs.Segments, bs.Bytes)
	} else if !errors.Is(err, context.Canceled) {
		s.logger.Debug().Err(err).Msg("buffer scan failed")
	}
	if s.memory != nil {
		if free, err := s.memory.FreeMB(); err == nil {
			st.FreeRAMMB = free
		}
	}
	return st
}

func (s *Supervisor) bufferStats() (buffer.Stats, error) {
	v, err, _ := s.scans.Do("buffer", func() (any, error) {
		return s.layout.Stats()
	})
	if err != nil {
		return buffer.Stats{}, err
	}
	return v.(buffer.Stats), nil
}

// setLocked performs a state transition. Caller holds mu.
func (s *Supervisor) setLocked(state State, msg string) {
	old := s.sess.state
	s.sess.state = state
	s.sess.message = msg
	if old != state {
		metrics.RecordTransition(old.String(), state.String())
		s.logger.Debug().
			Str(log.FieldOldState, old.String()).
			Str(log.FieldNewState, state.String()).
			Str(log.FieldStatus, msg).
			Msg("state transition")
	}
}

// update applies fn under the lock if gen is still the live, running session.
func (s *Supervisor) update(gen uint64, fn func(*session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.sess.running {
		return false
	}
	fn(&s.sess)
	return true
}

func (s *Supervisor) transition(gen uint64, state State, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.sess.running {
		return false
	}
	s.setLocked(state, msg)
	return true
}

// sleep waits for d or ctx. It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
