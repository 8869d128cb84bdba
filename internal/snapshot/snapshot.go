// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package snapshot materializes the circular buffer into a durable MP4.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/ringdvr/internal/buffer"
	"github.com/ManuGH/ringdvr/internal/catalog"
	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/media/ffmpeg"
	"github.com/ManuGH/ringdvr/internal/metrics"
	"github.com/ManuGH/ringdvr/internal/telemetry"
)

var (
	// ErrBufferInvalid: the buffer is not readable as a coherent stream.
	ErrBufferInvalid = errors.New("buffer invalid")
	// ErrSaveFailed: remux or durable write failed.
	ErrSaveFailed = errors.New("save failed")
)

const timeLayout = "2006-01-02_15-04-05.000"

// Recorder persists metadata of finished saves.
type Recorder interface {
	Add(ctx context.Context, r catalog.Recording) error
}

// Config for a Saver.
type Config struct {
	Dir          string // durable destination, created on demand
	Layout       buffer.Layout
	FFmpegBin    string
	FFprobeBin   string
	ProbeTimeout time.Duration
	RemuxTimeout time.Duration
}

// Request carries metadata about the capture being saved.
type Request struct {
	ID         string // generated when empty
	Encoder    string
	Resolution string
}

// Result describes a durable recording.
type Result struct {
	ID        string
	Path      string
	SizeBytes int64
	Duration  time.Duration
	CreatedAt time.Time
}

// Saver validates and remuxes the buffer. Concurrent saves are allowed and
// always produce distinct files.
type Saver struct {
	cfg      Config
	recorder Recorder
	now      func() time.Time
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Saver. recorder may be nil.
func New(cfg Config, recorder Recorder) *Saver {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.FFprobeBin == "" {
		cfg.FFprobeBin = "ffprobe"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.RemuxTimeout <= 0 {
		cfg.RemuxTimeout = 5 * time.Minute
	}
	return &Saver{
		cfg:      cfg,
		recorder: recorder,
		now:      time.Now,
		logger:   log.WithComponent("snapshot"),
		tracer:   telemetry.Tracer("github.com/ManuGH/ringdvr/internal/snapshot"),
		inflight: make(map[string]struct{}),
	}
}

// Save checks the buffer, remuxes it without re-encoding and atomically
// moves the result into the destination directory.
func (s *Saver) Save(ctx context.Context, req Request) (res Result, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	started := s.now()
	res = Result{ID: req.ID, CreatedAt: started}

	ctx, span := s.tracer.Start(ctx, "snapshot.save", trace.WithAttributes(attribute.String(telemetry.SaveIDKey, req.ID)))
	logger := log.WithContext(ctx, s.logger).With().Str(log.FieldSaveID, req.ID).Logger()
	defer func() {
		result := "success"
		switch {
		case errors.Is(err, ErrBufferInvalid):
			result = "buffer_invalid"
		case err != nil:
			result = "failed"
		}
		metrics.RecordSave(result, time.Since(started).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
			span.SetAttributes(attribute.String(telemetry.SaveResultKey, result))
			logger.Warn().Err(err).Msg("save failed")
		}
		span.End()
	}()

	ix, err := s.validate(ctx)
	if err != nil {
		return res, err
	}
	res.Duration = ix.Duration()

	if err := os.MkdirAll(s.cfg.Dir, 0o750); err != nil {
		return res, fmt.Errorf("%w: create %s: %w", ErrSaveFailed, s.cfg.Dir, err)
	}
	target, release, err := s.reserve(started)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	defer release()
	res.Path = target

	logger = logger.With().Str(log.FieldOutputPath, target).Logger()
	logger.Info().Int("segments", len(ix.Segments)).Dur("buffered", res.Duration).Msg("remuxing buffer")

	if err := s.remux(ctx, logger, target); err != nil {
		return res, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return res, fmt.Errorf("%w: stat output: %w", ErrSaveFailed, err)
	}
	res.SizeBytes = info.Size()
	span.SetAttributes(telemetry.SaveAttributes(req.ID, len(ix.Segments), res.SizeBytes)...)
	logger.Info().Int64("size_bytes", res.SizeBytes).Dur("elapsed", time.Since(started)).Msg("recording saved")

	if s.recorder != nil {
		rec := catalog.Recording{
			ID:         req.ID,
			Path:       target,
			SizeBytes:  res.SizeBytes,
			Encoder:    req.Encoder,
			Resolution: req.Resolution,
			DurationMS: res.Duration.Milliseconds(),
			CreatedAt:  started,
		}
		if err := s.recorder.Add(ctx, rec); err != nil {
			// the file is durable; only the index entry is missing
			logger.Warn().Err(err).Msg("catalog update failed")
		}
	}
	return res, nil
}

func (s *Saver) validate(ctx context.Context) (buffer.Index, error) {
	ix, err := s.cfg.Layout.CheckIndex()
	if err != nil {
		return ix, fmt.Errorf("%w: %w", ErrBufferInvalid, err)
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	if _, err := ffmpeg.Probe(pctx, s.cfg.FFprobeBin, s.cfg.Layout.PlaylistPath()); err != nil {
		return ix, fmt.Errorf("%w: %w", ErrBufferInvalid, err)
	}
	return ix, nil
}

func (s *Saver) remux(ctx context.Context, logger zerolog.Logger, target string) error {
	pendingFile, err := renameio.NewPendingFile(target, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("%w: create pending file: %w", ErrSaveFailed, err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending recording")
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RemuxTimeout)
	defer cancel()

	// ffmpeg opens the pending path itself and truncates it in place
	tail, err := ffmpeg.Run(rctx, s.cfg.FFmpegBin, ffmpeg.RemuxArgs(s.cfg.Layout.PlaylistPath(), pendingFile.Name()))
	if err != nil {
		return fmt.Errorf("%w: remux: %w (stderr: %s)", ErrSaveFailed, err, strings.Join(tail, " | "))
	}

	// CloseAtomicallyReplace: fsync + rename (durable + atomic)
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: atomically replace: %w", ErrSaveFailed, err)
	}
	return nil
}

// reserve picks a file name that neither exists on disk nor is being written
// by a concurrent save.
func (s *Saver) reserve(t time.Time) (string, func(), error) {
	base := "recording_" + t.Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 1000; i++ {
		name := base
		if i > 0 {
			name += "_" + strconv.Itoa(i)
		}
		p := filepath.Join(s.cfg.Dir, name+".mp4")
		if _, busy := s.inflight[p]; busy {
			continue
		}
		if _, err := os.Lstat(p); err == nil {
			continue
		}
		s.inflight[p] = struct{}{}
		return p, func() {
			s.mu.Lock()
			delete(s.inflight, p)
			s.mu.Unlock()
		}, nil
	}
	return "", nil, fmt.Errorf("no free file name for %s", base)
}
