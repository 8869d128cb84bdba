// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package encoder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/ringdvr/internal/device"
	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/media"
	"github.com/ManuGH/ringdvr/internal/media/ffmpeg"
	"github.com/ManuGH/ringdvr/internal/metrics"
	"github.com/ManuGH/ringdvr/internal/telemetry"
)

// Request is the device pair and resolution a candidate is validated against.
type Request struct {
	Video      device.Device
	Audio      device.Device
	Resolution media.Resolution
}

// Config for a Negotiator. Candidates and Signatures can be swapped at
// runtime with SetPolicy.
type Config struct {
	FFmpegBin  string
	Duration   time.Duration // length of the throwaway capture, default 3s
	Input      ffmpeg.CaptureInput
	Encoder    ffmpeg.EncoderSpec
	Candidates []Candidate
	Signatures []string
}

type policy struct {
	candidates []Candidate
	matcher    *Matcher
}

// Negotiator validates candidates in declared order. No result is cached
// between calls.
type Negotiator struct {
	bin      string
	duration time.Duration
	input    ffmpeg.CaptureInput
	enc      ffmpeg.EncoderSpec

	policy atomic.Pointer[policy]
	logger zerolog.Logger
	tracer trace.Tracer
}

func NewNegotiator(cfg Config) *Negotiator {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 3 * time.Second
	}
	if cfg.Candidates == nil {
		cfg.Candidates = DefaultCandidates()
	}
	if cfg.Signatures == nil {
		cfg.Signatures = DefaultSignatures()
	}
	n := &Negotiator{
		bin:      cfg.FFmpegBin,
		duration: cfg.Duration,
		input:    cfg.Input,
		enc:      cfg.Encoder,
		logger:   log.WithComponent("encoder"),
		tracer:   telemetry.Tracer("github.com/ManuGH/ringdvr/internal/encoder"),
	}
	n.SetPolicy(cfg.Candidates, cfg.Signatures)
	return n
}

// SetPolicy replaces the candidate list and signature set. Runs already in
// progress keep the policy they started with.
func (n *Negotiator) SetPolicy(candidates []Candidate, signatures []string) {
	n.policy.Store(&policy{
		candidates: slices.Clone(candidates),
		matcher:    NewMatcher(signatures),
	})
}

// Candidates returns the current preference order.
func (n *Negotiator) Candidates() []Candidate {
	return slices.Clone(n.policy.Load().candidates)
}

// Negotiate returns the first candidate that passes validation. onAttempt,
// when non-nil, is called before each candidate is tried.
func (n *Negotiator) Negotiate(ctx context.Context, req Request, onAttempt func(Candidate)) (Candidate, error) {
	p := n.policy.Load()
	var reasons []error
	for _, c := range p.candidates {
		if err := ctx.Err(); err != nil {
			return Candidate{}, err
		}
		if onAttempt != nil {
			onAttempt(c)
		}
		v := n.validate(ctx, p.matcher, c, req)
		if v.Passed {
			return c, nil
		}
		if err := ctx.Err(); err != nil {
			return Candidate{}, err
		}
		reasons = append(reasons, v.err())
	}
	if len(reasons) == 0 {
		return Candidate{}, fmt.Errorf("%w: no candidates configured", ErrAllFailed)
	}
	return Candidate{}, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(reasons...))
}

// Validate runs a single bounded capture with c against req.
func (n *Negotiator) Validate(ctx context.Context, c Candidate, req Request) Verdict {
	return n.validate(ctx, n.policy.Load().matcher, c, req)
}

func (n *Negotiator) validate(ctx context.Context, m *Matcher, c Candidate, req Request) (v Verdict) {
	ctx, span := n.tracer.Start(ctx, "encoder.validate", trace.WithAttributes(
		telemetry.CaptureAttributes(c.Name, c.Preset, req.Resolution.String(), req.Video.ID, req.Audio.ID)...,
	))
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Bool("passed", v.Passed))
		if !v.Passed {
			span.SetStatus(codes.Error, v.Reason)
		}
		span.End()
		metrics.RecordEncoderValidation(c.Name, resultLabel(v), time.Since(started).Seconds())
	}()

	v = Verdict{Candidate: c, ExitCode: -1}
	logger := log.WithContext(ctx, n.logger).With().
		Str(log.FieldEncoder, c.Name).
		Str(log.FieldResolution, req.Resolution.String()).
		Logger()

	in := n.input
	in.VideoDevice, in.AudioDevice, in.Resolution = req.Video.ID, req.Audio.ID, req.Resolution
	enc := n.enc
	enc.Codec, enc.Preset = c.Name, c.Preset

	args, err := ffmpeg.ValidationArgs(in, enc, n.duration)
	if err != nil {
		v.Reason = err.Error()
		return v
	}

	var (
		once    sync.Once
		matched = make(chan string, 1)
	)
	proc, err := ffmpeg.Start(n.bin, args, func(line string) {
		if sig, ok := m.Match(line); ok {
			once.Do(func() { matched <- sig })
		}
	})
	if err != nil {
		v.Reason = err.Error()
		logger.Warn().Err(err).Msg("validation launch failed")
		return v
	}

	// backstop for an encoder that hangs past its -t bound
	deadline := time.NewTimer(2*n.duration + 10*time.Second)
	defer deadline.Stop()

	select {
	case <-proc.Done():
		// a signature may have been seen on the last lines before exit
		select {
		case sig := <-matched:
			v.Signature = sig
		default:
		}
	case sig := <-matched:
		v.Signature = sig
		_ = proc.Kill()
		<-proc.Done()
	case <-deadline.C:
		_ = proc.Kill()
		<-proc.Done()
		v.Reason = "validation timed out"
	case <-ctx.Done():
		_ = proc.Kill()
		<-proc.Done()
		v.Reason = ctx.Err().Error()
		return v
	}

	v.ExitCode = proc.ExitCode()
	switch {
	case v.Signature != "":
		v.Reason = "fatal signature: " + v.Signature
	case v.Reason != "":
	case v.ExitCode != 0:
		v.Reason = fmt.Sprintf("exit code %d", v.ExitCode)
	default:
		v.Passed = true
	}

	if v.Passed {
		logger.Info().Dur("elapsed", time.Since(started)).Msg("encoder validation passed")
	} else {
		logger.Warn().
			Str("reason", v.Reason).
			Str(log.FieldSignature, v.Signature).
			Int(log.FieldExitCode, v.ExitCode).
			Strs(log.FieldStderr, proc.Tail(10)).
			Msg("encoder validation failed")
	}
	return v
}

func resultLabel(v Verdict) string {
	switch {
	case v.Passed:
		return "pass"
	case v.Signature != "":
		return "signature"
	case v.ExitCode > 0:
		return "exit"
	default:
		return "error"
	}
}
