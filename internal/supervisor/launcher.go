// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/media/ffmpeg"
)

// FFmpegLauncher starts the real capture child.
type FFmpegLauncher struct {
	Bin     string
	Input   ffmpeg.CaptureInput // format, frame rate and audio settings
	Encoder ffmpeg.EncoderSpec  // bitrates and GOP
}

var _ Launcher = (*FFmpegLauncher)(nil)

// Launch builds the capture command line from spec and starts it in its own
// process group. The child outlives ctx; the worker stops it explicitly.
func (l *FFmpegLauncher) Launch(ctx context.Context, spec LaunchSpec) (Child, error) {
	in := l.Input
	in.VideoDevice, in.AudioDevice, in.Resolution = spec.Video.ID, spec.Audio.ID, spec.Resolution
	enc := l.Encoder
	enc.Codec, enc.Preset = spec.Encoder.Name, spec.Encoder.Preset

	args, err := ffmpeg.CaptureArgs(in, enc, spec.Output)
	if err != nil {
		return nil, err
	}

	bin := l.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	logger := log.WithComponentFromContext(ctx, "capture").With().Str(log.FieldEncoder, enc.Codec).Logger()
	logger.Debug().Strs("args", args).Msg("launching capture")

	proc, err := ffmpeg.Start(bin, args, stderrLogger(logger))
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func stderrLogger(logger zerolog.Logger) func(string) {
	return func(line string) {
		logger.Debug().Str(log.FieldStderr, line).Msg("ffmpeg")
	}
}
