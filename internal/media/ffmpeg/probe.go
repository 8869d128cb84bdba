// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/ManuGH/ringdvr/internal/log"
)

// ErrUnplayable is returned when ffprobe finds no usable container or stream.
var ErrUnplayable = errors.New("no playable streams")

// ProbeResult is the subset of ffprobe output the recorder cares about.
type ProbeResult struct {
	FormatName string
	Duration   string
	Video      string // codec name, empty when absent
	Audio      string
}

type probeData struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// Probe runs ffprobe on path. A result is returned only when ffprobe reports a
// container format and at least one audio or video stream with a codec.
func Probe(ctx context.Context, bin, path string) (*ProbeResult, error) {
	if bin == "" {
		bin = "ffprobe"
	}
	// #nosec G204 - bin comes from configuration; path is opaque
	cmd := exec.CommandContext(ctx, bin, ProbeArgs(path)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()

	var data probeData
	jsonErr := json.Unmarshal(out, &data)

	res := &ProbeResult{FormatName: data.Format.FormatName, Duration: data.Format.Duration}
	for _, s := range data.Streams {
		if s.CodecName == "" {
			continue
		}
		switch s.CodecType {
		case "video":
			if res.Video == "" {
				res.Video = s.CodecName
			}
		case "audio":
			if res.Audio == "" {
				res.Audio = s.CodecName
			}
		}
	}

	valid := jsonErr == nil && res.FormatName != "" && (res.Video != "" || res.Audio != "")
	switch {
	case valid:
		if err != nil {
			log.L().Warn().Err(err).Str(log.FieldPath, path).Str(log.FieldStderr, truncate(stderr.String(), 4096)).
				Msg("ffprobe non-zero exit but JSON accepted")
		}
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, truncate(stderr.String(), 4096))
	case jsonErr != nil:
		return nil, fmt.Errorf("json decode: %w", jsonErr)
	default:
		return nil, ErrUnplayable
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
