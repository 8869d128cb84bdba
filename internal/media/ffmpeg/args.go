// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ffmpeg builds command lines for, and supervises, the external
// ffmpeg/ffprobe tools used for capture, validation and remuxing.
package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuGH/ringdvr/internal/media"
)

// CaptureInput describes the v4l2 + ALSA input pair fed to ffmpeg.
type CaptureInput struct {
	VideoDevice   string
	AudioDevice   string
	Resolution    media.Resolution
	InputFormat   string // v4l2 pixel format, e.g. yuyv422
	FrameRate     int
	AudioChannels int
	SampleRate    int
}

// EncoderSpec selects the video encoder and the fixed output bitrates.
type EncoderSpec struct {
	Codec        string
	Preset       string // omitted when empty
	VideoBitrate string
	GOP          int
	AudioCodec   string
	AudioBitrate string
}

// HLSOutput describes the circular HLS buffer written by the capture child.
type HLSOutput struct {
	Playlist        string
	SegmentPattern  string
	SegmentDuration time.Duration
	ListSize        int
}

func (in CaptureInput) validate() error {
	if in.VideoDevice == "" {
		return errors.New("missing video device")
	}
	if in.AudioDevice == "" {
		return errors.New("missing audio device")
	}
	if in.Resolution.IsZero() {
		return errors.New("missing resolution")
	}
	return nil
}

func (in CaptureInput) args() []string {
	inputFormat := in.InputFormat
	if inputFormat == "" {
		inputFormat = "yuyv422"
	}
	fps := in.FrameRate
	if fps <= 0 {
		fps = 30
	}
	channels := in.AudioChannels
	if channels <= 0 {
		channels = 1
	}
	rate := in.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	return []string{
		"-f", "v4l2",
		"-input_format", inputFormat,
		"-video_size", in.Resolution.String(),
		"-framerate", strconv.Itoa(fps),
		"-i", in.VideoDevice,
		"-f", "alsa",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-i", in.AudioDevice,
	}
}

func (e EncoderSpec) videoArgs() []string {
	args := []string{"-c:v", e.Codec}
	if e.Preset != "" {
		args = append(args, "-preset", e.Preset)
	}
	return args
}

func (e EncoderSpec) audioCodec() string {
	if e.AudioCodec == "" {
		return "aac"
	}
	return e.AudioCodec
}

// VideoProbeArgs grabs a single frame from device at res and discards it.
func VideoProbeArgs(device string, res media.Resolution) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", res.String(),
		"-i", device,
		"-t", "0.5",
		"-frames:v", "1",
		"-f", "null", "-",
	}
}

// ValidationArgs runs a throwaway capture+encode of the given duration to the
// null muxer.
func ValidationArgs(in CaptureInput, enc EncoderSpec, d time.Duration) ([]string, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if enc.Codec == "" {
		return nil, errors.New("missing encoder")
	}
	if d <= 0 {
		return nil, fmt.Errorf("invalid validation duration %s", d)
	}

	args := []string{"-nostdin", "-hide_banner"}
	args = append(args, in.args()...)
	args = append(args, "-t", formatSeconds(d))
	args = append(args, enc.videoArgs()...)
	args = append(args, "-c:a", enc.audioCodec(), "-f", "null", "-")
	return args, nil
}

// CaptureArgs builds the long-lived capture command writing a sliding HLS
// window. ffmpeg owns eviction via delete_segments.
func CaptureArgs(in CaptureInput, enc EncoderSpec, out HLSOutput) ([]string, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if enc.Codec == "" {
		return nil, errors.New("missing encoder")
	}
	if out.Playlist == "" || out.SegmentPattern == "" {
		return nil, errors.New("missing hls output paths")
	}
	if out.SegmentDuration < time.Second {
		return nil, fmt.Errorf("segment duration %s below 1s", out.SegmentDuration)
	}
	if out.ListSize < 1 {
		return nil, fmt.Errorf("invalid hls list size %d", out.ListSize)
	}

	vb := enc.VideoBitrate
	if vb == "" {
		vb = "1M"
	}
	gop := enc.GOP
	if gop <= 0 {
		gop = 60
	}
	ab := enc.AudioBitrate
	if ab == "" {
		ab = "128k"
	}

	args := []string{"-nostdin", "-hide_banner", "-loglevel", "warning"}
	args = append(args, in.args()...)
	args = append(args, enc.videoArgs()...)
	args = append(args,
		"-b:v", vb,
		"-g", strconv.Itoa(gop),
		"-c:a", enc.audioCodec(),
		"-b:a", ab,
		"-f", "hls",
		"-hls_time", formatSeconds(out.SegmentDuration),
		"-hls_list_size", strconv.Itoa(out.ListSize),
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", out.SegmentPattern,
		out.Playlist,
	)
	return args, nil
}

// RemuxArgs stream-copies the HLS playlist into a single MP4 at output.
// The muxer is forced because output may be a temporary name without extension.
func RemuxArgs(playlist, output string) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", playlist,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	}
}

// ProbeArgs asks ffprobe for a JSON description of path.
func ProbeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
