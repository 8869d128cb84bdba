// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/ringdvr/internal/media"
)

func testInput() CaptureInput {
	return CaptureInput{
		VideoDevice: "/dev/video0",
		AudioDevice: "hw:1,0",
		Resolution:  media.Resolution{Width: 640, Height: 480},
	}
}

func TestCaptureArgs(t *testing.T) {
	args, err := CaptureArgs(testInput(),
		EncoderSpec{Codec: "libx264", Preset: "ultrafast"},
		HLSOutput{
			Playlist:        "/dev/shm/ringdvr/buffer.m3u8",
			SegmentPattern:  "/dev/shm/ringdvr/seg%05d.ts",
			SegmentDuration: 4 * time.Second,
			ListSize:        225,
		})
	require.NoError(t, err)

	want := []string{
		"-nostdin", "-hide_banner", "-loglevel", "warning",
		"-f", "v4l2", "-input_format", "yuyv422", "-video_size", "640x480", "-framerate", "30", "-i", "/dev/video0",
		"-f", "alsa", "-ac", "1", "-ar", "44100", "-i", "hw:1,0",
		"-c:v", "libx264", "-preset", "ultrafast",
		"-b:v", "1M", "-g", "60",
		"-c:a", "aac", "-b:a", "128k",
		"-f", "hls", "-hls_time", "4", "-hls_list_size", "225",
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", "/dev/shm/ringdvr/seg%05d.ts",
		"/dev/shm/ringdvr/buffer.m3u8",
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("CaptureArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationArgsOmitsEmptyPreset(t *testing.T) {
	in := testInput()
	in.FrameRate = 25
	args, err := ValidationArgs(in, EncoderSpec{Codec: "h264_v4l2m2m"}, 2500*time.Millisecond)
	require.NoError(t, err)

	want := []string{
		"-nostdin", "-hide_banner",
		"-f", "v4l2", "-input_format", "yuyv422", "-video_size", "640x480", "-framerate", "25", "-i", "/dev/video0",
		"-f", "alsa", "-ac", "1", "-ar", "44100", "-i", "hw:1,0",
		"-t", "2.5",
		"-c:v", "h264_v4l2m2m",
		"-c:a", "aac", "-f", "null", "-",
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("ValidationArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestArgsRejectIncompleteInput(t *testing.T) {
	out := HLSOutput{Playlist: "p.m3u8", SegmentPattern: "s%d.ts", SegmentDuration: 4 * time.Second, ListSize: 3}
	enc := EncoderSpec{Codec: "libx264"}

	tests := []struct {
		name string
		in   func(*CaptureInput)
		enc  EncoderSpec
		out  HLSOutput
	}{
		{name: "no video", in: func(c *CaptureInput) { c.VideoDevice = "" }, enc: enc, out: out},
		{name: "no audio", in: func(c *CaptureInput) { c.AudioDevice = "" }, enc: enc, out: out},
		{name: "no resolution", in: func(c *CaptureInput) { c.Resolution = media.Resolution{} }, enc: enc, out: out},
		{name: "no encoder", in: func(*CaptureInput) {}, out: out},
		{name: "short segment", in: func(*CaptureInput) {}, enc: enc, out: HLSOutput{Playlist: "p", SegmentPattern: "s", SegmentDuration: 500 * time.Millisecond, ListSize: 3}},
		{name: "no list", in: func(*CaptureInput) {}, enc: enc, out: HLSOutput{Playlist: "p", SegmentPattern: "s", SegmentDuration: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput()
			tt.in(&in)
			_, err := CaptureArgs(in, tt.enc, tt.out)
			assert.Error(t, err)
		})
	}

	_, err := ValidationArgs(testInput(), enc, 0)
	assert.Error(t, err)
}

func TestRemuxArgsForceMP4(t *testing.T) {
	args := RemuxArgs("/buf/index.m3u8", "/rec/.tmp-1")
	want := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", "/buf/index.m3u8",
		"-c", "copy", "-bsf:a", "aac_adtstoasc", "-movflags", "+faststart",
		"-f", "mp4", "/rec/.tmp-1",
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("RemuxArgs mismatch (-want +got):\n%s", diff)
	}
}
