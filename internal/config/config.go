// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the ringdvr configuration from defaults, an optional
// YAML file and RINGDVR_* environment variables, in that order of
// increasing precedence, and supports hot reload of the runtime tunables.
package config

import (
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ManuGH/ringdvr/internal/buffer"
	"github.com/ManuGH/ringdvr/internal/encoder"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RINGDVR_"

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	Version  string `yaml:"-"`
	LogLevel string `yaml:"logLevel"`

	Capture    CaptureConfig    `yaml:"capture"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Tools      ToolsConfig      `yaml:"tools"`
	Encoder    EncoderConfig    `yaml:"encoder"`
	Timing     TimingConfig     `yaml:"timing"`
	Recordings RecordingsConfig `yaml:"recordings"`
	API        APIConfig        `yaml:"api"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// CaptureConfig describes the capture input and its output bitrates.
type CaptureConfig struct {
	Resolution         string        `yaml:"resolution"`
	Autostart          bool          `yaml:"autostart"`
	AllowedResolutions []string      `yaml:"allowedResolutions"`
	VideoGlob          string        `yaml:"videoGlob"`
	InputFormat        string        `yaml:"inputFormat"`
	FrameRate          int           `yaml:"frameRate"`
	AudioChannels      int           `yaml:"audioChannels"`
	SampleRate         int           `yaml:"sampleRate"`
	VideoBitrate       string        `yaml:"videoBitrate"`
	AudioBitrate       string        `yaml:"audioBitrate"`
	GOP                int           `yaml:"gop"`
	ProbeTimeout       time.Duration `yaml:"probeTimeout"`
}

// BufferConfig is the tmpfs-backed rolling HLS window.
type BufferConfig struct {
	Dir             string        `yaml:"dir"`
	SegmentDuration time.Duration `yaml:"segmentDuration"`
	Window          time.Duration `yaml:"window"`
}

// ToolsConfig names the external binaries.
type ToolsConfig struct {
	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
	Arecord string `yaml:"arecord"`
}

// EncoderConfig is the negotiation policy.
type EncoderConfig struct {
	Candidates         []encoder.Candidate `yaml:"candidates"`
	Signatures         []string            `yaml:"signatures"`
	ValidationDuration time.Duration       `yaml:"validationDuration"`
}

// TimingConfig holds the supervisor delays. StallTimeout 0 derives the value
// from the segment duration; StallWatchdog false disables it.
type TimingConfig struct {
	DeviceRetryDelay  time.Duration `yaml:"deviceRetryDelay"`
	EncoderRetryDelay time.Duration `yaml:"encoderRetryDelay"`
	CrashRetryDelay   time.Duration `yaml:"crashRetryDelay"`
	SettleDelay       time.Duration `yaml:"settleDelay"`
	StopGrace         time.Duration `yaml:"stopGrace"`
	StallWatchdog     bool          `yaml:"stallWatchdog"`
	StallTimeout      time.Duration `yaml:"stallTimeout"`
}

// RecordingsConfig is where saves end up.
type RecordingsConfig struct {
	Dir          string        `yaml:"dir"`
	CatalogPath  string        `yaml:"catalogPath"`
	RemuxTimeout time.Duration `yaml:"remuxTimeout"`
	ProbeTimeout time.Duration `yaml:"probeTimeout"`
}

// APIConfig is the HTTP control surface.
type APIConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	RateLimit       int           `yaml:"rateLimit"` // requests per minute per client, 0 disables
	SaveInterval    time.Duration `yaml:"saveInterval"`
	SaveBurst       int           `yaml:"saveBurst"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// TelemetryConfig mirrors telemetry.Config.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	recDir := filepath.Join(home, "Videos", "Recordings")
	layout := buffer.DefaultLayout()

	return AppConfig{
		LogLevel: "info",
		Capture: CaptureConfig{
			Resolution:         "640x480",
			Autostart:          true,
			AllowedResolutions: []string{"640x480", "320x240", "160x120"},
			VideoGlob:          "/dev/video*",
			InputFormat:        "yuyv422",
			FrameRate:          30,
			AudioChannels:      1,
			SampleRate:         44100,
			VideoBitrate:       "1M",
			AudioBitrate:       "128k",
			GOP:                60,
			ProbeTimeout:       5 * time.Second,
		},
		Buffer: BufferConfig{
			Dir:             layout.Dir,
			SegmentDuration: layout.SegmentDuration,
			Window:          layout.Window,
		},
		Tools: ToolsConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
			Arecord: "arecord",
		},
		Encoder: EncoderConfig{
			Candidates:         encoder.DefaultCandidates(),
			Signatures:         encoder.DefaultSignatures(),
			ValidationDuration: 3 * time.Second,
		},
		Timing: TimingConfig{
			DeviceRetryDelay:  3 * time.Second,
			EncoderRetryDelay: 10 * time.Second,
			CrashRetryDelay:   5 * time.Second,
			SettleDelay:       time.Second,
			StopGrace:         10 * time.Second,
			StallWatchdog:     true,
		},
		Recordings: RecordingsConfig{
			Dir:          recDir,
			CatalogPath:  filepath.Join(recDir, ".ringdvr.db"),
			RemuxTimeout: 5 * time.Minute,
			ProbeTimeout: 15 * time.Second,
		},
		API: APIConfig{
			ListenAddr:      ":5000",
			RateLimit:       120,
			SaveInterval:    5 * time.Second,
			SaveBurst:       2,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// Layout converts the buffer section.
func (c AppConfig) Layout() buffer.Layout {
	l := buffer.DefaultLayout()
	l.Dir = c.Buffer.Dir
	l.SegmentDuration = c.Buffer.SegmentDuration
	l.Window = c.Buffer.Window
	return l
}

// EffectiveStallTimeout resolves the watchdog timeout; 0 means disabled.
func (c AppConfig) EffectiveStallTimeout() time.Duration {
	if !c.Timing.StallWatchdog {
		return 0
	}
	if c.Timing.StallTimeout > 0 {
		return c.Timing.StallTimeout
	}
	return 4*c.Buffer.SegmentDuration + 10*time.Second
}

// ResolutionAllowed reports whether res is on the whitelist. An empty
// whitelist allows anything parseable.
func (c AppConfig) ResolutionAllowed(res string) bool {
	if len(c.Capture.AllowedResolutions) == 0 {
		return true
	}
	return slices.Contains(c.Capture.AllowedResolutions, res)
}
