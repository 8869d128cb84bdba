// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/ringdvr/internal/encoder"
	"github.com/ManuGH/ringdvr/internal/log"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath string
	version    string
	lookup     lookupFunc
	environ    func() []string
	logger     zerolog.Logger

	// ConsumedEnvKeys records every key the loader looked at.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader reading configPath (may be empty) and the
// process environment.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		lookup:          os.LookupEnv,
		environ:         os.Environ,
		logger:          log.WithComponent("config"),
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path is the config file path, empty for ENV-only configuration.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) envString(key, def string) string {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return parseEnv(l.logger, l.lookup, EnvPrefix+key, def, parseString)
}

func (l *Loader) envBool(key string, def bool) bool {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return parseEnv(l.logger, l.lookup, EnvPrefix+key, def, parseBool)
}

func (l *Loader) envInt(key string, def int) int {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return parseEnv(l.logger, l.lookup, EnvPrefix+key, def, parseInt)
}

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return parseEnv(l.logger, l.lookup, EnvPrefix+key, def, time.ParseDuration)
}

func (l *Loader) envFloat(key string, def float64) float64 {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return parseEnv(l.logger, l.lookup, EnvPrefix+key, def, parseFloat)
}

func (l *Loader) envList(key string, def []string) []string {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return parseEnv(l.logger, l.lookup, EnvPrefix+key, def, parseList)
}

func (l *Loader) envCandidates(key string, def []encoder.Candidate) []encoder.Candidate {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return parseEnv(l.logger, l.lookup, EnvPrefix+key, def, ParseCandidates)
}

// Load loads configuration with precedence: ENV > File > Defaults
// It enforces Strict Validated Order: Parse File (Strict) -> Apply Env -> Validate
func (l *Loader) Load() (AppConfig, error) {
	// 1. Defaults
	cfg := Default()

	// 2. File (if provided), decoded over the defaults
	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	// 3. Environment (highest priority)
	l.mergeEnv(&cfg)
	l.warnUnknownEnv()

	if abs, err := filepath.Abs(cfg.Recordings.Dir); err == nil {
		cfg.Recordings.Dir = abs
	}
	cfg.Version = l.version

	// 4. Validate final configuration
	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file with STRICT parsing into cfg. Unknown fields
// are fatal to prevent silent misconfiguration.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.LogLevel = l.envString("LOG_LEVEL", cfg.LogLevel)

	c := &cfg.Capture
	c.Resolution = l.envString("CAPTURE_RESOLUTION", c.Resolution)
	c.Autostart = l.envBool("CAPTURE_AUTOSTART", c.Autostart)
	c.AllowedResolutions = l.envList("CAPTURE_ALLOWED_RESOLUTIONS", c.AllowedResolutions)
	c.VideoGlob = l.envString("CAPTURE_VIDEO_GLOB", c.VideoGlob)
	c.InputFormat = l.envString("CAPTURE_INPUT_FORMAT", c.InputFormat)
	c.FrameRate = l.envInt("CAPTURE_FRAME_RATE", c.FrameRate)
	c.AudioChannels = l.envInt("CAPTURE_AUDIO_CHANNELS", c.AudioChannels)
	c.SampleRate = l.envInt("CAPTURE_SAMPLE_RATE", c.SampleRate)
	c.VideoBitrate = l.envString("CAPTURE_VIDEO_BITRATE", c.VideoBitrate)
	c.AudioBitrate = l.envString("CAPTURE_AUDIO_BITRATE", c.AudioBitrate)
	c.GOP = l.envInt("CAPTURE_GOP", c.GOP)
	c.ProbeTimeout = l.envDuration("CAPTURE_PROBE_TIMEOUT", c.ProbeTimeout)

	b := &cfg.Buffer
	b.Dir = l.envString("BUFFER_DIR", b.Dir)
	b.SegmentDuration = l.envDuration("BUFFER_SEGMENT_DURATION", b.SegmentDuration)
	b.Window = l.envDuration("BUFFER_WINDOW", b.Window)

	cfg.Tools.FFmpeg = l.envString("FFMPEG_BIN", cfg.Tools.FFmpeg)
	cfg.Tools.FFprobe = l.envString("FFPROBE_BIN", cfg.Tools.FFprobe)
	cfg.Tools.Arecord = l.envString("ARECORD_BIN", cfg.Tools.Arecord)

	e := &cfg.Encoder
	e.Candidates = l.envCandidates("ENCODER_CANDIDATES", e.Candidates)
	e.ValidationDuration = l.envDuration("ENCODER_VALIDATION_DURATION", e.ValidationDuration)

	t := &cfg.Timing
	t.DeviceRetryDelay = l.envDuration("DEVICE_RETRY_DELAY", t.DeviceRetryDelay)
	t.EncoderRetryDelay = l.envDuration("ENCODER_RETRY_DELAY", t.EncoderRetryDelay)
	t.CrashRetryDelay = l.envDuration("CRASH_RETRY_DELAY", t.CrashRetryDelay)
	t.SettleDelay = l.envDuration("SETTLE_DELAY", t.SettleDelay)
	t.StopGrace = l.envDuration("STOP_GRACE", t.StopGrace)
	t.StallWatchdog = l.envBool("STALL_WATCHDOG", t.StallWatchdog)
	t.StallTimeout = l.envDuration("STALL_TIMEOUT", t.StallTimeout)

	r := &cfg.Recordings
	r.Dir = l.envString("RECORDINGS_DIR", r.Dir)
	r.CatalogPath = l.envString("CATALOG_PATH", r.CatalogPath)
	r.RemuxTimeout = l.envDuration("REMUX_TIMEOUT", r.RemuxTimeout)
	r.ProbeTimeout = l.envDuration("FFPROBE_TIMEOUT", r.ProbeTimeout)

	a := &cfg.API
	a.ListenAddr = l.envString("LISTEN", a.ListenAddr)
	a.RateLimit = l.envInt("RATE_LIMIT", a.RateLimit)
	a.SaveInterval = l.envDuration("SAVE_INTERVAL", a.SaveInterval)
	a.SaveBurst = l.envInt("SAVE_BURST", a.SaveBurst)
	a.ShutdownTimeout = l.envDuration("SHUTDOWN_TIMEOUT", a.ShutdownTimeout)

	tel := &cfg.Telemetry
	tel.Enabled = l.envBool("TELEMETRY_ENABLED", tel.Enabled)
	tel.Exporter = l.envString("TELEMETRY_EXPORTER", tel.Exporter)
	tel.Endpoint = l.envString("TELEMETRY_ENDPOINT", tel.Endpoint)
	tel.SamplingRate = l.envFloat("TELEMETRY_SAMPLING_RATE", tel.SamplingRate)
}

// warnUnknownEnv flags RINGDVR_* variables nothing reads, usually typos.
func (l *Loader) warnUnknownEnv() {
	var unknown []string
	for _, kv := range l.environ() {
		key, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if _, ok := l.ConsumedEnvKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return
	}
	sort.Strings(unknown)
	l.logger.Warn().
		Str(log.FieldEvent, "config.unknown_env").
		Strs("keys", unknown).
		Msg("ignoring unknown environment variables")
}

// ParseCandidates parses "name[:preset],..." into an ordered candidate list.
func ParseCandidates(s string) ([]encoder.Candidate, error) {
	items, _ := parseList(s)
	if len(items) == 0 {
		return nil, errors.New("empty candidate list")
	}
	out := make([]encoder.Candidate, 0, len(items))
	for _, it := range items {
		name, preset, _ := strings.Cut(it, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("candidate %q has no encoder name", it)
		}
		out = append(out, encoder.Candidate{Name: name, Preset: strings.TrimSpace(preset)})
	}
	return out, nil
}
