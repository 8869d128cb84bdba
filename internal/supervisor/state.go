// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"errors"
	"time"
)

// State of the capture session.
type State int

const (
	StateStopped State = iota
	StateDetectingDevices
	StateValidatingEncoder
	StateCapturing
	StateCrashedRetrying
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateDetectingDevices:
		return "detecting_devices"
	case StateValidatingEncoder:
		return "validating_encoder"
	case StateCapturing:
		return "capturing"
	case StateCrashedRetrying:
		return "crashed_retrying"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrNotRecording is returned by Save outside the capturing state.
	ErrNotRecording = errors.New("capture is not running")
	// ErrProcessCrash marks an unexpected capture child exit. It is logged
	// and absorbed by the retry loop, never returned to callers.
	ErrProcessCrash = errors.New("capture process exited unexpectedly")
)

// Human-readable status messages.
const (
	msgStopped        = "Stopped"
	msgStopping       = "Stopping..."
	msgDetecting      = "Detecting devices..."
	msgNoDevices      = "Devices not found. Retrying..."
	msgAllEncodersBad = "All encoders failed validation. Retrying..."
	msgCrashed        = "ffmpeg crashed. Restarting..."
	msgSaving         = "Saving video..."
	noEncoder         = "N/A"
)

func msgValidating(enc string) string { return "Validating " + enc + "..." }
func msgStarting(enc string) string   { return "Starting capture with " + enc + "..." }
func msgRecording(enc string) string  { return "Recording with " + enc }

// Timing holds the retry delays and shutdown bounds. All fields are tunables.
type Timing struct {
	DeviceRetryDelay  time.Duration
	EncoderRetryDelay time.Duration
	CrashRetryDelay   time.Duration
	SettleDelay       time.Duration // between stop and start on restart
	StopGrace         time.Duration // SIGINT to SIGKILL escalation
	StallTimeout      time.Duration // no new segment for this long counts as a crash; 0 disables
}

// DefaultTiming derives the stall timeout from the segment duration.
func DefaultTiming(segment time.Duration) Timing {
	return Timing{
		DeviceRetryDelay:  3 * time.Second,
		EncoderRetryDelay: 10 * time.Second,
		CrashRetryDelay:   5 * time.Second,
		SettleDelay:       time.Second,
		StopGrace:         10 * time.Second,
		StallTimeout:      4*segment + 10*time.Second,
	}
}
