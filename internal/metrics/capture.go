// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Supervisor state machine
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_supervisor_transitions_total",
		Help: "Capture supervisor state transitions",
	}, []string{"from", "to"})

	currentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ringdvr_supervisor_state",
		Help: "1 for the state the capture supervisor is currently in",
	}, []string{"state"})

	// Device locator
	deviceProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_device_probe_total",
		Help: "Device probe attempts by kind and outcome",
	}, []string{"kind", "result"}) // result=ok|failed

	// Encoder negotiator
	encoderValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_encoder_validation_total",
		Help: "Encoder validation runs by encoder and outcome",
	}, []string{"encoder", "result"}) // result=pass|signature|exit|error

	encoderValidationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ringdvr_encoder_validation_duration_seconds",
		Help:    "Wall time of encoder validation runs",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 4, 5, 8, 13},
	}, []string{"encoder"})

	// Capture child
	captureStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_capture_starts_total",
		Help: "Capture child processes started by encoder",
	}, []string{"encoder"})

	captureExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_capture_exits_total",
		Help: "Capture child exits by reason",
	}, []string{"reason"}) // reason=expected|crash|stall|start_error

	// Circular buffer
	bufferSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringdvr_buffer_segments",
		Help: "Segments currently referenced by the buffer index",
	})

	bufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringdvr_buffer_bytes",
		Help: "Bytes held by indexed buffer segments",
	})

	// Snapshot saver
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_saves_total",
		Help: "Snapshot save requests by outcome",
	}, []string{"result"}) // result=success|not_recording|buffer_invalid|failed

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ringdvr_save_duration_seconds",
		Help:    "Duration of successful snapshot saves (validation + remux)",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~64s
	})

	// Configuration
	configReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_config_reloads_total",
		Help: "Configuration reload attempts by outcome",
	}, []string{"result"})
)

// RecordTransition counts a state change and flips the current-state gauge.
func RecordTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		currentState.WithLabelValues(from).Set(0)
	}
	currentState.WithLabelValues(to).Set(1)
}

// RecordDeviceProbe records one device probe attempt.
func RecordDeviceProbe(kind string, ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	deviceProbes.WithLabelValues(kind, result).Inc()
}

// RecordEncoderValidation records an encoder validation outcome and its duration.
func RecordEncoderValidation(encoder, result string, seconds float64) {
	encoderValidations.WithLabelValues(encoder, result).Inc()
	encoderValidationDuration.WithLabelValues(encoder).Observe(seconds)
}

// IncCaptureStart counts a capture child launch.
func IncCaptureStart(encoder string) {
	captureStarts.WithLabelValues(encoder).Inc()
}

// IncCaptureExit counts a capture child exit.
func IncCaptureExit(reason string) {
	captureExits.WithLabelValues(reason).Inc()
}

// SetBufferStats publishes the latest buffer scan.
func SetBufferStats(segments int, bytes int64) {
	bufferSegments.Set(float64(segments))
	bufferBytes.Set(float64(bytes))
}

// RecordSave counts a save outcome; duration is observed for successes only.
func RecordSave(result string, seconds float64) {
	savesTotal.WithLabelValues(result).Inc()
	if result == "success" {
		saveDuration.Observe(seconds)
	}
}

// IncConfigReload counts a configuration reload attempt.
func IncConfigReload(result string) {
	configReloads.WithLabelValues(result).Inc()
}
