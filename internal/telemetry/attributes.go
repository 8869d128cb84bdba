// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	// Capture attributes
	CaptureEncoderKey    = "capture.encoder"
	CapturePresetKey     = "capture.preset"
	CaptureResolutionKey = "capture.resolution"
	CaptureVideoKey      = "capture.video_device"
	CaptureAudioKey      = "capture.audio_device"

	// Save attributes
	SaveIDKey       = "save.id"
	SaveSegmentsKey = "save.segments"
	SaveBytesKey    = "save.size_bytes"
	SaveResultKey   = "save.result"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// CaptureAttributes describes an encoder run against a device pair. Empty
// values are omitted.
func CaptureAttributes(encoder, preset, resolution, video, audio string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	for _, kv := range []struct{ k, v string }{
		{CaptureEncoderKey, encoder},
		{CapturePresetKey, preset},
		{CaptureResolutionKey, resolution},
		{CaptureVideoKey, video},
		{CaptureAudioKey, audio},
	} {
		if kv.v != "" {
			attrs = append(attrs, attribute.String(kv.k, kv.v))
		}
	}
	return attrs
}

// SaveAttributes describes a snapshot save.
func SaveAttributes(id string, segments int, sizeBytes int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SaveIDKey, id),
		attribute.Int(SaveSegmentsKey, segments),
		attribute.Int64(SaveBytesKey, sizeBytes),
	}
}
