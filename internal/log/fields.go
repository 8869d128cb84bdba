// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldSaveID        = "save_id"
	FieldGeneration    = "generation"

	// Process / supervisor fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldExitCode  = "exit_code"
	FieldStderr    = "stderr"

	// Media / capture fields
	FieldResolution = "resolution"
	FieldEncoder    = "encoder"
	FieldPreset     = "preset"
	FieldDevice     = "device"
	FieldKind       = "kind"
	FieldSignature  = "signature"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldStatus   = "status"

	// Path fields
	FieldPath         = "path"
	FieldPlaylistPath = "playlist_path"
	FieldOutputPath   = "output_path"
)
