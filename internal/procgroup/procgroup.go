// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup starts external tools in their own process group so the
// whole tree (ffmpeg plus any helpers it forks) can be signalled at once.
package procgroup

import (
	"errors"
	"time"
)

var (
	// ErrKillFailed is returned when a group survives SIGKILL for KillTimeout.
	ErrKillFailed = errors.New("kill operation failed")
)

// KillTimeout bounds how long Terminate waits after SIGKILL.
var KillTimeout = 5 * time.Second
