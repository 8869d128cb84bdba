// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/metrics"
)

// Terminate asks a process group to stop with sig and escalates to SIGKILL
// when done is not closed within grace. done must be closed by whoever owns
// cmd.Wait. Safe to call on nil or never-started commands.
func Terminate(cmd *exec.Cmd, done <-chan struct{}, sig syscall.Signal, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	signal(cmd, sig)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		metrics.IncProcWait("graceful")
		return nil
	case <-timer.C:
	}

	log.L().Warn().
		Int(log.FieldPID, pid).
		Dur("grace", grace).
		Msg("grace period exceeded, sending SIGKILL to process group")
	signal(cmd, syscall.SIGKILL)

	select {
	case <-done:
		metrics.IncProcWait("forced")
		return nil
	case <-time.After(KillTimeout):
		metrics.IncProcWait("timeout")
		return ErrKillFailed
	}
}

func signal(cmd *exec.Cmd, sig syscall.Signal) {
	err := Kill(cmd, sig)
	switch {
	case err == nil:
		metrics.IncProcTerminate(sig.String(), "sent")
	case errors.Is(err, syscall.ESRCH), errors.Is(err, os.ErrProcessDone):
		metrics.IncProcTerminate(sig.String(), "esrch")
	default:
		metrics.IncProcTerminate(sig.String(), "error")
		log.L().Debug().Err(err).Int(log.FieldPID, cmd.Process.Pid).Str("signal", sig.String()).Msg("signal delivery failed")
	}
}
