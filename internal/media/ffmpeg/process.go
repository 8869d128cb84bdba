// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ManuGH/ringdvr/internal/procgroup"
)

// DefaultTailLines is the number of stderr lines retained per process.
const DefaultTailLines = 256

// Process is a started external tool running in its own process group.
// Stderr is consumed continuously into a LineRing.
type Process struct {
	cmd  *exec.Cmd
	ring *LineRing

	done chan struct{}
	err  error // written once before done is closed
}

// Start launches bin with args in a new process group. onLine, when non-nil,
// is invoked from the stderr reader goroutine for every line.
// The process is not bound to a context; callers own shutdown via Stop.
func Start(bin string, args []string, onLine func(string)) (*Process, error) {
	// #nosec G204 - bin comes from configuration; args are built by this package
	cmd := exec.Command(bin, args...)
	procgroup.Set(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	p := &Process{
		cmd:  cmd,
		ring: NewLineRing(DefaultTailLines),
		done: make(chan struct{}),
	}

	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		p.scan(stderr, onLine)
	}()

	go func() {
		// cmd.Wait closes the pipe, so drain it first
		ioWg.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) scan(r io.Reader, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		p.ring.Add(line)
		if onLine != nil {
			onLine(line)
		}
	}
	// keep draining so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

// Done is closed once the process has exited and stderr is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the wait error. Only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// ExitCode returns the exit status, -1 when killed by a signal or still running.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// PID of the group leader.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Tail returns up to n of the most recent stderr lines.
func (p *Process) Tail(n int) []string { return p.ring.LastN(n) }

// Kill sends SIGKILL to the whole process group without waiting.
func (p *Process) Kill() error { return procgroup.Kill(p.cmd, syscall.SIGKILL) }

// Stop interrupts the process group and escalates to SIGKILL after grace.
// It returns once the process has been reaped.
func (p *Process) Stop(grace time.Duration) error {
	if err := procgroup.Terminate(p.cmd, p.done, syscall.SIGINT, grace); err != nil {
		return err
	}
	<-p.done
	return nil
}

// Wait blocks until the process exits and returns the wait error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Run executes a short-lived tool to completion, bounded by ctx. On
// cancellation the whole process group is killed. The stderr tail is returned
// in every case for diagnostics.
func Run(ctx context.Context, bin string, args []string) ([]string, error) {
	// #nosec G204 - bin comes from configuration; args are built by callers in this module
	cmd := exec.CommandContext(ctx, bin, args...)
	procgroup.Set(cmd)
	cmd.Cancel = func() error { return procgroup.Kill(cmd, syscall.SIGKILL) }
	cmd.WaitDelay = 2 * time.Second

	ring := NewLineRing(32)
	cmd.Stderr = ring
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return ring.LastN(32), err
}
