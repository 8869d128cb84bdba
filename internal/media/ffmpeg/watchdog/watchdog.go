// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package watchdog detects a capture child that is alive but no longer
// producing output. Progress is reported as heartbeats (one per finished
// HLS segment); silence beyond the configured timeouts ends Run.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/ringdvr/internal/log"
)

type State int

type clock interface {
	Now() time.Time
	NewTicker(d time.Duration) ticker
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time                   { return time.Now() }
func (realClock) NewTicker(d time.Duration) ticker { return &realTicker{time.NewTicker(d)} }

type realTicker struct {
	*time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.Ticker.C }

const (
	StateStarting State = iota
	StateRunning
	StateStalled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

var (
	// ErrStartTimeout: no first segment within the start timeout.
	ErrStartTimeout = fmt.Errorf("no output since start: %w", context.DeadlineExceeded)
	// ErrStalled: output stopped after having started.
	ErrStalled = fmt.Errorf("output stalled: %w", context.DeadlineExceeded)
)

// Watchdog enforces start and stall timeouts on heartbeat progress.
type Watchdog struct {
	mu sync.Mutex

	startTimeout time.Duration
	stallTimeout time.Duration
	interval     time.Duration

	lastHeartbeat time.Time
	beats         int64
	state         State

	clock clock
}

// New creates a watchdog. The check interval is derived from the smaller
// timeout, clamped to [100ms, 1s].
func New(startTimeout, stallTimeout time.Duration) *Watchdog {
	interval := min(startTimeout, stallTimeout) / 4
	interval = max(100*time.Millisecond, min(interval, time.Second))
	return &Watchdog{
		startTimeout:  startTimeout,
		stallTimeout:  stallTimeout,
		interval:      interval,
		lastHeartbeat: time.Now(),
		clock:         realClock{},
	}
}

// Run blocks until ctx is done (returns nil) or a timeout fires.
func (w *Watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	w.lastHeartbeat = w.clock.Now()
	w.state = StateStarting
	w.beats = 0
	w.mu.Unlock()

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := w.check(); err != nil {
				return err
			}
		}
	}
}

// Beat records progress.
func (w *Watchdog) Beat() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastHeartbeat = w.clock.Now()
	w.beats++
	if w.state == StateStarting {
		w.state = StateRunning
		log.L().Debug().Msg("watchdog: first heartbeat")
	}
}

func (w *Watchdog) check() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := w.clock.Now().Sub(w.lastHeartbeat)

	switch w.state {
	case StateStarting:
		if elapsed > w.startTimeout {
			w.state = StateTimedOut
			return ErrStartTimeout
		}
	case StateRunning:
		if elapsed > w.stallTimeout {
			w.state = StateStalled
			return ErrStalled
		}
	}
	return nil
}

// State returns current watchdog state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Beats returns the number of heartbeats since Run started.
func (w *Watchdog) Beats() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.beats
}
