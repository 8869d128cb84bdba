// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/ringdvr/internal/config"
	"github.com/ManuGH/ringdvr/internal/encoder"
	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/supervisor"
)

// Runner is the capture supervisor as driven by the App.
type Runner interface {
	Start()
	SetTiming(supervisor.Timing)
}

// Policy accepts encoder policy updates.
type Policy interface {
	SetPolicy(candidates []encoder.Candidate, signatures []string)
}

// AppOptions wires an App. Holder, Supervisor and Policy are optional.
type AppOptions struct {
	Manager    *Manager
	Holder     *config.Holder
	Supervisor Runner
	Policy     Policy
	Autostart  bool
}

// App owns the long-lived runtime lifecycle (watchers, reload wiring,
// autostart) and delegates server management to Manager.
type App struct {
	opts   AppOptions
	logger zerolog.Logger
}

// NewApp creates a new App orchestrator.
func NewApp(opts AppOptions) (*App, error) {
	if opts.Manager == nil {
		return nil, ErrMissingManager
	}
	return &App{opts: opts, logger: log.WithComponent("app")}, nil
}

// Manager exposes the server manager.
func (a *App) Manager() *Manager { return a.opts.Manager }

// Run starts all owned subsystems and blocks until ctx is cancelled or a
// fatal error occurs. Shutdown hooks have run when it returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if h := a.opts.Holder; h != nil {
		h.OnReload(a.applyTunables)
		g.Go(func() error {
			// best-effort: a broken watcher must not take capture down
			if err := h.Watch(gctx); err != nil {
				a.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_start_failed").Msg("config watcher stopped")
			}
			return nil
		})
	}

	if a.opts.Autostart && a.opts.Supervisor != nil {
		a.logger.Info().Msg("starting capture on boot")
		a.opts.Supervisor.Start()
	}

	g.Go(func() error {
		return a.opts.Manager.Start(gctx)
	})
	return g.Wait()
}

// applyTunables pushes the reloadable part of cfg into running components.
func (a *App) applyTunables(cfg config.AppConfig) {
	if a.opts.Policy != nil {
		a.opts.Policy.SetPolicy(cfg.Encoder.Candidates, cfg.Encoder.Signatures)
	}
	if a.opts.Supervisor != nil {
		a.opts.Supervisor.SetTiming(TimingFrom(cfg))
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	a.logger.Info().Str(log.FieldEvent, "config.applied").Msg("runtime tunables applied")
}
