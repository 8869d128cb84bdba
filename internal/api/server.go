// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the capture controls over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ManuGH/ringdvr/internal/catalog"
	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/snapshot"
	"github.com/ManuGH/ringdvr/internal/supervisor"
)

// Controller is the capture supervisor as seen by the HTTP layer.
type Controller interface {
	Start()
	Stop()
	Restart(ctx context.Context) error
	ChangeResolution(ctx context.Context, res string) error
	Stats() supervisor.Stats
	Save(ctx context.Context) (snapshot.Result, error)
}

// RecordingLister lists saved recordings, newest first.
type RecordingLister interface {
	List(ctx context.Context, limit int) ([]catalog.Recording, error)
}

// Config for the HTTP surface.
type Config struct {
	Version            string
	AllowedResolutions []string // empty allows any parseable resolution
	RateLimit          int      // requests per minute per client IP, 0 disables
	SaveInterval       time.Duration
	SaveBurst          int
}

// Server holds the handler dependencies.
type Server struct {
	cfg        Config
	ctrl       Controller
	recordings RecordingLister // optional
	saveLimit  *rate.Limiter
}

// New creates a Server. recordings may be nil.
func New(cfg Config, ctrl Controller, recordings RecordingLister) *Server {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 5 * time.Second
	}
	if cfg.SaveBurst < 1 {
		cfg.SaveBurst = 2
	}
	return &Server{
		cfg:        cfg,
		ctrl:       ctrl,
		recordings: recordings,
		saveLimit:  rate.NewLimiter(rate.Every(cfg.SaveInterval), cfg.SaveBurst),
	}
}

// Handler builds the router with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// 1. Recoverer (outermost safety net)
	r.Use(recoverer)
	// 2. RequestID (correlation early)
	r.Use(requestID)
	// 3. Tracing
	r.Use(tracing("github.com/ManuGH/ringdvr/internal/api"))
	// 4. Logging (wraps handlers, captures full latency)
	r.Use(log.Middleware())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "api/not_found", "Not Found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "api/method_not_allowed", "Method Not Allowed", "")
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimit(s.cfg.RateLimit, time.Minute))

		r.Get("/status", s.handleStatus)
		r.Get("/recordings", s.handleRecordings)
		r.Post("/save", s.handleSave)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/restart", s.handleRestart)
		r.Post("/change_resolution", s.handleChangeResolution)
	})
	return r
}
