// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ManuGH/ringdvr/internal/catalog"
	"github.com/ManuGH/ringdvr/internal/log"
	"github.com/ManuGH/ringdvr/internal/media"
	"github.com/ManuGH/ringdvr/internal/snapshot"
	"github.com/ManuGH/ringdvr/internal/supervisor"
)

const (
	defaultRecordingsLimit = 50
	maxRecordingsLimit     = 500
	maxBodyBytes           = 4 << 10
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if !s.saveLimit.Allow() {
		writeFailure(w, http.StatusTooManyRequests, "A save was just requested. Please wait a moment.")
		return
	}

	// a client that goes away must not kill the remux; the saver bounds it
	res, err := s.ctrl.Save(context.WithoutCancel(r.Context()))
	if err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		switch {
		case errors.Is(err, supervisor.ErrNotRecording):
			writeFailure(w, http.StatusConflict, "Capture is not running.")
		case errors.Is(err, snapshot.ErrBufferInvalid):
			logger.Warn().Err(err).Msg("save rejected")
			writeFailure(w, http.StatusServiceUnavailable, "Buffer is not ready to be saved yet.")
		default:
			logger.Error().Err(err).Msg("save failed")
			writeFailure(w, http.StatusInternalServerError, "Failed to save video.")
		}
		return
	}
	writeSuccess(w, "Saved to "+filepath.Base(res.Path))
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Start()
	writeSuccess(w, "Capture starting...")
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop()
	writeSuccess(w, "Capture stopping...")
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Restart(r.Context()); err != nil {
		writeFailure(w, http.StatusServiceUnavailable, "Restart interrupted.")
		return
	}
	writeSuccess(w, "Capture restarting...")
}

type changeResolutionRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleChangeResolution(w http.ResponseWriter, r *http.Request) {
	var req changeResolutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "api/bad_request", "Bad Request", "body must be JSON: {\"resolution\": \"WxH\"}")
		return
	}
	res := strings.TrimSpace(req.Resolution)
	if !s.resolutionAllowed(res) {
		writeFailure(w, http.StatusBadRequest, "Invalid resolution.")
		return
	}
	if err := s.ctrl.ChangeResolution(r.Context(), res); err != nil {
		if errors.Is(err, media.ErrInvalidResolution) {
			writeFailure(w, http.StatusBadRequest, "Invalid resolution.")
			return
		}
		writeFailure(w, http.StatusServiceUnavailable, "Restart interrupted.")
		return
	}
	writeSuccess(w, "Changing resolution to "+res+" and restarting capture...")
}

func (s *Server) resolutionAllowed(res string) bool {
	if _, err := media.ParseResolution(res); err != nil {
		return false
	}
	return len(s.cfg.AllowedResolutions) == 0 || slices.Contains(s.cfg.AllowedResolutions, res)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if s.recordings == nil {
		writeJSON(w, http.StatusOK, []catalog.Recording{})
		return
	}
	limit := defaultRecordingsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeProblem(w, r, http.StatusBadRequest, "api/bad_request", "Bad Request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecordingsLimit)
	}
	recs, err := s.recordings.List(r.Context(), limit)
	if err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Msg("list recordings failed")
		writeProblem(w, r, http.StatusInternalServerError, "api/catalog_unavailable", "Internal Server Error", "")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
