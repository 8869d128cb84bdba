// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/ManuGH/ringdvr/internal/log"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

// writeProblem writes an RFC 7807 problem details response.
//   - problemType: canonical machine identifier (e.g. "api/rate_limited")
//   - title: short human-readable label
//   - detail: explanation of this occurrence, omitted when empty
func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	reqID := log.RequestIDFromContext(r.Context())
	if reqID == "" {
		reqID = w.Header().Get(HeaderRequestID)
	}

	res := map[string]any{
		"type":       problemType,
		"title":      title,
		"status":     status,
		"instance":   r.URL.EscapedPath(),
		"request_id": reqID,
	}
	if detail != "" {
		res["detail"] = detail
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("type", problemType).
			Int(log.FieldStatus, status).
			Msg("failed to encode problem response")
	}
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// actionResult is the body of every control endpoint.
type actionResult struct {
	Status  string `json:"status"` // success | error
	Message string `json:"message"`
}

func writeSuccess(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, actionResult{Status: "success", Message: msg})
}

func writeFailure(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, actionResult{Status: "error", Message: msg})
}
