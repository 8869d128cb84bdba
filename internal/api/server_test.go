// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/ringdvr/internal/catalog"
	"github.com/ManuGH/ringdvr/internal/media"
	"github.com/ManuGH/ringdvr/internal/snapshot"
	"github.com/ManuGH/ringdvr/internal/supervisor"
)

type fakeController struct {
	mu         sync.Mutex
	calls      []string
	stats      supervisor.Stats
	saveResult snapshot.Result
	saveErr    error
	restartErr error
	panicOn    string

	saveEntered chan struct{} // closed when Save is entered, if set
	saveGate    chan struct{} // Save blocks until closed, if set
	saveCtxErr  error
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == call {
		panic("boom")
	}
	f.calls = append(f.calls, call)
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Start() { f.record("start") }
func (f *fakeController) Stop()  { f.record("stop") }

func (f *fakeController) Restart(context.Context) error {
	f.record("restart")
	return f.restartErr
}

func (f *fakeController) ChangeResolution(_ context.Context, res string) error {
	f.record("resolution:" + res)
	_, err := media.ParseResolution(res)
	return err
}

func (f *fakeController) Stats() supervisor.Stats {
	f.record("stats")
	return f.stats
}

func (f *fakeController) Save(ctx context.Context) (snapshot.Result, error) {
	f.record("save")
	if f.saveEntered != nil {
		close(f.saveEntered)
	}
	if f.saveGate != nil {
		<-f.saveGate
	}
	f.mu.Lock()
	f.saveCtxErr = ctx.Err()
	f.mu.Unlock()
	return f.saveResult, f.saveErr
}

type fakeLister struct {
	recs  []catalog.Recording
	err   error
	limit int
}

func (f *fakeLister) List(_ context.Context, limit int) ([]catalog.Recording, error) {
	f.limit = limit
	return f.recs, f.err
}

func newTestServer(t *testing.T, cfg Config, ctrl *fakeController, lister RecordingLister) *httptest.Server {
	t.Helper()
	if cfg.AllowedResolutions == nil {
		cfg.AllowedResolutions = []string{"640x480", "320x240", "160x120"}
	}
	srv := httptest.NewServer(New(cfg, ctrl, lister).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{stats: supervisor.Stats{
		Status:           "Recording with libx264",
		State:            supervisor.StateCapturing,
		Resolution:       "640x480",
		Encoder:          "libx264",
		BufferedSegments: 12,
		MaxSegments:      225,
		FreeRAMMB:        300,
		Running:          true,
	}}
	srv := newTestServer(t, Config{}, ctrl, nil)

	resp, body := do(t, srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
	assert.Equal(t, "Recording with libx264", body["status"])
	assert.Equal(t, "capturing", body["state"])
	assert.EqualValues(t, 12, body["buffered_segments"])
	assert.EqualValues(t, 225, body["max_segments"])
	assert.EqualValues(t, 300, body["free_ram_mb"])
}

func TestRequestIDPropagated(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeController{}, nil)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "abc-123")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(HeaderRequestID))
}

func TestSave(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		status  string
		message string
	}{
		{name: "success", code: http.StatusOK, status: "success", message: "Saved to recording_2025-01-01_10-00-00.000.mp4"},
		{name: "not recording", err: supervisor.ErrNotRecording, code: http.StatusConflict, status: "error", message: "Capture is not running."},
		{name: "buffer invalid", err: snapshot.ErrBufferInvalid, code: http.StatusServiceUnavailable, status: "error"},
		{name: "save failed", err: errors.Join(snapshot.ErrSaveFailed, errors.New("disk full")), code: http.StatusInternalServerError, status: "error", message: "Failed to save video."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{
				saveResult: snapshot.Result{Path: "/home/pi/Videos/Recordings/recording_2025-01-01_10-00-00.000.mp4"},
				saveErr:    tt.err,
			}
			srv := newTestServer(t, Config{}, ctrl, nil)

			resp, body := do(t, srv, http.MethodPost, "/api/save", "")
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.status, body["status"])
			if tt.message != "" {
				assert.Equal(t, tt.message, body["message"])
			}
		})
	}
}

func TestSaveAdmission(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, Config{SaveInterval: time.Hour, SaveBurst: 2}, ctrl, nil)

	for range 2 {
		resp, _ := do(t, srv, http.MethodPost, "/api/save", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := do(t, srv, http.MethodPost, "/api/save", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "error", body["status"])

	saves := 0
	for _, c := range ctrl.Calls() {
		if c == "save" {
			saves++
		}
	}
	assert.Equal(t, 2, saves, "rejected request never reaches the saver")
}

func TestSaveOutlivesClientDisconnect(t *testing.T) {
	ctrl := &fakeController{
		saveResult:  snapshot.Result{Path: "/rec/recording_20250102_030405.mp4"},
		saveEntered: make(chan struct{}),
		saveGate:    make(chan struct{}),
	}
	h := New(Config{}, ctrl, nil).Handler()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/save", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(rec, req)
	}()

	<-ctrl.saveEntered
	cancel()
	close(ctrl.saveGate)
	<-done

	ctrl.mu.Lock()
	assert.NoError(t, ctrl.saveCtxErr)
	ctrl.mu.Unlock()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recording_20250102_030405.mp4")
}

func TestControlActions(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, Config{}, ctrl, nil)

	for _, path := range []string{"/api/start", "/api/stop", "/api/restart"} {
		resp, body := do(t, srv, http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "success", body["status"], path)
	}
	assert.Equal(t, []string{"start", "stop", "restart"}, ctrl.Calls())

	resp, body := do(t, srv, http.MethodGet, "/api/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.EqualValues(t, http.StatusMethodNotAllowed, body["status"])
}

func TestRestartInterrupted(t *testing.T) {
	ctrl := &fakeController{restartErr: context.Canceled}
	srv := newTestServer(t, Config{}, ctrl, nil)
	resp, body := do(t, srv, http.MethodPost, "/api/restart", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "error", body["status"])
}

func TestChangeResolution(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		call bool
	}{
		{name: "allowed", body: `{"resolution":"320x240"}`, code: http.StatusOK, call: true},
		{name: "not whitelisted", body: `{"resolution":"1920x1080"}`, code: http.StatusBadRequest},
		{name: "garbage", body: `{"resolution":"big"}`, code: http.StatusBadRequest},
		{name: "not json", body: `resolution=320x240`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			srv := newTestServer(t, Config{}, ctrl, nil)
			resp, _ := do(t, srv, http.MethodPost, "/api/change_resolution", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			if tt.call {
				assert.Equal(t, []string{"resolution:320x240"}, ctrl.Calls())
			} else {
				assert.Empty(t, ctrl.Calls())
			}
		})
	}
}

func TestChangeResolutionOpenWhitelist(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, Config{AllowedResolutions: []string{}}, ctrl, nil)
	resp, body := do(t, srv, http.MethodPost, "/api/change_resolution", `{"resolution":"1280x720"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Changing resolution to 1280x720 and restarting capture...", body["message"])
}

func TestRecordings(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{recs: []catalog.Recording{{ID: "r1", Path: "/rec/a.mp4", SizeBytes: 10, CreatedAt: created}}}
	srv := newTestServer(t, Config{}, &fakeController{}, lister)

	resp, err := srv.Client().Get(srv.URL + "/api/recordings?limit=9999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var recs []catalog.Recording
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].ID)
	assert.Equal(t, maxRecordingsLimit, lister.limit)

	bad, body := do(t, srv, http.MethodGet, "/api/recordings?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Equal(t, "application/problem+json", bad.Header.Get("Content-Type"))
	assert.Equal(t, "api/bad_request", body["type"])
}

func TestRecordingsCatalogError(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeController{}, &fakeLister{err: errors.New("locked")})
	resp, body := do(t, srv, http.MethodGet, "/api/recordings", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "api/catalog_unavailable", body["type"])
}

func TestRecordingsWithoutCatalog(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeController{}, nil)
	resp, err := srv.Client().Get(srv.URL + "/api/recordings")
	require.NoError(t, err)
	defer resp.Body.Close()
	var recs []catalog.Recording
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: 3}, &fakeController{}, nil)
	for range 3 {
		resp, _ := do(t, srv, http.MethodGet, "/api/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := do(t, srv, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "api/rate_limited", body["type"])

	// health and metrics sit outside the limited group
	resp, _ = do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPanicRecovered(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeController{panicOn: "stats"}, nil)
	resp, body := do(t, srv, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "api/internal", body["type"])
	assert.NotEmpty(t, body["request_id"])
}

func TestNotFoundProblem(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeController{}, nil)
	resp, body := do(t, srv, http.MethodGet, "/api/shutdown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "/api/shutdown", body["instance"])
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeController{}, nil)
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
