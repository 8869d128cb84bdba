// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/ringdvr/internal/buffer"
	"github.com/ManuGH/ringdvr/internal/device"
	"github.com/ManuGH/ringdvr/internal/encoder"
	"github.com/ManuGH/ringdvr/internal/media"
	"github.com/ManuGH/ringdvr/internal/snapshot"
)

// fakeLocator returns video/audio from the supplied functions; call counts
// start at 1.
type fakeLocator struct {
	videoCalls atomic.Int32
	audioCalls atomic.Int32
	video      func(call int, res media.Resolution) (device.Device, error)
	audio      func(call int) (device.Device, error)
}

func (f *fakeLocator) FindVideo(ctx context.Context, res media.Resolution) (device.Device, error) {
	n := int(f.videoCalls.Add(1))
	if f.video == nil {
		return device.Device{ID: "/dev/video0", Kind: device.KindVideo}, nil
	}
	return f.video(n, res)
}

func (f *fakeLocator) FindAudio(ctx context.Context) (device.Device, error) {
	n := int(f.audioCalls.Add(1))
	if f.audio == nil {
		return device.Device{ID: "plughw:1,0", Kind: device.KindAudio}, nil
	}
	return f.audio(n)
}

// fakeNegotiator passes the first candidate not listed in failing. After
// failRounds calls it starts behaving; before that every call fails.
type fakeNegotiator struct {
	candidates []encoder.Candidate
	failing    map[string]bool
	failRounds int32
	calls      atomic.Int32

	mu       sync.Mutex
	attempts []string
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, req encoder.Request, onAttempt func(encoder.Candidate)) (encoder.Candidate, error) {
	round := f.calls.Add(1)
	for _, c := range f.candidates {
		onAttempt(c)
		f.mu.Lock()
		f.attempts = append(f.attempts, c.Name)
		f.mu.Unlock()
		if round > f.failRounds && !f.failing[c.Name] {
			return c, nil
		}
	}
	return encoder.Candidate{}, encoder.ErrAllFailed
}

type fakeChild struct {
	pid   int
	done  chan struct{}
	once  sync.Once
	stops atomic.Int32
	onEnd func()
}

func (c *fakeChild) Done() <-chan struct{} { return c.done }
func (c *fakeChild) Err() error {
	select {
	case <-c.done:
		return errors.New("exit status 1")
	default:
		return nil
	}
}
func (c *fakeChild) ExitCode() int { return 1 }
func (c *fakeChild) Tail(int) []string {
	return []string{"[alsa @ 0x1] ALSA buffer xrun."}
}
func (c *fakeChild) PID() int { return c.pid }

func (c *fakeChild) Stop(time.Duration) error {
	c.stops.Add(1)
	c.exit()
	return nil
}

// crash simulates an unexpected exit.
func (c *fakeChild) crash() { c.exit() }

func (c *fakeChild) exit() {
	c.once.Do(func() {
		if c.onEnd != nil {
			c.onEnd()
		}
		close(c.done)
	})
}

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []LaunchSpec
	children []*fakeChild
	err      error

	live    atomic.Int32
	maxLive atomic.Int32

	// onLaunch runs for every successful launch, before Launch returns
	onLaunch func(c *fakeChild, spec LaunchSpec)
}

func (f *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeChild{pid: 1000 + len(f.children), done: make(chan struct{})}
	c.onEnd = func() { f.live.Add(-1) }
	n := f.live.Add(1)
	for {
		m := f.maxLive.Load()
		if n <= m || f.maxLive.CompareAndSwap(m, n) {
			break
		}
	}
	f.specs = append(f.specs, spec)
	f.children = append(f.children, c)
	if f.onLaunch != nil {
		f.onLaunch(c, spec)
	}
	return c, nil
}

func (f *fakeLauncher) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeLauncher) child(i int) *fakeChild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[i]
}

func (f *fakeLauncher) spec(i int) LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[i]
}

// fakeSaver hands out sequential paths. When gate is non-nil every save
// blocks until a value is received.
type fakeSaver struct {
	n    atomic.Int32
	gate chan struct{}
	err  error
}

func (f *fakeSaver) Save(ctx context.Context, req snapshot.Request) (snapshot.Result, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return snapshot.Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return snapshot.Result{}, f.err
	}
	n := f.n.Add(1)
	return snapshot.Result{Path: fmt.Sprintf("/rec/recording_%d.mp4", n)}, nil
}

type fakeMemory struct{}

func (fakeMemory) FreeMB() (int64, error) { return 512, nil }

type harness struct {
	sup      *Supervisor
	locator  *fakeLocator
	neg      *fakeNegotiator
	launcher *fakeLauncher
	saver    *fakeSaver
	layout   buffer.Layout
}

func fastTiming() Timing {
	return Timing{
		DeviceRetryDelay:  5 * time.Millisecond,
		EncoderRetryDelay: 5 * time.Millisecond,
		CrashRetryDelay:   5 * time.Millisecond,
		SettleDelay:       5 * time.Millisecond,
		StopGrace:         time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	layout := buffer.DefaultLayout()
	layout.Dir = filepath.Join(t.TempDir(), "hls_buffer")
	layout.SegmentDuration = time.Second
	layout.Window = 5 * time.Second

	h := &harness{
		locator: &fakeLocator{},
		neg: &fakeNegotiator{candidates: []encoder.Candidate{
			{Name: "h264_v4l2m2m"},
			{Name: "libx264", Preset: "ultrafast"},
		}},
		launcher: &fakeLauncher{},
		saver:    &fakeSaver{},
		layout:   layout,
	}
	return h
}

func (h *harness) build() *Supervisor {
	h.sup = New(Options{
		Locator:    h.locator,
		Negotiator: h.neg,
		Launcher:   h.launcher,
		Saver:      h.saver,
		Memory:     fakeMemory{},
		Layout:     h.layout,
		Resolution: media.MustParseResolution("640x480"),
		Timing:     fastTiming(),
	})
	return h.sup
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))
}

func waitStats(t *testing.T, s *Supervisor, msg string, cond func(Stats) bool) Stats {
	t.Helper()
	var last Stats
	ok := assert.Eventually(t, func() bool {
		last = s.Stats()
		return cond(last)
	}, 5*time.Second, 2*time.Millisecond, msg)
	if !ok {
		t.Fatalf("last stats: %+v", last)
	}
	return last
}

func capturing(st Stats) bool { return st.State == StateCapturing }
