// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/ringdvr/internal/device"
	"github.com/ManuGH/ringdvr/internal/media"
)

func TestNewIsStopped(t *testing.T) {
	h := newHarness(t)
	s := h.build()

	st := s.Stats()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "Stopped", st.Status)
	assert.Equal(t, "N/A", st.Encoder)
	assert.Equal(t, "640x480", st.Resolution)
	assert.Equal(t, 5, st.MaxSegments)
	assert.EqualValues(t, 512, st.FreeRAMMB)
	assert.Zero(t, st.UptimeSeconds)

	_, err := s.Save(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
	require.NoError(t, s.Shutdown(context.Background()), "shutdown without start")
}

func TestStartIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	s := h.build()
	defer h.shutdown(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Start()
		}()
	}
	wg.Wait()

	waitStats(t, s, "capturing", capturing)
	for range 5 {
		s.Start()
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.launcher.launches())
	assert.EqualValues(t, 1, h.launcher.maxLive.Load())
	assert.EqualValues(t, 1, h.locator.videoCalls.Load())
}

func TestDevicesNotFoundRetriesIndefinitely(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.locator.video = func(int, media.Resolution) (device.Device, error) {
		return device.Device{}, device.ErrNotFound
	}
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "retrying", func(st Stats) bool {
		return st.Status == "Devices not found. Retrying..." && h.locator.videoCalls.Load() >= 10
	})

	st := s.Stats()
	assert.Equal(t, StateDetectingDevices, st.State)
	assert.Equal(t, "Devices not found. Retrying...", st.Status, "retries keep the not-found message")
	assert.True(t, st.Running)
	assert.Zero(t, h.launcher.launches())
}

func TestMissingAudioIsRetriedToo(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.locator.audio = func(call int) (device.Device, error) {
		if call < 3 {
			return device.Device{}, device.ErrNotFound
		}
		return device.Device{ID: "plughw:2,0", Kind: device.KindAudio}, nil
	}
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	st := waitStats(t, s, "capturing", capturing)
	assert.Equal(t, "plughw:2,0", st.AudioDevice)
	assert.EqualValues(t, 3, h.locator.videoCalls.Load(), "video is re-probed every round")
}

func TestEncoderFailureRetriesFromDetection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.neg.failRounds = 2
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	st := waitStats(t, s, "capturing", capturing)
	assert.Equal(t, "Recording with h264_v4l2m2m", st.Status)
	assert.EqualValues(t, 3, h.neg.calls.Load())
	assert.EqualValues(t, 3, h.locator.videoCalls.Load(), "devices re-detected after each failed negotiation")
}

func TestFirstPassingCandidateIsAdopted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.neg.failing = map[string]bool{"h264_v4l2m2m": true}
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	st := waitStats(t, s, "capturing", capturing)
	assert.Equal(t, "libx264", st.Encoder)
	assert.Equal(t, "Recording with libx264", st.Status)
	assert.Equal(t, "libx264", h.launcher.spec(0).Encoder.Name)
	assert.Equal(t, "ultrafast", h.launcher.spec(0).Encoder.Preset)

	h.neg.mu.Lock()
	defer h.neg.mu.Unlock()
	assert.Equal(t, []string{"h264_v4l2m2m", "libx264"}, h.neg.attempts)
}

func TestCrashRestartsFromDetection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "capturing", capturing)
	h.launcher.child(0).crash()

	waitStats(t, s, "relaunched", func(st Stats) bool {
		return st.State == StateCapturing && h.launcher.launches() == 2
	})
	assert.EqualValues(t, 2, h.locator.videoCalls.Load())
	assert.Zero(t, h.launcher.child(0).stops.Load(), "a crashed child is not stopped again")
	assert.EqualValues(t, 1, h.launcher.maxLive.Load())
}

func TestCrashShowsRetryingStatus(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	s := h.build()
	s.SetTiming(Timing{CrashRetryDelay: time.Hour, StopGrace: time.Second})
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "capturing", capturing)
	h.launcher.child(0).crash()

	st := waitStats(t, s, "crashed", func(st Stats) bool { return st.State == StateCrashedRetrying })
	assert.Equal(t, "ffmpeg crashed. Restarting...", st.Status)
	assert.Zero(t, st.UptimeSeconds)
}

func TestLaunchErrorIsRetried(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.launcher.err = errors.New("exec: ffmpeg not found")
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "several rounds", func(Stats) bool { return h.locator.videoCalls.Load() >= 3 })
	assert.Zero(t, h.launcher.launches())
}

func TestStopTerminatesChild(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	s := h.build()

	s.Start()
	waitStats(t, s, "capturing", capturing)

	s.Stop()
	assert.Contains(t, []State{StateStopping, StateStopped}, s.Stats().State)
	h.shutdown(t)

	st := s.Stats()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "Stopped", st.Status)
	assert.False(t, st.Running)
	assert.EqualValues(t, 1, h.launcher.child(0).stops.Load())
	assert.EqualValues(t, 0, h.launcher.live.Load())

	s.Stop() // no-op
	assert.Equal(t, StateStopped, s.Stats().State)
}

func TestStopDuringDetectionDelay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.locator.video = func(int, media.Resolution) (device.Device, error) {
		return device.Device{}, device.ErrNotFound
	}
	s := h.build()
	s.SetTiming(Timing{DeviceRetryDelay: time.Hour})

	s.Start()
	waitStats(t, s, "retrying", func(st Stats) bool { return st.Status == "Devices not found. Retrying..." })

	start := time.Now()
	h.shutdown(t)
	assert.Less(t, time.Since(start), time.Second, "delays are interruptible")
	assert.Equal(t, StateStopped, s.Stats().State)
}

func TestStopThenStartRedetectsDevices(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.locator.video = func(call int, _ media.Resolution) (device.Device, error) {
		return device.Device{ID: fmt.Sprintf("/dev/video%d", call-1), Kind: device.KindVideo}, nil
	}
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	st := waitStats(t, s, "capturing", capturing)
	assert.Equal(t, "/dev/video0", st.VideoDevice)

	s.Stop()
	s.Start()

	st = waitStats(t, s, "capturing again", func(st Stats) bool {
		return st.State == StateCapturing && h.launcher.launches() == 2
	})
	assert.Equal(t, "/dev/video1", st.VideoDevice)
	assert.Equal(t, "/dev/video1", h.launcher.spec(1).Video.ID)
	assert.EqualValues(t, 1, h.launcher.child(0).stops.Load())
	assert.EqualValues(t, 1, h.launcher.maxLive.Load(), "old child is gone before the new one starts")
}

func TestChangeResolutionRestartsOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "capturing", capturing)
	require.Equal(t, "640x480", h.launcher.spec(0).Resolution.String())

	require.NoError(t, s.ChangeResolution(context.Background(), "320x240"))

	st := waitStats(t, s, "recapturing", func(st Stats) bool {
		return st.State == StateCapturing && h.launcher.launches() == 2
	})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, "320x240", st.Resolution)
	assert.Equal(t, 2, h.launcher.launches(), "exactly one stop and restart")
	assert.EqualValues(t, 1, h.launcher.child(0).stops.Load())
	assert.Equal(t, "320x240", h.launcher.spec(1).Resolution.String())
	assert.Equal(t, "320x240", s.Stats().Resolution)
}

func TestChangeResolutionRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	s := h.build()

	err := s.ChangeResolution(context.Background(), "big")
	assert.ErrorIs(t, err, media.ErrInvalidResolution)
	assert.Equal(t, "640x480", s.Stats().Resolution)
	assert.Equal(t, StateStopped, s.Stats().State)
}

func TestSaveNotRecordingLeavesStatus(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.locator.video = func(int, media.Resolution) (device.Device, error) {
		return device.Device{}, device.ErrNotFound
	}
	s := h.build()
	s.SetTiming(Timing{DeviceRetryDelay: time.Hour})
	defer h.shutdown(t)

	s.Start()
	before := waitStats(t, s, "retrying", func(st Stats) bool { return st.Status == "Devices not found. Retrying..." })

	_, err := s.Save(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
	after := s.Stats()
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.State, after.State)
	assert.Zero(t, h.saver.n.Load())
}

func TestSaveTwiceRestoresStatus(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.saver.gate = make(chan struct{})
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	st := waitStats(t, s, "capturing", capturing)
	require.Equal(t, "Recording with h264_v4l2m2m", st.Status)

	paths := make(chan string, 2)
	for range 2 {
		errCh := make(chan error, 1)
		go func() {
			res, err := s.Save(context.Background())
			paths <- res.Path
			errCh <- err
		}()

		st = waitStats(t, s, "saving", func(st Stats) bool { return st.Status == "Saving video..." })
		assert.Equal(t, StateCapturing, st.State, "capture continues during a save")

		h.saver.gate <- struct{}{}
		require.NoError(t, <-errCh)
		assert.Equal(t, "Recording with h264_v4l2m2m", s.Stats().Status)
	}

	first, second := <-paths, <-paths
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, h.launcher.launches(), "saving never restarts capture")
}

func TestSaveErrorRestoresStatus(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.saver.err = errors.New("buffer invalid")
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "capturing", capturing)

	_, err := s.Save(context.Background())
	assert.Error(t, err)
	st := s.Stats()
	assert.Equal(t, StateCapturing, st.State)
	assert.Equal(t, "Recording with h264_v4l2m2m", st.Status)
}

// simulateMuxer mimics the HLS muxer: one segment per tick, index capped at
// the layout's MaxSegments, evicted files unlinked one tick late.
func simulateMuxer(t *testing.T, h *harness) {
	h.launcher.onLaunch = func(c *fakeChild, spec LaunchSpec) {
		go func() {
			tick := time.NewTicker(2 * time.Millisecond)
			defer tick.Stop()
			var seq int
			pending := -1
			for {
				select {
				case <-c.done:
					return
				case <-tick.C:
				}
				name := fmt.Sprintf("segment%06d.ts", seq)
				_ = os.WriteFile(filepath.Join(h.layout.Dir, name), make([]byte, 2048), 0o600)
				first := max(0, seq-spec.Output.ListSize+1)
				pl := "#EXTM3U\n#EXT-X-TARGETDURATION:1\n"
				for i := first; i <= seq; i++ {
					pl += fmt.Sprintf("#EXTINF:1.0,\nsegment%06d.ts\n", i)
				}
				tmp := spec.Output.Playlist + ".tmp"
				_ = os.WriteFile(tmp, []byte(pl), 0o600)
				_ = os.Rename(tmp, spec.Output.Playlist)
				if pending >= 0 {
					_ = os.Remove(filepath.Join(h.layout.Dir, fmt.Sprintf("segment%06d.ts", pending)))
				}
				pending = first - 1
				seq++
			}
		}()
	}
}

func TestBufferedSegmentsNeverExceedMax(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	simulateMuxer(t, h)
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "window full", func(st Stats) bool { return st.BufferedSegments == st.MaxSegments })

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		st := s.Stats()
		require.LessOrEqual(t, st.BufferedSegments, st.MaxSegments)
		assert.Greater(t, st.BufferSizeMB, 0.0)
	}
	assert.Greater(t, s.Stats().UptimeSeconds, 0.0)
}

func TestConcurrentStatsAgree(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	simulateMuxer(t, h)
	s := h.build()
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "window full", func(st Stats) bool { return st.BufferedSegments == st.MaxSegments })

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				st := s.Stats()
				assert.LessOrEqual(t, st.BufferedSegments, st.MaxSegments)
			}
		}()
	}
	wg.Wait()
}

func TestStalledCaptureIsRestarted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	s := h.build()
	timing := fastTiming()
	timing.StallTimeout = 300 * time.Millisecond
	s.SetTiming(timing)
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "capturing", capturing)

	// the fake child never writes a segment
	waitStats(t, s, "relaunched after stall", func(st Stats) bool {
		return h.launcher.launches() >= 2 && st.State == StateCapturing
	})
	assert.EqualValues(t, 1, h.launcher.child(0).stops.Load())
	assert.EqualValues(t, 1, h.launcher.maxLive.Load())
}

func TestCaptureSurvivesWithoutSegmentWatcher(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	// the watcher cannot register a directory that is gone
	h.launcher.onLaunch = func(*fakeChild, LaunchSpec) {
		_ = os.RemoveAll(h.layout.Dir)
	}
	s := h.build()
	timing := fastTiming()
	timing.StallTimeout = 100 * time.Millisecond
	s.SetTiming(timing)
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "capturing", capturing)

	time.Sleep(6 * timing.StallTimeout)
	st := s.Stats()
	assert.Equal(t, StateCapturing, st.State)
	assert.Equal(t, 1, h.launcher.launches())
	assert.Zero(t, h.launcher.child(0).stops.Load())
}

func TestRestartHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	s := h.build()
	s.SetTiming(Timing{SettleDelay: time.Hour, StopGrace: time.Second})
	defer h.shutdown(t)

	s.Start()
	waitStats(t, s, "capturing", capturing)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Restart(ctx), context.DeadlineExceeded)
	waitStats(t, s, "stopped", func(st Stats) bool { return st.State == StateStopped })
}

func TestStateStrings(t *testing.T) {
	for st, want := range map[State]string{
		StateStopped:           "stopped",
		StateDetectingDevices:  "detecting_devices",
		StateValidatingEncoder: "validating_encoder",
		StateCapturing:         "capturing",
		StateCrashedRetrying:   "crashed_retrying",
		StateStopping:          "stopping",
		State(99):              "unknown",
	} {
		assert.Equal(t, want, st.String())
	}
}

func TestDefaultTiming(t *testing.T) {
	d := DefaultTiming(4 * time.Second)
	assert.Equal(t, 3*time.Second, d.DeviceRetryDelay)
	assert.Equal(t, 10*time.Second, d.EncoderRetryDelay)
	assert.Equal(t, 5*time.Second, d.CrashRetryDelay)
	assert.Equal(t, 26*time.Second, d.StallTimeout)
}
