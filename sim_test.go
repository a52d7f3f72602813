package camnode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/publish"
	"github.com/lanikai/camnode/internal/sim"
)

func TestAcquireFromSimulator(t *testing.T) {
	out := captureLog(t)
	backend := sim.NewBackend(sim.Config{
		Cameras:      []string{"cam0"},
		Width:        32,
		Height:       16,
		PixelFormat:  "Mono16",
		FrameRate:    200,
		DriftPPM:     250,
		FailureEvery: 4,
	})
	backend.FailOpen(1)

	rate := 25.0
	opts := DefaultOptions("cam0")
	opts.Open = backend.Open
	opts.RetryInterval = 5 * time.Millisecond
	opts.TickInterval = 20 * time.Millisecond
	opts.Buffers = 8
	opts.Settings.FrameRate = &rate

	rec := new(publish.Recorder)
	cancel := NewCanceler()
	c := NewController(opts, rec, cancel)
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	require.Eventually(t, func() bool { return len(rec.Frames()) >= 12 }, 10*time.Second, 5*time.Millisecond)
	cancel.Cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}

	frames := rec.Frames()
	for i, f := range frames {
		assert.EqualValues(t, i, f.Seq)
		assert.Equal(t, "mono16", f.Encoding)
		assert.EqualValues(t, 64, f.Step)
		assert.Len(t, f.Data, 32*16*2)
		// Every fourth frame is a failure and never published.
		assert.NotZero(t, f.FrameID%4)
		if i > 0 {
			assert.Greater(t, f.CameraStamp, frames[i-1].CameraStamp)
			assert.Greater(t, f.Stamp, frames[i-1].Stamp, "frame %d", i)
		}
		// Stamps live in the host clock domain, not the camera's.
		stamp := time.Unix(0, int64(f.Stamp))
		assert.WithinDuration(t, start, stamp, time.Minute, "frame %d", i)
	}

	dev := backend.Device("cam0")
	require.NotNil(t, dev)
	writes := dev.Writes()
	assert.Contains(t, writes, "AcquisitionFrameRateEnable=1")
	assert.Contains(t, writes, "AcquisitionFrameRate=25")
	assert.Contains(t, writes, "TriggerMode=Off")
	assert.Equal(t, "AcquisitionStop=execute", writes[len(writes)-1])
	_, err := dev.Integer("Width")
	assert.Equal(t, camera.ErrClosed, err, "device closed on the way out")

	s := out.String()
	assert.Contains(t, s, "Could not open camera cam0.  Retrying...")
	assert.Contains(t, s, "Opened: Lanikai-cam0")
	assert.Contains(t, s, "Frame error: MISSING_PACKETS")
	assert.Contains(t, s, "Can set FrameRate:     True")
}

func TestSimulatorControlLost(t *testing.T) {
	captureLog(t)
	backend := sim.NewBackend(sim.Config{Cameras: []string{"cam0"}, Width: 16, Height: 16, FrameRate: 100})
	opts := DefaultOptions("cam0")
	opts.Open = backend.Open
	opts.Buffers = 4

	cancel := NewCanceler()
	c := NewController(opts, nil, cancel)
	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	require.Eventually(t, func() bool { return c.State() == Acquiring }, 5*time.Second, time.Millisecond)
	backend.Device("cam0").LoseControl()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.True(t, cancel.Canceled())
}
