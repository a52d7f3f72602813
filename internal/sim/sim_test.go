package sim

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/stream"
)

func testConfig() Config {
	return Config{
		Cameras:   []string{"left", "right"},
		Width:     64,
		Height:    32,
		FrameRate: 200,
	}
}

func TestBackendEnumerateAndOpen(t *testing.T) {
	b := NewBackend(testConfig())

	found, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "left", found[0].ID)
	assert.Equal(t, "Simulator", found[1].Model)

	_, err = b.Open("middle")
	assert.Error(t, err)

	b.FailOpen(1)
	_, err = b.Open("left")
	assert.Error(t, err)

	d, err := b.Open("left")
	require.NoError(t, err)
	assert.Equal(t, "left", d.Info().ID)
	assert.Same(t, d, b.Device("left"))
}

func TestFeatures(t *testing.T) {
	d := NewDevice("cam", testConfig())

	v, err := d.String("DeviceVendorName")
	require.NoError(t, err)
	assert.Equal(t, "Lanikai", v)

	n, err := d.PayloadSize()
	require.NoError(t, err)
	assert.Equal(t, 64*32, n)

	require.NoError(t, d.SetString("PixelFormat", "Mono16"))
	n, _ = d.PayloadSize()
	assert.Equal(t, 64*32*2, n)
	f, err := camera.ReadFormat(d)
	require.NoError(t, err)
	assert.Equal(t, "mono16", f.Name)

	require.NoError(t, d.SetInteger("Width", 32))
	r, err := d.Region()
	require.NoError(t, err)
	assert.Equal(t, camera.Region{Width: 32, Height: 32}, r)

	assert.Error(t, d.SetInteger("Width", 1000))
	assert.True(t, errors.Is(d.SetInteger("SensorWidth", 10), camera.ErrReadOnly))
	assert.True(t, errors.Is(d.SetFloat("NoSuchThing", 1), camera.ErrNoSuchFeature))
	assert.True(t, errors.Is(d.Execute("Width"), camera.ErrWrongKind))

	require.NoError(t, d.SetFloat("AcquisitionFrameRate", 15))
	require.NoError(t, d.SetInteger("AcquisitionFrameRateEnable", 1))
	require.NoError(t, d.Execute("AcquisitionStart"))
	assert.Equal(t, []string{
		"PixelFormat=Mono16",
		"Width=32",
		"AcquisitionFrameRate=15",
		"AcquisitionFrameRateEnable=1",
		"AcquisitionStart=execute",
	}, d.Writes())

	feat, ok := d.Lookup("TriggerMode")
	require.True(t, ok)
	assert.Equal(t, camera.KindEnumeration, feat.Kind)
	d.Remove("TriggerMode")
	_, ok = d.Lookup("TriggerMode")
	assert.False(t, ok)

	require.NoError(t, d.Close())
	_, err = d.Integer("Width")
	assert.Equal(t, camera.ErrClosed, err)
}

func TestStreamFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FailureEvery = 3
	cfg.DriftPPM = 100
	d := NewDevice("cam", cfg)

	d.FailOpenStream(1)
	_, err := stream.NewSession(d, stream.DefaultOptions())
	require.Error(t, err)

	s, err := stream.NewSession(d, stream.DefaultOptions())
	require.NoError(t, err)
	size, _ := d.PayloadSize()
	pool, err := stream.NewPool(s, 4, size)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	var statuses []stream.Status
	var last uint64
	deadline := time.After(5 * time.Second)
	for len(statuses) < 6 {
		if b := s.TryPopFilled(); b != nil {
			statuses = append(statuses, b.Status)
			assert.Equal(t, size, b.Size)
			assert.EqualValues(t, 64, b.Width)
			assert.Greater(t, b.Timestamp, last)
			assert.GreaterOrEqual(t, b.Timestamp, uint64(clockOffset))
			last = b.Timestamp
			require.NoError(t, s.PushEmpty(b))
			continue
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frames")
		case <-time.After(time.Millisecond):
		}
	}
	require.NoError(t, s.Stop())

	assert.Equal(t, stream.MissingPackets, statuses[2])
	assert.Equal(t, stream.MissingPackets, statuses[5])
	assert.Equal(t, stream.Success, statuses[3])

	stats := s.Statistics()
	assert.GreaterOrEqual(t, stats.Missing, uint64(2))
	require.NoError(t, pool.Release())
}

func TestOnboardClockDrift(t *testing.T) {
	tr := &transport{drift: 1000}
	tr.start = time.Unix(100, 0)
	ts := tr.onboard(tr.start.Add(time.Second))
	assert.Equal(t, uint64(clockOffset)+uint64(time.Second)+uint64(time.Millisecond), ts)
}

func TestGradientMoves(t *testing.T) {
	a := make([]byte, 8)
	gradient(a, 4, 0)
	assert.Equal(t, []byte{0, 1, 2, 3, 1, 2, 3, 4}, a)
	gradient(a, 4, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 2, 3, 4, 5}, a)
}

func TestLoseControl(t *testing.T) {
	d := NewDevice("cam", testConfig())
	select {
	case <-d.ControlLost():
		t.Fatal("control lost too early")
	default:
	}
	d.LoseControl()
	d.LoseControl()
	select {
	case <-d.ControlLost():
	default:
		t.Fatal("control not lost")
	}
}
