package sim

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/stream"
)

// Onboard clocks start at an arbitrary offset so they never coincide with
// the host clock.
const clockOffset = 5 * time.Second

type transport struct {
	dev    *Device
	period time.Duration
	drift  float64
	every  int

	start  time.Time
	frame  uint64
	failed atomic.Uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newTransport(d *Device) *transport {
	return &transport{
		dev:    d,
		period: time.Duration(float64(time.Second) / d.cfg.FrameRate),
		drift:  d.cfg.DriftPPM,
		every:  d.cfg.FailureEvery,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *transport) Start(f stream.Filler) error {
	if t.start != (time.Time{}) {
		return errors.New("transport already started")
	}
	t.start = time.Now()
	go t.run(f)
	return nil
}

func (t *transport) run(f stream.Filler) {
	defer close(t.done)
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.fill(f, now)
		}
	}
}

// onboard converts host time to the camera's drifting clock.
func (t *transport) onboard(now time.Time) uint64 {
	elapsed := int64(now.Sub(t.start))
	skew := int64(float64(elapsed) * t.drift / 1e6)
	return uint64(int64(clockOffset) + elapsed + skew)
}

func (t *transport) fill(f stream.Filler, now time.Time) {
	b := f.Acquire()
	if b == nil {
		return
	}
	t.frame++

	r, err := t.dev.Region()
	if err != nil {
		b.Status = stream.Aborted
		f.Complete(b)
		return
	}
	pf := t.dev.format()
	n, _ := t.dev.PayloadSize()
	if n > len(b.Data) {
		n = len(b.Data)
	}
	gradient(b.Data[:n], int(r.Width)*max(pf.BytesPerPixel(), 1), t.frame)

	b.Size = n
	b.FrameID = t.frame
	b.Timestamp = t.onboard(now)
	b.Width, b.Height = uint32(r.Width), uint32(r.Height)
	b.PixelFormat = pf.Code
	b.Status = stream.Success
	if t.every > 0 && t.frame%uint64(t.every) == 0 {
		b.Status = stream.MissingPackets
		t.failed.Add(1)
	}
	f.Complete(b)
}

// gradient writes a diagonal ramp that moves one step per frame.
func gradient(data []byte, stride int, frame uint64) {
	if stride <= 0 {
		stride = len(data)
	}
	for i := range data {
		x, y := i%stride, i/stride
		data[i] = byte(uint64(x+y) + frame)
	}
}

func (t *transport) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.start != (time.Time{}) {
		<-t.done
	}
	return nil
}

func (t *transport) Statistics() (resent, missing uint64) {
	return 0, t.failed.Load()
}
