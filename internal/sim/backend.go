package sim

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
)

// Config describes the simulated cameras. Zero fields take the defaults.
type Config struct {
	Cameras      []string `yaml:"cameras"`
	Width        int      `yaml:"width"`
	Height       int      `yaml:"height"`
	PixelFormat  string   `yaml:"pixel_format"`
	FrameRate    float64  `yaml:"frame_rate"`
	DriftPPM     float64  `yaml:"drift_ppm"`
	FailureEvery int      `yaml:"failure_every"`
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.PixelFormat == "" {
		c.PixelFormat = "Mono8"
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
	return c
}

// Backend serves the configured simulated cameras by name.
type Backend struct {
	cfg Config

	mu       sync.Mutex
	opened   map[string]*Device
	failOpen int
}

var _ camera.Backend = (*Backend)(nil)

func NewBackend(cfg Config) *Backend {
	return &Backend{
		cfg:    cfg.withDefaults(),
		opened: make(map[string]*Device),
	}
}

// FailOpen makes the next n Open calls fail.
func (b *Backend) FailOpen(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen = n
}

// Device returns the most recently opened device with the given name.
func (b *Backend) Device(name string) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened[name]
}

func (b *Backend) Enumerate(ctx context.Context) ([]camera.Info, error) {
	var found []camera.Info
	for _, name := range b.cfg.Cameras {
		found = append(found, camera.Info{
			ID:     name,
			Vendor: "Lanikai",
			Model:  "Simulator",
			Serial: name,
		})
	}
	return found, nil
}

func (b *Backend) Open(path string) (camera.Device, error) {
	known := false
	for _, name := range b.cfg.Cameras {
		known = known || name == path
	}
	if !known {
		return nil, errors.Errorf("no simulated camera named %q", path)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpen > 0 {
		b.failOpen--
		return nil, errors.Errorf("simulated open failure for %s", path)
	}
	d := NewDevice(path, b.cfg)
	b.opened[path] = d
	log.Info("Opened simulated camera %s (%dx%d %s @ %g Hz)", path, b.cfg.Width, b.cfg.Height, b.cfg.PixelFormat, b.cfg.FrameRate)
	return d, nil
}
